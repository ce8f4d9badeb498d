// Package handler implements the operation catalog: each handler drives one
// remote interaction through an acquired session.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"erp-bridge/internal/docstore"
	"erp-bridge/internal/erp"
	"erp-bridge/internal/models"
	"erp-bridge/internal/queue"
)

// Register binds every catalog operation onto the executor.
func Register(q *queue.Queue, docs *docstore.Archive) {
	q.RegisterHandler(models.OpPlaceOrder, PlaceOrder)
	q.RegisterHandler(models.OpFetchDocument, FetchDocument(docs))
	q.RegisterHandler(models.OpSyncCustomers, Sync("customers"))
	q.RegisterHandler(models.OpSyncProducts, Sync("products"))
	q.RegisterHandler(models.OpSyncPrices, Sync("prices"))
	q.RegisterHandler(models.OpSyncOrders, Sync("orders"))
}

// PlaceOrder submits a sales order. The form post is the irreversible step;
// cancellation is only honored before it.
func PlaceOrder(ctx context.Context, exec *queue.Execution) (map[string]any, error) {
	var req erp.OrderRequest
	if err := decodePayload(exec.Job.Payload, &req); err != nil {
		return nil, err
	}
	if req.CustomerCode == "" || len(req.Lines) == 0 {
		return nil, erp.Errf(erp.KindValidation, "order needs a customer and at least one line")
	}

	if err := exec.Checkpoint(); err != nil {
		return nil, err
	}
	exec.MarkIrreversible()

	res, err := exec.Session.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"orderNumber": res.OrderNumber,
		"placedAt":    res.PlacedAt.Format(time.RFC3339),
	}, nil
}

type fetchDocumentPayload struct {
	Kind   string `json:"kind"`
	Number string `json:"number"`
}

// FetchDocument downloads one document and archives it. Fetching has no
// remote side effect, so every step is cancellable.
func FetchDocument(docs *docstore.Archive) queue.Handler {
	return func(ctx context.Context, exec *queue.Execution) (map[string]any, error) {
		var p fetchDocumentPayload
		if err := decodePayload(exec.Job.Payload, &p); err != nil {
			return nil, err
		}
		if p.Kind == "" || p.Number == "" {
			return nil, erp.Errf(erp.KindValidation, "document kind and number are required")
		}

		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		doc, err := exec.Session.FetchDocument(ctx, erp.DocumentRef{Kind: p.Kind, Number: p.Number})
		if err != nil {
			return nil, err
		}

		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s/%s.pdf", p.Kind, p.Number)
		location, err := docs.Store(ctx, key, doc.Body, doc.ContentType)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"kind":     p.Kind,
			"number":   p.Number,
			"location": location,
			"bytes":    len(doc.Body),
		}, nil
	}
}

// Sync pulls one reference dataset. Read-only, cancellable throughout.
func Sync(dataset string) queue.Handler {
	return func(ctx context.Context, exec *queue.Execution) (map[string]any, error) {
		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		exec.Progress(ctx, 10)

		records, err := exec.Session.Export(ctx, dataset)
		if err != nil {
			return nil, err
		}
		exec.Progress(ctx, 90)

		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		return map[string]any{
			"dataset":   dataset,
			"count":     len(records),
			"records":   records,
			"fetchedAt": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

// decodePayload re-marshals the opaque payload into a typed struct.
func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return erp.Wrap(erp.KindValidation, "marshal payload", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return erp.Wrap(erp.KindValidation, "decode payload", err)
	}
	return nil
}
