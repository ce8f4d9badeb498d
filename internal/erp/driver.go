// Package erp drives authenticated interactive sessions against the remote
// line-of-business system, which exposes no API. Everything goes through
// its login form, its order form, and its export/download endpoints.
package erp

import (
	"context"
	"time"
)

// Credentials authenticate one user against the remote system.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OrderLine is one row of a sales order.
type OrderLine struct {
	ProductCode string  `json:"productCode"`
	Quantity    float64 `json:"quantity"`
}

// OrderRequest is the payload for placing a sales order.
type OrderRequest struct {
	CustomerCode string      `json:"customerCode"`
	Reference    string      `json:"reference"`
	Lines        []OrderLine `json:"lines"`
}

// OrderResult is the remote confirmation of a placed order.
type OrderResult struct {
	OrderNumber string    `json:"orderNumber"`
	PlacedAt    time.Time `json:"placedAt"`
}

// DocumentRef identifies a printable document (invoice, DDT, order copy).
type DocumentRef struct {
	Kind   string `json:"kind"`
	Number string `json:"number"`
}

// Document is a fetched document with its content type.
type Document struct {
	Ref         DocumentRef
	ContentType string
	Body        []byte
}

// Session is one authenticated automated session. Implementations are not
// safe for concurrent use; the session pool guarantees single ownership.
type Session interface {
	// PlaceOrder submits a sales order. Once the form post has been
	// issued the side effect cannot be rolled back.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// FetchDocument downloads one document.
	FetchDocument(ctx context.Context, ref DocumentRef) (Document, error)
	// Export pulls a reference dataset (customers, products, prices,
	// orders) as records.
	Export(ctx context.Context, dataset string) ([]map[string]string, error)
	// Ping verifies the session is still authenticated.
	Ping(ctx context.Context) error
	// Close logs out and releases remote resources.
	Close(ctx context.Context) error
}

// Dialer establishes new authenticated sessions.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}
