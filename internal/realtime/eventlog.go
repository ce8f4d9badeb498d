// Package realtime pushes queue and sync state changes to connected
// clients with resumable, at-least-once delivery.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"erp-bridge/internal/models"
)

const (
	seqKey     = "events:seq"
	historyKey = "events:history"
)

// EventLog assigns each event a strictly increasing sequence and keeps a
// bounded history in Redis so clients can resume after a reconnect, even
// across a hub restart. Live delivery fans out to in-process subscribers.
type EventLog struct {
	client     *redis.Client
	maxHistory int64

	mu   sync.Mutex
	subs map[int]chan models.Event
	next int
}

// NewEventLog builds the log over an existing Redis client.
func NewEventLog(client *redis.Client, maxHistory int64) *EventLog {
	if maxHistory <= 0 {
		maxHistory = 5000
	}
	return &EventLog{
		client:     client,
		maxHistory: maxHistory,
		subs:       make(map[int]chan models.Event),
	}
}

// Publish appends an event to the history and fans it out to subscribers.
func (l *EventLog) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	seq, err := l.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("event seq: %w", err)
	}
	ev := models.Event{
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, historyKey, redis.Z{Score: float64(seq), Member: data})
	pipe.ZRemRangeByRank(ctx, historyKey, 0, -(l.maxHistory + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	l.mu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop the live copy. The history keeps the
			// event, so the client recovers it on its next resume.
		}
	}
	l.mu.Unlock()
	return nil
}

// ReplaySince returns, in order, every retained event newer than the
// cursor.
func (l *EventLog) ReplaySince(ctx context.Context, cursor models.Cursor) ([]models.Event, error) {
	raw, err := l.client.ZRangeByScore(ctx, historyKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cursor.LastSyncSequence, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	events := make([]models.Event, 0, len(raw))
	for _, r := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe registers a live event channel. Call the returned cancel to
// unsubscribe.
func (l *EventLog) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}
