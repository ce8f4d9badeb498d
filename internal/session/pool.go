// Package session owns the bounded set of authenticated automated sessions
// against the remote system. Slots are the scarce resource every operation
// contends for.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"erp-bridge/internal/clock"
	"erp-bridge/internal/erp"
	"erp-bridge/internal/telemetry"
)

// CredentialSource supplies decrypted credentials and purges rejected ones.
// *vault.Vault satisfies it.
type CredentialSource interface {
	Fetch(userID string) (string, bool)
	Purge(ctx context.Context, userID string) error
}

// Slot is one unit of bounded concurrency, authenticated as a single user.
type Slot struct {
	ID          string
	BoundUserID string
	Session     erp.Session
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   time.Time
	busy        bool
}

// Stats is the dashboard view of the pool.
type Stats struct {
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"activeSessions"`
	MaxSessions    int `json:"maxSessions"`
}

type ticket struct {
	id uint64
}

// Pool manages at most capacity concurrent sessions with identity affinity,
// TTL reuse, and FIFO fairness among waiters.
type Pool struct {
	dialer   erp.Dialer
	creds    CredentialSource
	capacity int
	ttl      time.Duration
	sweep    time.Duration
	clk      clock.Clock
	log      zerolog.Logger

	mu      sync.Mutex
	slots   map[string]*Slot
	dialing int
	tickets []*ticket
	nextTk  uint64
	changed chan struct{}
}

// NewPool builds a pool of the given capacity.
func NewPool(dialer erp.Dialer, creds CredentialSource, capacity int, ttl, sweep time.Duration, clk clock.Clock, log zerolog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		dialer:   dialer,
		creds:    creds,
		capacity: capacity,
		ttl:      ttl,
		sweep:    sweep,
		clk:      clk,
		log:      log,
		slots:    make(map[string]*Slot),
		changed:  make(chan struct{}),
	}
}

// Acquire returns a slot authenticated as userID: an idle slot already bound
// to the identity is reused; under capacity a new one is dialed; at capacity
// the caller queues FIFO until a slot frees or ctx expires. Callers bound
// the wait through ctx; an expired wait is not a failure of the job, it just
// stays waiting.
func (p *Pool) Acquire(ctx context.Context, userID string) (*Slot, error) {
	tk := p.join()
	defer p.leave(tk)

	for {
		p.mu.Lock()
		if p.tickets[0] == tk {
			now := p.clk.Now()

			// Reuse an idle slot already bound to this identity.
			if slot := p.idleFor(userID, now); slot != nil {
				slot.busy = true
				slot.LastUsedAt = now
				p.mu.Unlock()
				p.notify()
				return slot, nil
			}

			// Under capacity (counting in-flight dials): open a new one.
			if len(p.slots)+p.dialing < p.capacity {
				p.dialing++
				p.mu.Unlock()
				return p.dial(ctx, userID)
			}

			// At capacity but an idle slot bound elsewhere exists: evict
			// the least recently used idle slot and dial fresh.
			if victim := p.idleAny(); victim != nil {
				delete(p.slots, victim.ID)
				p.dialing++
				p.mu.Unlock()
				p.teardown(victim)
				return p.dial(ctx, userID)
			}
		}
		waitCh := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
	}
}

// Release returns a slot to the pool, refreshing its TTL.
func (p *Pool) Release(slotID string) {
	p.mu.Lock()
	if slot, ok := p.slots[slotID]; ok {
		now := p.clk.Now()
		slot.busy = false
		slot.LastUsedAt = now
		slot.ExpiresAt = now.Add(p.ttl)
	}
	p.mu.Unlock()
	p.notify()
}

// Invalidate destroys a slot whose session is no longer usable. On an
// authentication rejection the stored credential is purged as well, so the
// pool never hammers the remote system with a stale password.
func (p *Pool) Invalidate(ctx context.Context, slotID string, authRejected bool) {
	p.mu.Lock()
	slot, ok := p.slots[slotID]
	if ok {
		delete(p.slots, slotID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.teardown(slot)
	if authRejected {
		if err := p.creds.Purge(ctx, slot.BoundUserID); err != nil {
			p.log.Warn().Err(err).Str("user", slot.BoundUserID).Msg("purge credential after auth rejection")
		}
	}
	p.notify()
}

// Run sweeps idle slots past their TTL until ctx is cancelled, bounding
// remote-side resource usage independent of demand.
func (p *Pool) Run(ctx context.Context) {
	ticker := p.clk.NewTicker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.sweepExpired()
		}
	}
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, s := range p.slots {
		if s.busy {
			active++
		}
	}
	return Stats{Sessions: len(p.slots) + p.dialing, ActiveSessions: active, MaxSessions: p.capacity}
}

func (p *Pool) dial(ctx context.Context, userID string) (*Slot, error) {
	undo := func() {
		p.mu.Lock()
		p.dialing--
		p.mu.Unlock()
		p.notify()
	}

	plaintext, ok := p.creds.Fetch(userID)
	if !ok {
		undo()
		return nil, erp.Errf(erp.KindAuthExpired, "no stored credential for %s", userID)
	}
	var creds erp.Credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		undo()
		return nil, erp.Wrap(erp.KindAuthExpired, "stored credential unreadable", err)
	}

	sess, err := p.dialer.Dial(ctx, creds)
	if err != nil {
		undo()
		if erp.IsAuthExpired(err) {
			if perr := p.creds.Purge(ctx, userID); perr != nil {
				p.log.Warn().Err(perr).Str("user", userID).Msg("purge credential after login rejection")
			}
		}
		return nil, err
	}

	now := p.clk.Now()
	slot := &Slot{
		ID:          uuid.New().String(),
		BoundUserID: userID,
		Session:     sess,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(p.ttl),
		busy:        true,
	}
	p.mu.Lock()
	p.dialing--
	p.slots[slot.ID] = slot
	p.mu.Unlock()
	p.notify()
	telemetry.SessionsOpen.Inc()
	p.log.Debug().Str("slot", slot.ID).Str("user", userID).Msg("session established")
	return slot, nil
}

func (p *Pool) idleFor(userID string, now time.Time) *Slot {
	for _, s := range p.slots {
		if !s.busy && s.BoundUserID == userID && s.ExpiresAt.After(now) {
			return s
		}
	}
	return nil
}

func (p *Pool) idleAny() *Slot {
	var lru *Slot
	for _, s := range p.slots {
		if s.busy {
			continue
		}
		if lru == nil || s.LastUsedAt.Before(lru.LastUsedAt) {
			lru = s
		}
	}
	return lru
}

func (p *Pool) sweepExpired() {
	now := p.clk.Now()
	var expired []*Slot
	p.mu.Lock()
	for id, s := range p.slots {
		if !s.busy && !s.ExpiresAt.After(now) {
			delete(p.slots, id)
			expired = append(expired, s)
		}
	}
	p.mu.Unlock()
	for _, s := range expired {
		p.log.Debug().Str("slot", s.ID).Str("user", s.BoundUserID).Msg("idle session expired")
		p.teardown(s)
	}
	if len(expired) > 0 {
		p.notify()
	}
}

func (p *Pool) teardown(slot *Slot) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := slot.Session.Close(closeCtx); err != nil {
		p.log.Debug().Err(err).Str("slot", slot.ID).Msg("session close")
	}
	telemetry.SessionsOpen.Dec()
}

// notify wakes every waiter; FIFO order is enforced by the ticket queue.
func (p *Pool) notify() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) join() *ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextTk++
	tk := &ticket{id: p.nextTk}
	p.tickets = append(p.tickets, tk)
	return tk
}

func (p *Pool) leave(tk *ticket) {
	p.mu.Lock()
	for i, t := range p.tickets {
		if t == tk {
			p.tickets = append(p.tickets[:i], p.tickets[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.notify()
}
