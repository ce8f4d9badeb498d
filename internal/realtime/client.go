package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"erp-bridge/internal/clock"
	"erp-bridge/internal/models"
)

// Conn is the subset of a websocket connection the client needs;
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc establishes a connection, presenting the resume cursor.
type DialFunc func(ctx context.Context, cursor models.Cursor) (Conn, error)

// ClientOptions tunes the reconnecting client.
type ClientOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WatchdogInterval  time.Duration
	Backoff           Backoff
	Clock             clock.Clock
	Log               zerolog.Logger
	// EventBuffer sizes the delivery channel.
	EventBuffer int
}

// Client maintains a resumable connection to the hub: reconnect with
// exponential backoff and jitter, application-level heartbeat, a watchdog
// for dead-but-not-closed connections, and an ordered offline send queue.
type Client struct {
	dial DialFunc
	opts ClientOptions

	events chan models.Event
	nudge  chan struct{}

	mu      sync.Mutex
	state   State
	cursor  models.Cursor
	pending [][]byte
	conn    Conn
	wmu     sync.Mutex
	lastRx  time.Time
}

// NewClient builds a client for the hub URL (ws:// or wss://).
func NewClient(hubURL, token string, opts ClientOptions) (*Client, error) {
	base, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	dial := func(ctx context.Context, cursor models.Cursor) (Conn, error) {
		u := *base
		q := u.Query()
		if token != "" {
			q.Set("token", token)
		}
		if cursor.LastSyncSequence > 0 {
			q.Set("lastSyncSequence", strconv.FormatInt(cursor.LastSyncSequence, 10))
			q.Set("lastEventTimestamp", cursor.LastEventTimestamp.Format(time.RFC3339))
		}
		u.RawQuery = q.Encode()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return NewClientWithDialer(dial, opts), nil
}

// NewClientWithDialer is the injection point for tests.
func NewClientWithDialer(dial DialFunc, opts ClientOptions) *Client {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	if opts.WatchdogInterval == 0 {
		opts.WatchdogInterval = 45 * time.Second
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff.Base = time.Second
	}
	if opts.Backoff.Max == 0 {
		opts.Backoff.Max = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Client{
		dial:   dial,
		opts:   opts,
		events: make(chan models.Event, opts.EventBuffer),
		nudge:  make(chan struct{}, 1),
		state:  StateDisconnected,
	}
}

// Events delivers received events in order. The channel closes when Run
// returns.
func (c *Client) Events() <-chan models.Event { return c.events }

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor reports the resume cursor (monotonically non-decreasing).
func (c *Client) Cursor() models.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Nudge requests an immediate reconnect attempt, bypassing the current
// backoff delay. Wire it to foreground/visibility and network-restored
// signals.
func (c *Client) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Send transmits an envelope, or queues it in order while disconnected.
// Queued items replay on reconnect; a replay failure re-queues the item
// rather than dropping it.
func (c *Client) Send(eventType string, payload map[string]any) error {
	data, err := json.Marshal(models.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	connected := c.state == StateConnected && c.conn != nil
	conn := c.conn
	if !connected {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		// The connection is going away; keep the item for replay.
		c.mu.Lock()
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	return nil
}

// Run drives the connection state machine until ctx is cancelled. The
// transitions come from Transition; Run only executes effects.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	c.apply(EvStart)

	for {
		if ctx.Err() != nil {
			c.apply(EvClose)
			return ctx.Err()
		}

		switch c.State() {
		case StateConnecting:
			conn, err := c.dial(ctx, c.Cursor())
			if err != nil {
				c.opts.Log.Debug().Err(err).Msg("dial failed")
				c.apply(EvDialFailed)
				continue
			}
			c.adopt(conn)
			c.apply(EvDialOK) // resets backoff, replays the queue
			if !c.replayPending(conn) {
				c.apply(EvConnLost)
				continue
			}
			ev := c.serve(ctx, conn)
			c.dropConn(conn)
			if ctx.Err() != nil {
				continue
			}
			c.apply(ev)

		case StateReconnecting:
			delay := c.nextDelay()
			select {
			case <-ctx.Done():
				continue
			case <-c.nudge:
				c.apply(EvNudge)
			case <-c.opts.Clock.After(delay):
				c.apply(EvRetryDue)
			}

		case StateClosed:
			return nil

		default:
			// Disconnected outside Run only happens before EvStart.
			c.apply(EvStart)
		}
	}
}

// apply runs the pure transition and executes its effects that touch
// client state.
func (c *Client) apply(ev ConnEvent) {
	c.mu.Lock()
	next, effects := Transition(c.state, ev)
	c.state = next
	conn := c.conn
	c.mu.Unlock()

	for _, eff := range effects {
		switch eff {
		case EffResetBackoff, EffRetryNow:
			c.mu.Lock()
			c.opts.Backoff.Reset()
			c.mu.Unlock()
		case EffCloseConn:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Backoff.Next()
}

func (c *Client) adopt(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.lastRx = c.opts.Clock.Now()
	c.mu.Unlock()
}

func (c *Client) dropConn(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// replayPending flushes the offline queue in original order. On a failure
// the item stays at the head so nothing is reordered or lost.
func (c *Client) replayPending(conn Conn) bool {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return true
		}
		item := c.pending[0]
		c.mu.Unlock()

		if err := c.write(conn, websocket.TextMessage, item); err != nil {
			c.opts.Log.Debug().Err(err).Msg("replay failed, keeping item queued")
			return false
		}
		c.mu.Lock()
		c.pending = c.pending[1:]
		c.mu.Unlock()
	}
}

// serve pumps one live connection: reads, heartbeats, watchdog. It returns
// the event that ended the connection.
func (c *Client) serve(ctx context.Context, conn Conn) ConnEvent {
	readErr := make(chan error, 1)
	pongs := make(chan struct{}, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.mu.Lock()
			c.lastRx = c.opts.Clock.Now()
			c.mu.Unlock()

			switch string(data) {
			case framePing:
				_ = c.write(conn, websocket.TextMessage, []byte(framePong))
			case framePong:
				select {
				case pongs <- struct{}{}:
				default:
				}
			default:
				var ev models.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					continue // not an envelope; ignore
				}
				c.mu.Lock()
				isNew := c.cursor.Newer(ev)
				if isNew {
					c.cursor = c.cursor.Advance(ev)
				}
				c.mu.Unlock()
				if !isNew {
					continue // duplicate from at-least-once replay
				}
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	heartbeat := c.opts.Clock.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := c.opts.Clock.NewTicker(c.opts.WatchdogInterval)
	defer watchdog.Stop()
	var pongDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return EvConnLost
		case <-readErr:
			return EvConnLost
		case <-pongs:
			pongDeadline = nil
		case <-heartbeat.C():
			if err := c.write(conn, websocket.TextMessage, []byte(framePing)); err != nil {
				return EvConnLost
			}
			if pongDeadline == nil {
				pongDeadline = c.opts.Clock.After(c.opts.HeartbeatTimeout)
			}
		case <-pongDeadline:
			c.opts.Log.Debug().Msg("heartbeat ack missing, forcing reconnect")
			return EvHeartbeatTimeout
		case <-watchdog.C():
			// Independent of the close-triggered path: if nothing has
			// arrived for a whole watchdog window plus the heartbeat
			// cycle, the connection is dead but not closed.
			c.mu.Lock()
			stale := c.opts.Clock.Now().Sub(c.lastRx) > c.opts.WatchdogInterval+c.opts.HeartbeatInterval
			c.mu.Unlock()
			if stale {
				c.opts.Log.Debug().Msg("watchdog detected a stuck connection")
				return EvHeartbeatTimeout
			}
		case <-c.nudge:
			// Already connected; nothing to bypass.
		}
	}
}

func (c *Client) write(conn Conn, messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(messageType, data)
}
