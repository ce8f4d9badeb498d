package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"erp-bridge/internal/models"
	"erp-bridge/internal/telemetry"
)

// Reserved single-word heartbeat frames; everything else on the wire is a
// JSON envelope.
const (
	framePing = "ping"
	framePong = "pong"
)

// Hub serves the websocket endpoint: handshake with a bearer token and an
// optional resume cursor, replay of missed events, live forwarding, and an
// application-level heartbeat that catches half-open connections.
type Hub struct {
	events     *EventLog
	tokens     map[string]struct{}
	hbInterval time.Duration
	hbTimeout  time.Duration
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewHub builds the hub. An empty token list disables auth (dev only).
func NewHub(events *EventLog, tokens []string, hbInterval, hbTimeout time.Duration, log zerolog.Logger) *Hub {
	ts := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		ts[t] = struct{}{}
	}
	return &Hub{
		events:     events,
		tokens:     ts,
		hbInterval: hbInterval,
		hbTimeout:  hbTimeout,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades and runs one connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	cursor := cursorFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()
	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	live, unsubscribe := h.events.Subscribe(128)
	defer unsubscribe()

	// Replay after subscribing so nothing published in between is lost;
	// duplicates are fine, clients de-duplicate by cursor.
	missed, err := h.events.ReplaySince(r.Context(), cursor)
	if err != nil {
		h.log.Warn().Err(err).Msg("event replay")
		return
	}

	pongs := make(chan struct{}, 1)
	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go h.readLoop(conn, pings, pongs, done)

	for _, ev := range missed {
		if err := h.writeEvent(conn, ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.hbInterval)
	defer ticker.Stop()
	var pongDeadline <-chan time.Time

	for {
		select {
		case <-done:
			return
		case <-pings:
			if err := h.writeFrame(conn, framePong); err != nil {
				return
			}
		case <-pongs:
			pongDeadline = nil
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !cursor.Newer(ev) {
				continue
			}
			cursor = cursor.Advance(ev)
			if err := h.writeEvent(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.writeFrame(conn, framePing); err != nil {
				return
			}
			if pongDeadline == nil {
				pongDeadline = time.After(h.hbTimeout)
			}
		case <-pongDeadline:
			telemetry.HeartbeatTimeouts.Inc()
			h.log.Debug().Msg("client missed heartbeat ack, closing")
			return
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn, pings, pongs chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.hbInterval + 2*h.hbTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch string(data) {
		case framePing:
			select {
			case pings <- struct{}{}:
			default:
			}
		case framePong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		default:
			// Structured client frames: parse and ignore unknown types so
			// the protocol can evolve without breaking old hubs.
			var env models.Event
			_ = json.Unmarshal(data, &env)
		}
	}
}

func (h *Hub) writeEvent(conn *websocket.Conn, ev models.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(ev)
}

func (h *Hub) writeFrame(conn *websocket.Conn, frame string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (h *Hub) authorized(r *http.Request) bool {
	if len(h.tokens) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	_, ok := h.tokens[token]
	return ok
}

func cursorFromRequest(r *http.Request) models.Cursor {
	var cursor models.Cursor
	if v := r.URL.Query().Get("lastSyncSequence"); v != "" {
		if seq, err := strconv.ParseInt(v, 10, 64); err == nil {
			cursor.LastSyncSequence = seq
		}
	}
	if v := r.URL.Query().Get("lastEventTimestamp"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			cursor.LastEventTimestamp = ts
		}
	}
	return cursor
}
