package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	watchPageSize     = 500
	watchPingInterval = 30 * time.Second
	watchReadTimeout  = 60 * time.Second
	watchWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WatchMessage is pushed to websocket clients.
//
//	{"type": "run",    "data": <Run>}             on connect and on every state change
//	{"type": "event",  "data": <ExecutionEvent>}  for each execution event after the cursor
//	{"type": "status", "data": {"state": "..."}}  once the run is terminal, then the server closes
//
// Clients may send {"type": "ping"} and receive {"type": "pong"}.
type WatchMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Watcher streams run transitions and execution events over websockets.
// Lifecycle events from the publisher only wake the stream up; what is sent is
// always read back from the run store.
type Watcher struct {
	svc          *Service
	events       *telemetry.EventPublisher
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewWatcher creates a watcher. events may be nil, in which case the store is
// polled every pollInterval.
func NewWatcher(svc *Service, events *telemetry.EventPublisher, pollInterval time.Duration, logger zerolog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{
		svc:          svc,
		events:       events,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "watch").Logger(),
	}
}

// HandleWebSocket handles GET /runs/{id}/watch?after=<event id>.
func (wt *Watcher) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	after, err := queryInt64(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}
	if _, err := wt.svc.store.GetRun(r.Context(), runID); err != nil {
		writeJSON(w, StatusCode(err), ErrorResponse{Error: err.Error(), Kind: string(orchestrator.KindOf(err))})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wt.logger.Warn().Err(err).Str("run_id", runID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := wt.logger.With().Str("run_id", runID).Logger()
	log.Debug().Msg("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wake <-chan telemetry.Event
	if wt.events != nil {
		ch, unsubscribe := wt.events.Subscribe(telemetry.FilterByRunID(runID))
		defer unsubscribe()
		wake = ch
	}

	c := &watchConn{conn: conn}
	go c.readPump(cancel, log)

	if err := wt.stream(ctx, c, runID, after, wake); err != nil {
		log.Debug().Err(err).Msg("WebSocket stream ended")
	}
}

func (wt *Watcher) stream(ctx context.Context, c *watchConn, runID string, cursor int64, wake <-chan telemetry.Event) error {
	poll := time.NewTicker(wt.pollInterval)
	ping := time.NewTicker(watchPingInterval)
	defer poll.Stop()
	defer ping.Stop()

	var lastState orchestrator.RunState
	var lastUpdate time.Time
	for {
		// Events first, so a client never sees a terminal state before the
		// events that led to it.
		for {
			events, err := wt.svc.store.ListEvents(ctx, runID, cursor, watchPageSize)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := c.writeJSON(WatchMessage{Type: "event", Data: ev}); err != nil {
					return err
				}
				cursor = ev.ID
			}
			if len(events) < watchPageSize {
				break
			}
		}

		run, err := wt.svc.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State != lastState || !run.UpdatedAt.Equal(lastUpdate) {
			if err := c.writeJSON(WatchMessage{Type: "run", Data: run}); err != nil {
				return err
			}
			lastState, lastUpdate = run.State, run.UpdatedAt
		}
		if run.State.IsTerminal() {
			// Terminal runs produce no further events.
			if err := c.writeJSON(WatchMessage{Type: "status", Data: map[string]any{
				"state":   run.State,
				"failure": run.Failure,
			}}); err != nil {
				return err
			}
			return c.close()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-wake:
			if !ok {
				// Publisher shut down; keep polling.
				wake = nil
			}
		case <-poll.C:
		case <-ping.C:
			if err := c.ping(); err != nil {
				return err
			}
		}
	}
}

// watchConn serializes writes; gorilla connections allow one concurrent writer.
type watchConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *watchConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *watchConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout))
}

func (c *watchConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(watchWriteTimeout))
}

func (c *watchConn) readPump(cancel context.CancelFunc, log zerolog.Logger) {
	defer cancel()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		var req WatchMessage
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			if err := c.writeJSON(WatchMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

// WatchURL returns the websocket URL of a run for an http(s) server URL.
func WatchURL(server, runID string, after int64) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/runs/" + url.PathEscape(runID) + "/watch"
	if after > 0 {
		u += "?after=" + strconv.FormatInt(after, 10)
	}
	return u
}
