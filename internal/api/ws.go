// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/orchestrate"
)

const (
	// MessageEvent carries one LogEvent.
	MessageEvent = "event"
	// MessageEnd is the last message of a stream and carries the summary
	// or record of the execution.
	MessageEnd = "end"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is one WebSocket text message on /v1/runs/{id}/logs.
type StreamMessage struct {
	Type  string                `json:"type"`
	Event *orchestrate.LogEvent `json:"event,omitempty"`
	Data  any                   `json:"data,omitempty"`
}

// handleLogs replays an execution's events after ?after=<seq> and then
// follows it until it finishes. Executions not started by this server are
// replayed from their log file, found through ?project=<root>.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, &BindError{Message: "after must be a non-negative integer", Fields: map[string]string{"after": "min=0"}})
			return
		}
		after = n
	}

	if h, ok := s.hub(id); ok {
		exec, err := s.execution(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.follow(conn, h, exec, after)
		return
	}

	store, err := s.history(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := orchestrate.ReadLog(store.Abs(rec.LogRef))
	if err != nil && len(events) == 0 {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.replay(conn, events, after, rec)
}

func (s *Server) replay(conn *websocket.Conn, events []orchestrate.LogEvent, after int64, rec history.Record) {
	defer conn.Close()
	for i := range events {
		if events[i].Seq <= after {
			continue
		}
		if err := send(conn, StreamMessage{Type: MessageEvent, Event: &events[i]}); err != nil {
			return
		}
	}
	if err := send(conn, StreamMessage{Type: MessageEnd, Data: rec}); err != nil {
		return
	}
	closeNormal(conn, "replay complete")
}

func (s *Server) follow(conn *websocket.Conn, h *hub, exec *orchestrate.Execution, after int64) {
	defer conn.Close()

	gone := readPump(conn)
	backlog, sub := h.subscribe(after)
	if sub != nil {
		defer h.unsubscribe(sub)
	}

	for i := range backlog {
		if err := send(conn, StreamMessage{Type: MessageEvent, Event: &backlog[i]}); err != nil {
			return
		}
	}

	if sub != nil {
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
	loop:
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					if h.wasDropped(sub) {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client too slow"),
							time.Now().Add(writeWait))
						return
					}
					break loop
				}
				if err := send(conn, StreamMessage{Type: MessageEvent, Event: &ev}); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-s.ctx.Done():
				closeNormal(conn, "server shutting down")
				return
			}
		}
	}

	// The event channel closes just before the execution is marked done.
	ctx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()
	if _, err := exec.Wait(ctx); err != nil && ctx.Err() != nil {
		return
	}
	if err := send(conn, StreamMessage{Type: MessageEnd, Data: exec.Summary()}); err != nil {
		return
	}
	closeNormal(conn, "execution finished")
}

// readPump discards client messages so control frames are processed, and
// closes the returned channel when the client goes away.
func readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

func send(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}
