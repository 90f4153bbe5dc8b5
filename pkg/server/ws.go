package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are handled by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feed produces messages for a socket until ctx is done.
type feed func(ctx context.Context, out chan<- any)

// serveWS upgrades the request and writes everything feed produces as JSON.
// Incoming messages are discarded; the read side only tracks liveness.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, name string, f feed) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("socket", name).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	s.log.Info().Str("socket", name).Msg("websocket connected")
	defer s.log.Info().Str("socket", name).Msg("websocket disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxMessage)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug().Err(err).Str("socket", name).Msg("websocket read")
				}
				return
			}
		}
	}()

	out := make(chan any, 16)
	go f(ctx, out)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func send(ctx context.Context, out chan<- any, v any) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleTelemetry streams the status envelope at a fixed rate.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, "telemetry", func(ctx context.Context, out chan<- any) {
		t := time.NewTicker(s.cfg.TelemetryInterval)
		defer t.Stop()
		for {
			if !send(ctx, out, s.bridge.Status(ctx)) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	})
}

// handleLogs sends the buffered log entries, then new ones as they arrive.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log streaming disabled", http.StatusNotFound)
		return
	}
	s.serveWS(w, r, "logs", func(ctx context.Context, out chan<- any) {
		ch := s.logs.Subscribe()
		defer s.logs.Unsubscribe(ch)
		for _, e := range s.logs.Entries() {
			if !send(ctx, out, e) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok || !send(ctx, out, e) {
					return
				}
			}
		}
	})
}
