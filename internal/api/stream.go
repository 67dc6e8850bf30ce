package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/observe"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes a status snapshot on connect, after every state
// change and once per PushInterval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context())
	changes, unsubscribe := s.cfg.Recorder.Subscribe(8)
	defer unsubscribe()

	// Clients only listen; CloseRead cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	send := func(st coordinator.Status) bool {
		wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, st); err != nil {
			log.Debug("api: status stream closed", "err", err)
			return false
		}
		return true
	}

	if !send(s.cfg.Recorder.Status()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "recorder closed")
				return
			}
			if !send(st) {
				return
			}
		case <-ticker.C:
			if !send(s.cfg.Recorder.Status()) {
				return
			}
		}
	}
}
