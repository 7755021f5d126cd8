package ui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const liveWriteTimeout = 5 * time.Second

// handleLive pushes the session list whenever it changes. The client never
// sends anything; reads only serve to notice the close.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("live feed: accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		payload, err := json.Marshal(s.buildList())
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		if !bytes.Equal(payload, last) {
			if err := s.push(ctx, conn, payload); err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					s.logger.Debug().Err(err).Msg("live feed: write failed")
				}
				return
			}
			last = payload
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
