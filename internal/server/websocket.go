package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumidev/lumidev/internal/notifier"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket is the websocket flavour of /esbuild: the same JSON message
// per delivery, and a normal close once the subscriber is released
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := notifier.NewStreamSubscriber()
	s.notifier.Register(sub)
	defer s.notifier.Unregister(sub)

	done := make(chan struct{})
	defer close(done)

	go func() {
		write := func(msg notifier.Message) bool {
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return false
			}
			return conn.WriteJSON(msg) == nil
		}

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				_ = conn.Close()
				return
			case msg := <-sub.Messages():
				if !write(msg) {
					return
				}
			case <-sub.Done():
				for _, msg := range sub.Drain() {
					if !write(msg) {
						return
					}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build complete"))
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
