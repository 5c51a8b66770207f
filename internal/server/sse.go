package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumidev/lumidev/internal/notifier"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	reconnectRetry           = 2 * time.Second
	cacheControlNoStore      = "no-store"
)

var errNoFlusher = errors.New("response writer does not support flushing")

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func startSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoFlusher
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", cacheControlNoStore)
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteRetry(retry time.Duration) error {
	if retry <= 0 {
		return nil
	}
	if _, err := io.WriteString(s.writer, "retry: "+strconv.FormatInt(retry.Milliseconds(), 10)+"\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) WriteComment(comment string) error {
	if _, err := io.WriteString(s.writer, ": "+strings.TrimSpace(comment)+"\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) WriteEvent(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := io.WriteString(s.writer, "data: "); err != nil {
			return err
		}
		if _, err := s.writer.Write(line); err != nil {
			return err
		}
		if _, err := io.WriteString(s.writer, "\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.writer, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEventStream registers the client with the notifier and streams its
// deliveries until it is released or disconnects
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	writer, err := startSSEWriter(w)
	if err != nil {
		s.logger.Error("event stream unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := writer.WriteRetry(reconnectRetry); err != nil {
		return
	}

	sub := notifier.NewStreamSubscriber()
	s.logger.Debug("live reload client connected",
		zap.String("subscriber", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr))
	s.notifier.Register(sub)
	defer s.notifier.Unregister(sub)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := writer.WriteComment("ping"); err != nil {
				return
			}
		case msg := <-sub.Messages():
			if err := writer.WriteEvent(msg); err != nil {
				return
			}
		case <-sub.Done():
			for _, msg := range sub.Drain() {
				if err := writer.WriteEvent(msg); err != nil {
					return
				}
			}
			return
		}
	}
}
