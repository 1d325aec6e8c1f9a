package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/auth"
	"github.com/quild-ai/quild/server/internal/chat"
	"github.com/quild-ai/quild/server/internal/events"
	"github.com/quild-ai/quild/server/internal/llm"
)

// streamAI handles POST /api/ai/stream. Failures before the first event get a
// plain JSON error; later failures are reported in the stream by chat.
func (s *Server) streamAI(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if status, err := decodeBody(r, &req); err != nil {
		writeError(w, status, "invalid request")
		return
	}
	req.UserID = auth.UserID(r.Context())

	ctx := r.Context()
	writer := events.NewSSEWriter(w)
	stop := startKeepAlive(writer, s.keepAlive)
	err := s.chat.Stream(ctx, req, writer)
	stop()
	if err == nil {
		return
	}

	logger := s.logger.With(zap.String("user_id", req.UserID), zap.String("conversation_id", req.ConversationID))
	switch {
	case ctx.Err() != nil:
		logger.Debug("client disconnected during stream", zap.Error(err))
	case writer.Started():
		logger.Warn("stream ended with error", zap.Error(err))
	default:
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("stream request failed", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, chat.PublicMessage(err))
	}
}

// startKeepAlive writes SSE comments every interval until the returned stop
// func is called. stop waits for the writer goroutine to exit.
func startKeepAlive(writer *events.SSEWriter, interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writer.KeepAlive(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func statusFor(err error) int {
	var upstream *chat.UpstreamError
	var unsupported llm.ErrUnsupportedProvider
	switch {
	case errors.Is(err, chat.ErrMessageRequired), errors.Is(err, chat.ErrInvalidRequest), errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
