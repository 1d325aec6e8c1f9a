package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/auth"
	"github.com/quild-ai/quild/server/internal/chat"
	"github.com/quild-ai/quild/server/internal/config"
	"github.com/quild-ai/quild/server/internal/events"
	"github.com/quild-ai/quild/server/internal/metrics"
	"github.com/quild-ai/quild/server/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	keepAliveInterval = 15 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Streamer answers one chat turn as a stream of events.
type Streamer interface {
	Stream(ctx context.Context, req chat.Request, emitter events.Emitter) error
}

type Server struct {
	store     store.Store
	chat      Streamer
	verifier  *auth.Verifier
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	limiter   *userLimiter
	keepAlive time.Duration
	now       func() time.Time
	newID     func() string
}

func NewServer(store store.Store, streamer Streamer, verifier *auth.Verifier, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     store,
		chat:      streamer,
		verifier:  verifier,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		limiter:   newUserLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst, time.Now),
		keepAlive: keepAliveInterval,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.instrument)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(limitBody(maxBodyBytes))
		r.Get("/", s.apiRoot)
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Use(s.rateLimit)
			r.Post("/ai/stream", s.streamAI)
			r.Get("/conversations", s.listConversations)
			r.Post("/conversations", s.createConversation)
			r.Delete("/conversations/{id}", s.deleteConversation)
			r.Patch("/conversations/{id}/title", s.updateConversationTitle)
			r.Get("/conversations/{id}/messages", s.listMessages)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]any{"ok": true, "message": "API root"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.cfg.SerpAPIKey == "" {
		subsystems["web_search"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["web_search"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONStatus(w, map[string]string{"error": message}, statusCode)
}

// decodeBody reads a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) (int, error) {
	err := json.NewDecoder(r.Body).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return 0, nil
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, err
	default:
		return http.StatusBadRequest, err
	}
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
