package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the collaborators of the sync service.
type Deps struct {
	Items domain.ItemStore
	// Limiter backs shared rate limiting; used only when the config asks for it.
	Limiter domain.RateLimiter
	Events  domain.EventPublisher
	Logger  *zerolog.Logger
}

// HTTPServer is the remote sync service: the endpoints the sync engine
// talks to, backed by an ItemStore.
type HTTPServer struct {
	cfg     config.ServerConfig
	items   domain.ItemStore
	events  domain.EventPublisher
	limiter *rateLimiter
	server  *http.Server
	log     zerolog.Logger

	now func() time.Time
}

func NewHTTPServer(cfg config.ServerConfig, deps Deps) *HTTPServer {
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = deps.Logger.With().Str("component", "http").Logger()
	}
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = models.DefaultUserID
	}

	srv := &HTTPServer{
		cfg:     cfg,
		items:   deps.Items,
		events:  deps.Events,
		limiter: newRateLimiter(cfg.RateLimit, deps.Limiter, log),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return srv
}

func (s *HTTPServer) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Full paths on the root router: a subrouter reports a path mismatch
	// from a sibling route instead of the method mismatch, so 405 never fires.
	r.Handle("/api/v1/sync", s.apiChain(s.handleSync)).Methods(http.MethodPost)
	r.Handle("/api/v1/user-data", s.apiChain(s.handleUserData)).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, models.CodeInvalidRequest, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, models.CodeNotFound, "not found")
	})

	r.Use(s.tagRoute)
	return s.instrument(r)
}

func (s *HTTPServer) apiChain(h http.HandlerFunc) http.Handler {
	return s.identify(s.rateLimit(h))
}

// Handler exposes the routed handler, mainly for httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("Sync API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func metadata(r *http.Request) *models.Metadata {
	return &models.Metadata{
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
	}
}

func writeData[T any](w http.ResponseWriter, r *http.Request, data *T) {
	writeJSON(w, http.StatusOK, models.APIResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: metadata(r),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code models.ErrorCode, message string) {
	writeJSON(w, statusCode, models.APIResponse[struct{}]{
		Success:  false,
		Error:    &models.APIError{Code: code, Message: message},
		Metadata: metadata(r),
	})
}
