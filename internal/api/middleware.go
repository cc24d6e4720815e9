package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskflow/internal/metrics"
	"taskflow/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestIDKey
)

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// identify attaches the caller's user id and a request id to the context.
// The request id is echoed back in the response header.
func (s *HTTPServer) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(models.HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(models.HeaderRequestID, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)

		userID := strings.TrimSpace(r.Header.Get(models.HeaderUserID))
		if userID == "" {
			userID = s.cfg.DefaultUserID
		}
		ctx = context.WithValue(ctx, userIDKey, userID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.Context(), userIDFrom(r.Context())) {
			writeError(w, r, http.StatusTooManyRequests, models.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument logs every request and records it in Prometheus. Requests that
// match no route are counted under a single endpoint label.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK, route: unmatchedRoute}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		metrics.IncHTTP(recorder.route, strconv.Itoa(recorder.status))
		metrics.ObserveHTTP(recorder.route, dur)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", recorder.route).
			Int("status", recorder.status).
			Dur("duration", dur).
			Str("request_id", recorder.Header().Get(models.HeaderRequestID)).
			Msg("HTTP request")
	})
}

const unmatchedRoute = "unmatched"

// tagRoute runs on matched routes only and hands the route template back to
// instrument, which sits outside the router.
func (s *HTTPServer) tagRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec, ok := w.(*statusRecorder); ok {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					rec.route = tpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	route  string
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
