package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"restpipe/internal/apierror"
	"restpipe/internal/content"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
)

var corsMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// corsExposed lists the pipeline's response headers browsers may read.
var corsExposed = []string{
	"Location",
	dispatch.HeaderRequestID,
	apierror.HeaderRetryAfter,
	apierror.HeaderThrottle,
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
}

// corsMiddleware handles Cross-Origin Resource Sharing. Preflight requests
// are answered here; a plain OPTIONS request still reaches the resource and
// gets its description.
func corsMiddleware(cfg models.CORSConfig) mux.MiddlewareFunc {
	wildcard := slices.Contains(cfg.AllowedOrigins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if !wildcard && !slices.Contains(cfg.AllowedOrigins, origin) {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			if !wildcard {
				// Session cookies only travel to explicitly trusted origins.
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", strings.Join(corsExposed, ", "))

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
				if len(cfg.AllowedHeaders) > 0 {
					h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
				}
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog logs one line per request once the response is written.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			level := slog.LevelInfo
			switch {
			case m.Code >= http.StatusInternalServerError:
				level = slog.LevelError
			case m.Code >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Int64("bytes", m.Written),
				slog.Duration("duration", m.Duration),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", w.Header().Get(dispatch.HeaderRequestID)),
			)
		})
	}
}

// recoveryMiddleware turns a panic outside the dispatcher into a 500. The
// dispatcher recovers handler panics itself.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(p)
				}
				logger.ErrorContext(r.Context(), "Panic recovered", "error", p, "path", r.URL.Path)
				writeError(w, apierror.NewInternal(fmt.Errorf("panic: %v", p)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders an error that occurs outside any resource. There was
// no negotiation, so the body is always JSON.
func writeError(w http.ResponseWriter, e *apierror.Error) {
	for k, vs := range e.Header {
		w.Header()[k] = vs
	}
	body, ctype, err := content.JSONRenderer{}.Render(e.Body(), nil)
	if err != nil {
		http.Error(w, e.Message, e.StatusCode)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(body)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, apierror.NewApplicationError(http.StatusNotFound, "Not found.", nil))
}
