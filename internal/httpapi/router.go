package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"notifyd/internal/metrics"
	"notifyd/pkg/logx"
)

type handlers struct {
	d       Dispatcher
	log     logx.Logger
	maxBody int64
}

// NewRouter builds the producer API and ops routes.
func NewRouter(cfg Config, d Dispatcher, m *metrics.Metrics, log logx.Logger) http.Handler {
	cfg = cfg.withDefaults()
	h := &handlers{d: d, log: log, maxBody: cfg.MaxBodyBytes}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe(m, log))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		if cfg.RatePerSec > 0 {
			r.Use(limit(rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/notifications", h.immediate)
			r.Post("/notifications/bulk", h.bulkImmediate)
			r.Post("/notifications/delayed", h.delayed)
			r.Post("/notifications/delayed/bulk", h.bulkDelayed)
			r.Post("/telegram", h.telegram)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Method(http.MethodGet, "/metrics", m.Handler())
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// observe records RED metrics keyed by route pattern and logs each request
// at debug level.
func observe(m *metrics.Metrics, log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				path = rc.RoutePattern()
			}
			took := time.Since(start)
			m.HTTPRequest(path, r.Method, ww.Status(), took)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", took),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(ah[len(p):]), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorResponse{errorBody{Code: "unauthorized", Message: "unauthorized"}})
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{errorBody{Code: "rate_limited", Message: "too many requests"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
