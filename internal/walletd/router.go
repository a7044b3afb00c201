package walletd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/walletbridge/internal/logx"
)

// RouterOptions configure the host HTTP surface.
type RouterOptions struct {
	Port           int
	MetricsAddr    string
	AllowedOrigins []string
	// Gatherer serves /metrics when MetricsAddr targets the main port.
	Gatherer prometheus.Gatherer
}

// NewRouter constructs the HTTP handler for the host.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chiMiddleware.RequestID, requestLogger)

	r.Get("/bridge/connect", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.State().Accepting() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(s.State().Status()))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
				logx.Log.Debug().Err(err).Msg("encode state")
			}
		})
	})

	if opts.Gatherer != nil && opts.MetricsAddr == fmt.Sprintf(":%d", opts.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bridge/connect" {
			logx.Log.Debug().Str("request_id", chiMiddleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("session upgrade")
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logx.Log.Info().Str("request_id", chiMiddleware.GetReqID(r.Context())).Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.status).Msg("http")
	})
}
