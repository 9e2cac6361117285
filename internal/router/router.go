// Package router assembles the configured pipelines into one HTTP handler.
// Requests are dispatched to a pipeline by the Host header; operational
// endpoints (health, metrics) are served directly.
package router

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/config"
	"github.com/aicentral/aicentral/internal/pipeline"
)

func New(cfg *config.Config, pipelines map[string]*pipeline.Pipeline, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.CORS.ExposedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	dispatch := hostDispatcher(pipelines, logger)
	r.HandleFunc("/*", dispatch)

	return r
}

// hostDispatcher routes by the request's hostname, ignoring any port.
func hostDispatcher(pipelines map[string]*pipeline.Pipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.ToLower(host)

		p, ok := pipelines[host]
		if !ok {
			logger.Debug("no pipeline bound to host", zap.String("host", host))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"message": "no pipeline configured for host " + host,
					"code":    http.StatusNotFound,
				},
			})
			return
		}
		p.ServeHTTP(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
