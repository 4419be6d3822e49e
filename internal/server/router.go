// Package server assembles the HTTP router: middleware, health, metrics and the confirmation routes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"sms-confirmation/internal/confirmable/handler"
	"sms-confirmation/internal/metrics"
)

const requestTimeout = 30 * time.Second

// Pinger reports whether a dependency is reachable. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the router dependencies. Only Confirmations is required.
type Deps struct {
	Confirmations *handler.Handler
	// Metrics adds request metrics and GET /metrics. If nil, neither is registered.
	Metrics *metrics.Recorder
	// Pinger is checked by GET /healthz. If nil, the check is skipped.
	Pinger Pinger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// NewRouter returns the root handler.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(chimw.RequestID)
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(Tracing(tp))
	r.Use(RequestLogging(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/healthz", healthz(deps.Pinger))
	if deps.Confirmations != nil {
		deps.Confirmations.Routes(r)
	}
	return r
}

func healthz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
