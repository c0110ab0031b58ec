package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panelforge/panelforge/internal/auth"
	"github.com/panelforge/panelforge/internal/observability"
)

// RouterConfig wires the middleware chain around the handler.
type RouterConfig struct {
	Handler     *Handler
	Verifier    *auth.Verifier
	RateLimiter *auth.IPRateLimiter
	MetricsPath string
}

// NewRouter builds the gateway's HTTP mux. The middleware order is
// request-ID, rate limit, then auth: abusive traffic is shed before any
// token verification work.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		handler = cfg.Verifier.Middleware(handler)
		if cfg.RateLimiter != nil {
			handler = cfg.RateLimiter.Middleware(handler)
		}
		return handler
	}

	mux.Handle("POST /v1/panels", authed(cfg.Handler.GeneratePanel))
	mux.Handle("GET /v1/credits", authed(cfg.Handler.CreditStatus))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return observability.RequestIDMiddleware(mux)
}
