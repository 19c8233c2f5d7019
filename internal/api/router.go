package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/bastion/internal/grant"
	"github.com/triage-ai/bastion/internal/orchestrator"
	"github.com/triage-ai/bastion/internal/ratelimit"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Grants    *grant.Service
	Limiter   *ratelimit.Limiter
	Orch      *orchestrator.Orchestrator
	Registry  *prometheus.Registry
	Logger    *zap.Logger
	AssetRoot string
	ProxyBase string
}

// NewRouter builds the agent HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/grants", deps.handleIssueGrant)
	mux.HandleFunc("GET /assets/{token}", deps.handleAsset)
	mux.HandleFunc("GET /v1/status", deps.handleStatus)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	return requestLogging(mux, deps.Logger)
}
