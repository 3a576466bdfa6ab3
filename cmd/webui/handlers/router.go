package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-vlm/cmd/webui/config"
	"github.com/23skdu/longbow-vlm/internal/nodes"
)

// NewRouter mounts every route. Operational endpoints are open; the
// gguf-vlm API and /ws go through CORS, auth and request logging.
func NewRouter(cfg config.Config, deps *nodes.Deps, reg *nodes.Registry) http.Handler {
	cors := NewCORSMiddleware(cfg.AllowedOrigins)
	auth := NewAuthMiddleware(cfg.APIKey, cfg.RequestsPerMinute)
	logging := NewLoggingMiddleware()
	protect := func(h http.Handler) http.Handler {
		return logging.Middleware(cors.Middleware(auth.Authenticate(h)))
	}

	ready := map[string]Check{
		"disk": DiskCheck(deps.Models.Dir, deps.Config.Download.RequiredSpaceGB),
	}

	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler())
	mux.Handle("/healthz", HealthzHandler())
	mux.Handle("/readyz", ReadyzHandler(ready))
	mux.Handle("/version", VersionHandler())
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle(RefreshModelsPath, protect(RefreshModelsHandler(deps.Remote)))
	mux.Handle(RefreshVisionModelsPath, protect(RefreshVisionModelsHandler(deps.Models)))
	mux.Handle(RefreshTextModelsPath, protect(RefreshTextModelsHandler(deps.Models)))
	mux.Handle(DiscoverModelsPath, protect(DiscoverModelsHandler(nil)))

	nodesAPI := protect(NodesHandler(reg))
	mux.Handle(nodesPath, nodesAPI)
	mux.Handle(nodesPath+"/", nodesAPI)

	mux.Handle("/ws", protect(WebSocketHandler(deps.Events, engineStatus(deps), cors.CheckOrigin)))
	return mux
}

// engineStatus lists what the engines currently serve.
func engineStatus(deps *nodes.Deps) StatusFunc {
	return func() map[string]any {
		status := map[string]any{"gguf_models": deps.GGUF.LoadedModels()}
		if mc, ok := deps.Transformers.Loaded(); ok {
			status["transformers_model"] = mc.ModelName
		}
		return status
	}
}
