package handlers

import (
	"net/http"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

const (
	RefreshModelsPath       = "/gguf-vlm/refresh-models"
	RefreshVisionModelsPath = "/gguf-vlm/refresh-local-vision-models"
	RefreshTextModelsPath   = "/gguf-vlm/refresh-local-text-models"
	DiscoverModelsPath      = "/gguf-vlm/discover-models"
)

// ModelList is the envelope the host UI expects from the refresh routes. It
// is always served with status 200.
type ModelList struct {
	Success bool     `json:"success"`
	Models  []string `json:"models"`
	Error   *string  `json:"error"`
}

func modelList(list []string, emptyMsg string) ModelList {
	list = dedupe(list)
	if len(list) == 0 {
		return failure(emptyMsg)
	}
	return ModelList{Success: true, Models: list}
}

func failure(msg string) ModelList {
	return ModelList{Models: []string{}, Error: &msg}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// RefreshModelsHandler lists the models of a remote service, bypassing the
// model-list cache. Query: base_url, api_type.
func RefreshModelsHandler(pool *remote.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		baseURL := strings.TrimSpace(q.Get("base_url"))
		if baseURL == "" {
			baseURL = remote.DefaultBaseURL
		}
		apiType, err := remote.ParseAPIType(q.Get("api_type"))
		if err != nil {
			apiType = remote.Ollama
		}

		client := pool.Get(baseURL, apiType)
		if !client.IsServiceAvailable(r.Context()) {
			writeJSON(w, http.StatusOK, failure("Service not available at "+baseURL))
			return
		}
		list := client.AvailableModels(r.Context(), true)
		logger.Log.Info("Refreshed remote models", "url", baseURL, "api_type", apiType, "count", len(list))
		writeJSON(w, http.StatusOK, modelList(list, "No models found"))
	}
}

func RefreshVisionModelsHandler(loader *models.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loader.Invalidate()
		list, err := loader.VisionModelList()
		if err != nil {
			writeJSON(w, http.StatusOK, failure(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, modelList(list, "No vision models found"))
	}
}

func RefreshTextModelsHandler(loader *models.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loader.Invalidate()
		list, err := loader.TextModelList()
		if err != nil {
			writeJSON(w, http.StatusOK, failure(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, modelList(list, "No text models found"))
	}
}

// DiscoverModelsHandler probes the usual loopback ports of local services
// and returns the first model list found. Query: kind=vision|text, or
// base_url (repeatable) to probe explicit services instead.
func DiscoverModelsHandler(hc *http.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		candidates := q["base_url"]
		if len(candidates) == 0 {
			ports := remote.VisionDiscoveryPorts
			if q.Get("kind") == "text" {
				ports = remote.TextDiscoveryPorts
			}
			candidates = remote.LocalCandidates(ports...)
		}
		list := remote.DiscoverModels(r.Context(), hc, candidates)
		writeJSON(w, http.StatusOK, modelList(list, "No running model service found"))
	}
}
