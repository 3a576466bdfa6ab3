package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

const (
	defaultTextBaseURL = "http://127.0.0.1:11434"
	refreshRemoteRoute = "/gguf-vlm/refresh-models"
)

// RemoteAPIConfig points TEXT_MODEL consumers at a Nexa SDK or Ollama
// service.
type RemoteAPIConfig struct {
	deps *Deps
}

func (n *RemoteAPIConfig) Spec() Spec {
	model := stringInput("model", "", "Model to use (refresh to update the list)", false)
	model.Refresh = refreshRemoteRoute
	return Spec{
		Name:        "RemoteAPIConfig",
		DisplayName: "🌐 Remote API Config (Nexa/Ollama)",
		Category:    CategoryText,
		Inputs: []Input{
			stringInput("base_url", defaultTextBaseURL, "API service address, e.g. http://127.0.0.1:40054", false),
			comboInput("api_type", []string{remote.Nexa.Label(), remote.Ollama.Label()}, remote.Ollama.Label(), "API type"),
			model,
			optional(stringInput("system_prompt", "", "System prompt (optional)", true)),
		},
		Outputs: []Output{{Name: "model_config", Type: TypeTextModel}},
	}
}

func (n *RemoteAPIConfig) Run(ctx context.Context, in Inputs) (Outputs, error) {
	baseURL := strings.TrimSpace(in.String("base_url"))
	label := in.String("api_type")
	model := in.String("model")
	apiType := textAPIType(label)

	cfg := TextModelConfig{
		Mode:         ModeRemote,
		BaseURL:      baseURL,
		APIType:      string(apiType),
		ModelName:    model,
		SystemPrompt: in.String("system_prompt"),
	}

	client := n.deps.Remote.Get(baseURL, apiType)
	if !client.IsServiceAvailable(ctx) {
		cfg.Error = fmt.Sprintf("⚠️  %s service is not available at %s", label, baseURL)
		logger.Log.Warn("Remote service unavailable", "api_type", apiType, "url", baseURL)
		return Outputs{cfg}, nil
	}

	available := client.AvailableModels(ctx, false)
	cfg.ServiceAvailable = true
	cfg.AvailableModels = available
	cfg.ModelName = selectModel(models.ParseModelInput(model), available)
	if cfg.ModelName == "" {
		logger.Log.Warn("No usable model found, refresh the model list", "url", baseURL)
	}
	logger.Log.Info("Remote API configured", "api_type", apiType, "url", baseURL, "model", cfg.ModelName, "available", len(available))
	return Outputs{cfg}, nil
}

// textAPIType maps the text node's api_type choice; anything but Ollama is
// treated as Nexa SDK.
func textAPIType(label string) remote.APIType {
	if t, err := remote.ParseAPIType(label); err == nil && t == remote.Ollama {
		return remote.Ollama
	}
	return remote.Nexa
}

// selectModel prefers the user's choice, then the first listed model.
// Placeholder entries start with "(".
func selectModel(chosen string, available []string) string {
	chosen = strings.TrimSpace(chosen)
	if chosen != "" && !strings.HasPrefix(chosen, "(") {
		return chosen
	}
	if len(available) > 0 && available[0] != "" && !strings.HasPrefix(available[0], "(") {
		return available[0]
	}
	return ""
}

// NexaServiceStatus reports whether a service answers and which models it
// and the local models directory hold.
type NexaServiceStatus struct {
	deps *Deps
}

func (n *NexaServiceStatus) Spec() Spec {
	return Spec{
		Name:        "NexaServiceStatus",
		DisplayName: "📊 Service Status Check",
		Category:    CategoryTools,
		Inputs: []Input{
			stringInput("base_url", defaultTextBaseURL, "Nexa SDK service address", false),
			stringInput("models_dir", n.deps.Config.GGUFDir(), "Local models directory", false),
			boolInput("refresh", false, "Refresh the model list"),
		},
		Outputs: []Output{
			{Name: "status", Type: TypeString},
			{Name: "remote_models", Type: TypeString},
			{Name: "local_models", Type: TypeString},
		},
		OutputNode: true,
	}
}

func (n *NexaServiceStatus) Run(ctx context.Context, in Inputs) (Outputs, error) {
	baseURL := strings.TrimSpace(in.String("base_url"))
	dir := in.String("models_dir")

	lines := []string{
		"Nexa SDK Service: " + baseURL,
		"Models Directory: " + dir,
		"",
	}

	var remoteList string
	client := n.deps.Remote.Get(baseURL, remote.Nexa)
	if client.IsServiceAvailable(ctx) {
		ms := client.AvailableModels(ctx, in.Bool("refresh"))
		lines = append(lines, "✅ Service is AVAILABLE", fmt.Sprintf("Found %d remote model(s)", len(ms)))
		remoteList = bulletList(ms)
	} else {
		lines = append(lines, "❌ Service is NOT AVAILABLE", "Please make sure the service is running.")
		remoteList = "Service unavailable"
	}

	local := n.localModels(dir)
	lines = append(lines, fmt.Sprintf("Found %d local model(s)", len(local)))

	status := strings.Join(lines, "\n")
	logger.Log.Info("Service status checked", "url", baseURL, "local_models", len(local))
	return Outputs{status, remoteList, bulletList(local)}, nil
}

func (n *NexaServiceStatus) localModels(dir string) []string {
	loader := n.deps.Models
	if dir != loader.Dir {
		loader = models.NewLoader(dir, loader.Registry, nil)
	}
	ms, err := loader.ListModels()
	if err != nil {
		logger.Log.Warn("Failed to list local models", "dir", dir, "error", err)
		return nil
	}
	return ms
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "  (none)"
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "  - " + it
	}
	return strings.Join(lines, "\n")
}
