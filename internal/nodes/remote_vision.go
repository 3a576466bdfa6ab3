package nodes

import (
	"context"
	"strings"
	"time"

	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

const (
	defaultVisionBaseURL      = "http://127.0.0.1:1234"
	DefaultVisionSystemPrompt = "You are a helpful assistant that describes images accurately and in detail."

	unlimitedMaxTokens = 4096
)

// RemoteVisionModelConfig points REMOTE_VISION_MODEL consumers at an LM
// Studio, Ollama or OpenAI-compatible vision service.
type RemoteVisionModelConfig struct {
	deps *Deps
}

func (n *RemoteVisionModelConfig) Spec() Spec {
	model := stringInput("model", "", "Vision model name (refresh to update the list)", false)
	model.Refresh = refreshRemoteRoute
	return Spec{
		Name:        "RemoteVisionModelConfig",
		DisplayName: "🌐 Remote Vision Model Config (LM Studio/Ollama)",
		Category:    CategoryVision,
		Inputs: []Input{
			stringInput("base_url", defaultVisionBaseURL, "API service address (LM Studio: 1234, Ollama: 11434)", false),
			comboInput("api_type",
				[]string{remote.LMStudio.Label(), remote.Ollama.Label(), remote.OpenAI.Label()},
				remote.LMStudio.Label(), "API type"),
			model,
			optional(stringInput("system_prompt", DefaultVisionSystemPrompt, "System prompt (optional)", true)),
		},
		Outputs: []Output{{Name: "model_config", Type: TypeRemoteVisionModel}},
	}
}

func (n *RemoteVisionModelConfig) Run(ctx context.Context, in Inputs) (Outputs, error) {
	baseURL := strings.TrimSpace(in.String("base_url"))
	apiType := visionAPIType(in.String("api_type"))
	model := in.String("model")

	available := n.deps.Remote.Get(baseURL, apiType).IsServiceAvailable(ctx)
	if available {
		logger.Log.Info("Remote vision service connected", "api_type", apiType, "url", baseURL, "model", model)
	} else {
		logger.Log.Warn("Remote vision service unavailable", "api_type", apiType, "url", baseURL)
	}

	return Outputs{RemoteVisionConfig{
		Mode:             ModeRemoteVision,
		BaseURL:          baseURL,
		APIType:          string(apiType),
		ModelName:        model,
		SystemPrompt:     in.String("system_prompt"),
		ServiceAvailable: available,
	}}, nil
}

// visionAPIType maps the vision node's api_type choice, defaulting to LM
// Studio.
func visionAPIType(label string) remote.APIType {
	t, err := remote.ParseAPIType(label)
	if err != nil || t == remote.Nexa {
		return remote.LMStudio
	}
	return t
}

// RemoteVisionAnalysis sends one image and a prompt to a remote vision
// model. Failures come back as a "❌ ..." description rather than an error.
type RemoteVisionAnalysis struct {
	deps *Deps
}

func (n *RemoteVisionAnalysis) Spec() Spec {
	return Spec{
		Name:        "RemoteVisionAnalysis",
		DisplayName: "🖼️ Remote Vision Analysis",
		Category:    CategoryVision,
		Inputs: []Input{
			socketInput("model_config", TypeRemoteVisionModel, true, "Remote vision model config"),
			stringInput("prompt", "Describe this image in detail.", "User prompt", true),
			intInput("max_tokens", 1024, -1, 8192, 1, "Maximum tokens to generate (-1 for no limit)"),
			floatInput("temperature", 0.7, 0, 2, 0.1, "Sampling temperature"),
			intInput("timeout", 300, 60, 1800, 30, "Request timeout in seconds; vision models need 300-600"),
			socketInput("image", TypeImage, false, "Input image"),
		},
		Outputs:    []Output{{Name: "description", Type: TypeString}},
		OutputNode: true,
	}
}

func (n *RemoteVisionAnalysis) Run(ctx context.Context, in Inputs) (Outputs, error) {
	var cfg RemoteVisionConfig
	if err := in.Config("model_config", &cfg); err != nil {
		return nil, err
	}
	return Outputs{n.analyze(ctx, in, cfg)}, nil
}

func (n *RemoteVisionAnalysis) analyze(ctx context.Context, in Inputs, cfg RemoteVisionConfig) string {
	if !cfg.ServiceAvailable {
		base := cfg.BaseURL
		if base == "" {
			base = "unknown"
		}
		return "❌ Service not available: " + base
	}

	images, err := in.Images("image")
	if err != nil {
		return "❌ Analysis failed: " + err.Error()
	}
	if len(images) == 0 {
		return "❌ Please provide an input image"
	}
	// only the first image of a batch is analysed
	png, err := EncodePNG(images[0])
	if err != nil {
		return "❌ Analysis failed: " + err.Error()
	}

	maxTokens := in.Int("max_tokens")
	if maxTokens <= 0 {
		maxTokens = unlimitedMaxTokens
	}
	prompt := in.String("prompt")
	req := remote.NewChatRequest(cfg.ModelName,
		remote.Messages(cfg.SystemPrompt, remote.VisionMessage(prompt, remote.PNGDataURL(png)))...)
	req.Temperature = in.Float("temperature")
	req.MaxTokens = maxTokens
	req.Timeout = time.Duration(in.Int("timeout")) * time.Second

	logger.Log.Info("Analyzing image",
		"api_type", cfg.APIType,
		"url", cfg.BaseURL,
		"model", cfg.ModelName,
		"max_tokens", maxTokens,
		"timeout", req.Timeout.String())

	client := n.deps.Remote.Get(cfg.BaseURL, remote.APIType(cfg.APIType))
	text, err := client.Complete(ctx, req)
	if err != nil {
		logger.Log.Error("Remote vision analysis failed", "url", cfg.BaseURL, "error", err)
		return "❌ Analysis failed: " + err.Error()
	}
	logger.Log.Info("Analysis complete", "chars", len(text))
	return text
}
