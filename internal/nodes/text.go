package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/23skdu/longbow-vlm/internal/engine"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

const refreshTextRoute = "/gguf-vlm/refresh-local-text-models"

// TextModelLoader loads a local GGUF text model, downloading catalog
// entries on first use.
type TextModelLoader struct {
	deps *Deps
}

func (n *TextModelLoader) Spec() Spec {
	list, err := n.deps.Models.TextModelList()
	if err != nil {
		logger.Log.Warn("Failed to list text models", "error", err)
	}
	def := ""
	if len(list) > 0 {
		def = list[0]
	}
	model := comboInput("model", list, def, "Local GGUF file or catalog model (downloaded on first use)")
	model.Refresh = refreshTextRoute
	return Spec{
		Name:        "TextModelLoader",
		DisplayName: "💬 Text Model Loader (GGUF)",
		Category:    CategoryText,
		Inputs: []Input{
			model,
			intInput("n_ctx", n.deps.Config.GGUF.NCtx, 512, 131072, 512, "Context window size"),
			intInput("n_gpu_layers", n.deps.Config.GGUF.NGPULayers, -1, 999, 1, "Layers offloaded to the GPU (-1 for all)"),
		},
		Outputs: []Output{{Name: "model_config", Type: TypeTextModel}},
	}
}

func (n *TextModelLoader) Run(ctx context.Context, in Inputs) (Outputs, error) {
	ref, err := n.deps.localModel(ctx, in.String("model"), false)
	if err != nil {
		return nil, err
	}
	opts := engine.LoadOptions{NCtx: in.Int("n_ctx"), NGPULayers: in.Int("n_gpu_layers")}
	if err := n.deps.GGUF.Load(ctx, ref.Path, opts); err != nil {
		return nil, err
	}
	n.deps.Events.Emit(events.ModelLoaded, map[string]any{"engine": "gguf", "model": ref.Name})

	return Outputs{TextModelConfig{
		Mode:             ModeLocal,
		ModelName:        ref.Name,
		ModelPath:        ref.Path,
		NCtx:             opts.NCtx,
		NGPULayers:       opts.NGPULayers,
		ServiceAvailable: true,
	}}, nil
}

// TextGeneration runs a prompt through a remote service or a local GGUF
// model, depending on the connected TEXT_MODEL config.
type TextGeneration struct {
	deps *Deps
}

func (n *TextGeneration) Spec() Spec {
	inputs := []Input{
		socketInput("model_config", TypeTextModel, true, "Text model config"),
		stringInput("prompt", "", "User prompt", true),
		intInput("max_tokens", 512, 1, 32768, 1, "Maximum tokens to generate"),
	}
	inputs = append(inputs, samplingInputs()...)
	inputs = append(inputs, boolInput("enable_thinking", false, "Keep <think> reasoning blocks in the output"))
	return Spec{
		Name:        "TextGeneration",
		DisplayName: "💬 Text Generation",
		Category:    CategoryText,
		Inputs:      inputs,
		Outputs:     []Output{{Name: "text", Type: TypeString}},
		OutputNode:  true,
	}
}

func (n *TextGeneration) Run(ctx context.Context, in Inputs) (Outputs, error) {
	var cfg TextModelConfig
	if err := in.Config("model_config", &cfg); err != nil {
		return nil, err
	}

	s := sampler(in)
	messages := remote.Messages(cfg.SystemPrompt, remote.TextMessage(openai.ChatMessageRoleUser, in.String("prompt")))

	var (
		text string
		err  error
	)
	switch cfg.Mode {
	case ModeRemote:
		text, err = n.remote(ctx, cfg, messages, s)
	case ModeLocal:
		if err = n.deps.GGUF.Load(ctx, cfg.ModelPath, engine.LoadOptions{NCtx: cfg.NCtx, NGPULayers: cfg.NGPULayers}); err == nil {
			text, err = n.deps.GGUF.Chat(ctx, cfg.ModelPath, messages, s)
		}
	default:
		err = fmt.Errorf("unsupported model config mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if !in.Bool("enable_thinking") {
		text = engine.StripThinking(text)
	}
	return Outputs{text}, nil
}

func (n *TextGeneration) remote(ctx context.Context, cfg TextModelConfig, messages []openai.ChatCompletionMessage, s engine.SamplerConfig) (string, error) {
	if !cfg.ServiceAvailable {
		msg := cfg.Error
		if msg == "" {
			msg = cfg.BaseURL
		}
		return "", fmt.Errorf("%w: %s", remote.ErrServiceUnavailable, msg)
	}
	if cfg.ModelName == "" {
		return "", errors.New("no model selected; refresh the model list")
	}

	rp := s.RepPenalty
	req := remote.NewChatRequest(cfg.ModelName, messages...)
	req.Temperature = s.Temperature
	req.MaxTokens = s.MaxTokens
	req.TopP = s.TopP
	req.RepetitionPenalty = &rp
	if s.TopK > 0 {
		topK := s.TopK
		req.TopK = &topK
	}
	if s.Seed > 0 {
		req.Extra = map[string]any{"seed": s.Seed}
	}
	req.Timeout = n.deps.Config.Remote.Timeout.Duration
	return n.deps.Remote.Get(cfg.BaseURL, remote.APIType(cfg.APIType)).Complete(ctx, req)
}

// sampler reads the shared sampling inputs.
func sampler(in Inputs) engine.SamplerConfig {
	return engine.SamplerConfig{
		MaxTokens:   in.Int("max_tokens"),
		Temperature: in.Float("temperature"),
		TopK:        in.Int("top_k"),
		TopP:        in.Float("top_p"),
		RepPenalty:  in.Float("repetition_penalty"),
		Seed:        int64(in.Int("seed")),
	}
}
