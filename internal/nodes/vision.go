package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/engine"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

const (
	refreshVisionRoute = "/gguf-vlm/refresh-local-vision-models"
	autoDetectMMProj   = "(Auto-detect)"
)

// VisionModelLoader loads a GGUF vision model together with its projector.
type VisionModelLoader struct {
	deps *Deps
}

func (n *VisionModelLoader) Spec() Spec {
	list, err := n.deps.Models.VisionModelList()
	if err != nil {
		logger.Log.Warn("Failed to list vision models", "error", err)
	}
	projectors, err := n.deps.Models.Projectors()
	if err != nil {
		logger.Log.Warn("Failed to list projectors", "error", err)
	}

	def := ""
	for _, m := range list {
		if !isPlaceholder(m) {
			def = m
			break
		}
	}
	model := comboInput("model", list, def, "Vision model (catalog entries are downloaded on first use)")
	model.Refresh = refreshVisionRoute
	return Spec{
		Name:        "VisionModelLoader",
		DisplayName: "🖼️ Vision Model Loader (GGUF)",
		Category:    CategoryVision,
		Inputs: []Input{
			model,
			comboInput("mmproj", append([]string{autoDetectMMProj}, projectors...), autoDetectMMProj, "Multimodal projector file"),
			intInput("n_ctx", n.deps.Config.GGUF.NCtx, 512, 131072, 512, "Context window size"),
			intInput("n_gpu_layers", n.deps.Config.GGUF.NGPULayers, -1, 999, 1, "Layers offloaded to the GPU (-1 for all)"),
		},
		Outputs: []Output{{Name: "model_config", Type: TypeVisionModel}},
	}
}

func (n *VisionModelLoader) Run(ctx context.Context, in Inputs) (Outputs, error) {
	ref, err := n.deps.localModel(ctx, in.String("model"), true)
	if err != nil {
		return nil, err
	}

	mmproj := ref.MMProjPath
	if choice := in.String("mmproj"); choice != "" && choice != autoDetectMMProj {
		projectors, err := n.deps.Models.Projectors()
		if err != nil {
			return nil, err
		}
		if !slices.Contains(projectors, choice) {
			return nil, fmt.Errorf("%w: mmproj %q is not a projector in %s", engine.ErrModelFileMissing, choice, n.deps.Models.Dir)
		}
		mmproj = filepath.Join(n.deps.Models.Dir, filepath.FromSlash(choice))
	}
	if mmproj == "" {
		return nil, fmt.Errorf("%w: no mmproj file found for %s", engine.ErrModelFileMissing, ref.Name)
	}

	opts := engine.LoadOptions{NCtx: in.Int("n_ctx"), NGPULayers: in.Int("n_gpu_layers"), MMProjPath: mmproj}
	if err := n.deps.GGUF.Load(ctx, ref.Path, opts); err != nil {
		return nil, err
	}
	n.deps.Events.Emit(events.ModelLoaded, map[string]any{"engine": "gguf", "model": ref.Name, "mmproj": filepath.Base(mmproj)})

	return Outputs{VisionModelConfig{
		Mode:       ModeLocal,
		ModelName:  ref.Name,
		ModelPath:  ref.Path,
		MMProjPath: mmproj,
		NCtx:       opts.NCtx,
		NGPULayers: opts.NGPULayers,
	}}, nil
}

// VisionLanguageNode asks a loaded GGUF vision model about one image.
type VisionLanguageNode struct {
	deps *Deps
}

func (n *VisionLanguageNode) Spec() Spec {
	return Spec{
		Name:        "VisionLanguageNode",
		DisplayName: "🖼️ Vision Language Model (GGUF)",
		Category:    CategoryVision,
		Inputs: []Input{
			socketInput("model_config", TypeVisionModel, true, "Vision model config"),
			stringInput("prompt", "Describe this image.", "User prompt", true),
			socketInput("image", TypeImage, true, "Input image"),
			intInput("max_tokens", 512, 1, 8192, 1, "Maximum tokens to generate"),
			floatInput("temperature", 0.7, 0, 2, 0.1, "Sampling temperature"),
			optional(stringInput("system_prompt", "", "System prompt (optional)", true)),
		},
		Outputs:    []Output{{Name: "text", Type: TypeString}},
		OutputNode: true,
	}
}

func (n *VisionLanguageNode) Run(ctx context.Context, in Inputs) (Outputs, error) {
	var cfg VisionModelConfig
	if err := in.Config("model_config", &cfg); err != nil {
		return nil, err
	}
	images, err := in.Images("image")
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, errors.New("an input image is required")
	}
	png, err := EncodePNG(images[0])
	if err != nil {
		return nil, err
	}

	opts := engine.LoadOptions{NCtx: cfg.NCtx, NGPULayers: cfg.NGPULayers, MMProjPath: cfg.MMProjPath}
	if err := n.deps.GGUF.Load(ctx, cfg.ModelPath, opts); err != nil {
		return nil, err
	}

	s := engine.DefaultSampler()
	s.MaxTokens = in.Int("max_tokens")
	s.Temperature = in.Float("temperature")
	messages := remote.Messages(in.String("system_prompt"), remote.VisionMessage(in.String("prompt"), remote.PNGDataURL(png)))
	text, err := n.deps.GGUF.Chat(ctx, cfg.ModelPath, messages, s)
	if err != nil {
		return nil, err
	}
	return Outputs{text}, nil
}

func isPlaceholder(entry string) bool {
	return entry == "" || models.IsHeader(entry) || strings.HasPrefix(entry, "(")
}
