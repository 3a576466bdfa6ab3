package nodes

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-vlm/internal/engine"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/remote"
)

// Checkpoints offered by VisionModelLoaderTransformers.
var TransformersModels = []string{
	"Huihui-Qwen3-VL-4B-Instruct-abliterated",
	"Huihui-Qwen3-VL-8B-Instruct-abliterated",
}

const (
	// generations longer than this tend to run away on small VL models
	transformersMaxTokens = 1024

	multiImageInstruction = "You are an expert image analyst. When given multiple images, " +
		"carefully compare and analyze them, identifying similarities, " +
		"differences, patterns, and relationships between the images."
)

// ModelID maps a checkpoint choice to its hub repository.
func ModelID(model string) string {
	if strings.HasPrefix(model, "Huihui-") {
		return "huihui-ai/" + model
	}
	return "qwen/" + model
}

// VisionModelLoaderTransformers serves a framework checkpoint, downloading
// it on first use.
type VisionModelLoaderTransformers struct {
	deps *Deps
}

func (n *VisionModelLoaderTransformers) Spec() Spec {
	return Spec{
		Name:        "VisionModelLoaderTransformers",
		DisplayName: "🖼️ Vision Model Loader (Transformers)",
		Category:    CategoryVision,
		Inputs: []Input{
			comboInput("model", TransformersModels, TransformersModels[0], "Qwen3-VL abliterated checkpoint"),
			comboInput("quantization", engine.Quantizations, "none", "Weight quantization"),
			comboInput("attention", engine.Attentions, "sdpa", "Attention implementation (unquantized weights only)"),
			boolInput("keep_model_loaded", true, "Keep the model loaded after generation"),
			intInput("min_pixels", 256*28*28, 4*28*28, 16384*28*28, 28*28, "Minimum pixels per image"),
			intInput("max_pixels", 1280*28*28, 4*28*28, 16384*28*28, 28*28, "Maximum pixels per image"),
		},
		Outputs: []Output{{Name: "model_config", Type: TypeTransformersModel}},
	}
}

func (n *VisionModelLoaderTransformers) Run(ctx context.Context, in Inputs) (Outputs, error) {
	model := in.String("model")
	mc := engine.ModelConfig{
		ModelName:    model,
		ModelID:      ModelID(model),
		Quantization: in.String("quantization"),
		Attention:    in.String("attention"),
		MinPixels:    in.Int("min_pixels"),
		MaxPixels:    in.Int("max_pixels"),
		KeepLoaded:   in.Bool("keep_model_loaded"),
	}
	if err := n.deps.Transformers.Load(ctx, mc); err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", model, err)
	}
	n.deps.Events.Emit(events.ModelLoaded, map[string]any{"engine": "transformers", "model": model})
	return Outputs{mc}, nil
}

// VisionLanguageNodeTransformers describes an image or a sequence of video
// frames with the served checkpoint.
type VisionLanguageNodeTransformers struct {
	deps *Deps
}

func (n *VisionLanguageNodeTransformers) Spec() Spec {
	inputs := []Input{
		socketInput("model_config", TypeTransformersModel, true, "Transformers model config"),
		stringInput("prompt", "Describe this image.", "User prompt", false),
		intInput("max_tokens", 512, 128, 256000, 1, "Maximum tokens to generate"),
	}
	inputs = append(inputs, samplingInputs()...)
	inputs = append(inputs,
		socketInput("image", TypeImage, false, "Image or video frames"),
		optional(stringInput("system_prompt", "", "Instruction prefixed to the prompt", true)),
	)
	return Spec{
		Name:        "VisionLanguageNodeTransformers",
		DisplayName: "🖼️ Vision Language Model (Transformers)",
		Category:    CategoryVision,
		Inputs:      inputs,
		Outputs:     []Output{{Name: "text", Type: TypeString}},
		OutputNode:  true,
	}
}

func (n *VisionLanguageNodeTransformers) Run(ctx context.Context, in Inputs) (Outputs, error) {
	var mc engine.ModelConfig
	if err := in.Config("model_config", &mc); err != nil {
		return nil, err
	}
	frames, err := in.Images("image")
	if err != nil {
		return nil, err
	}

	prompt := in.String("prompt")
	if sys := strings.TrimSpace(in.String("system_prompt")); sys != "" {
		prompt = sys + "\n\n" + prompt
	}

	s := sampler(in)
	if s.MaxTokens > transformersMaxTokens {
		logger.Log.Warn("Max tokens reduced", "requested", s.MaxTokens, "limit", transformersMaxTokens)
		s.MaxTokens = transformersMaxTokens
	}

	text, err := n.deps.generate(ctx, mc, [][]image.Image{frames}, framePrefix("image", s.Seed), prompt, s)
	if err != nil {
		return nil, err
	}
	return Outputs{text}, nil
}

// MultiImageAnalysis compares a video (frames) and up to three images.
type MultiImageAnalysis struct {
	deps *Deps
}

func (n *MultiImageAnalysis) Spec() Spec {
	inputs := []Input{
		socketInput("model_config", TypeTransformersModel, true, "Transformers model config"),
		stringInput("prompt", "Describe these images.", "User prompt", false),
		intInput("max_tokens", 512, 128, 256000, 1, "Maximum tokens to generate"),
	}
	inputs = append(inputs, samplingInputs()...)
	inputs = append(inputs,
		socketInput("video", TypeImage, false, "Video frames or a single image"),
		socketInput("image_1", TypeImage, false, "Image 1"),
		socketInput("image_2", TypeImage, false, "Image 2"),
		socketInput("image_3", TypeImage, false, "Image 3"),
		optional(stringInput("system_prompt", "", "Instruction prefixed to the prompt", true)),
	)
	return Spec{
		Name:        "MultiImageAnalysis",
		DisplayName: "🖼️ Image/Video Analysis (Transformers)",
		Category:    CategoryVision,
		Inputs:      inputs,
		Outputs:     []Output{{Name: "text", Type: TypeString}},
		OutputNode:  true,
	}
}

func (n *MultiImageAnalysis) Run(ctx context.Context, in Inputs) (Outputs, error) {
	var mc engine.ModelConfig
	if err := in.Config("model_config", &mc); err != nil {
		return nil, err
	}

	var groups [][]image.Image
	total := 0
	for _, name := range []string{"video", "image_1", "image_2", "image_3"} {
		imgs, err := in.Images(name)
		if err != nil {
			return nil, err
		}
		if len(imgs) > 0 {
			groups = append(groups, imgs)
			total += len(imgs)
		}
	}
	if total == 0 {
		return nil, errors.New("at least one image or video input is required")
	}

	instruction := strings.TrimSpace(in.String("system_prompt"))
	if instruction == "" {
		instruction = multiImageInstruction
	}
	prompt := instruction + "\n\n" + in.String("prompt")

	s := sampler(in)
	logger.Log.Info("Analyzing inputs", "inputs", len(groups), "frames", total)
	text, err := n.deps.generate(ctx, mc, groups, framePrefix("multi_input", s.Seed), prompt, s)
	if err != nil {
		return nil, err
	}
	return Outputs{text}, nil
}

// generate loads mc when needed, writes the frames as temporary PNG files,
// runs inference and removes the files again. The model is unloaded
// afterwards unless mc asks to keep it.
func (d *Deps) generate(ctx context.Context, mc engine.ModelConfig, groups [][]image.Image, prefix, prompt string, s engine.SamplerConfig) (string, error) {
	if _, ok := d.Transformers.Loaded(); !ok {
		logger.Log.Warn("Model not loaded, loading now", "model", mc.ModelName)
		if err := d.Transformers.Load(ctx, mc); err != nil {
			return "", fmt.Errorf("failed to load model %s: %w", mc.ModelName, err)
		}
	}

	paths, err := writeFrames(d.Transformers.MediaDir(), prefix, groups)
	defer removeAll(paths)
	if err != nil {
		return "", err
	}

	urls := make([]string, len(paths))
	for i, p := range paths {
		urls[i] = "file://" + filepath.ToSlash(p)
	}
	messages := remote.Messages("", remote.VisionMessage(prompt, urls...))

	text, err := d.Transformers.Inference(ctx, messages, s)
	if err != nil {
		return "", err
	}
	logger.Log.Info("Generated text", "chars", len(text), "images", len(paths))

	if !mc.KeepLoaded && d.Transformers.Unload() {
		d.Events.Emit(events.ModelUnloaded, map[string]any{"engine": "transformers", "model": mc.ModelName})
	}
	return text, nil
}

// framePrefix keeps concurrent runs with the same seed apart.
func framePrefix(kind string, seed int64) string {
	return fmt.Sprintf("%s_%d_%s", kind, seed, uuid.NewString()[:8])
}

// writeFrames stores each image under dir. Single images are named
// <prefix>_<n>.png and frames of a sequence <prefix>_<n>_frame_<i>.png.
// The paths written so far are returned even on error.
func writeFrames(dir, prefix string, groups [][]image.Image) ([]string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	var paths []string
	for g, imgs := range groups {
		for i, img := range imgs {
			name := fmt.Sprintf("%s_%d.png", prefix, g+1)
			if len(imgs) > 1 {
				name = fmt.Sprintf("%s_%d_frame_%04d.png", prefix, g+1, i)
			}
			raw, err := EncodePNG(img)
			if err != nil {
				return paths, err
			}
			p := filepath.Join(dir, name)
			if err := os.WriteFile(p, raw, 0o644); err != nil {
				return paths, err
			}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Log.Warn("Failed to remove temp file", "path", p, "error", err)
		}
	}
}
