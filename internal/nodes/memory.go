package nodes

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
)

// MemoryManager actions.
const (
	ActionClearModels = "Clear All Models"
	ActionForceGC     = "Force GC"
	ActionClearGPU    = "Clear GPU Cache"
	ActionFull        = "Full Cleanup"
)

// MemoryManager unloads models and returns memory to the OS.
type MemoryManager struct {
	deps *Deps
}

func (n *MemoryManager) Spec() Spec {
	return Spec{
		Name:        "MemoryManager",
		DisplayName: "🧹 Memory Manager (GGUF)",
		Category:    CategoryUtils,
		Inputs: []Input{
			comboInput("action", []string{ActionClearModels, ActionForceGC, ActionClearGPU, ActionFull}, ActionFull, "Cleanup to perform"),
			socketInput("trigger", "*", false, "Connect any output to order the cleanup after it"),
		},
		Outputs:    []Output{{Name: "status", Type: TypeString}},
		OutputNode: true,
	}
}

func (n *MemoryManager) Run(_ context.Context, in Inputs) (Outputs, error) {
	action := in.String("action")
	var lines []string

	if action == ActionClearModels || action == ActionFull {
		lines = append(lines, n.clearModels()...)
	}
	if action == ActionForceGC || action == ActionFull {
		lines = append(lines, forceGC()...)
	}
	if action == ActionClearGPU || action == ActionFull {
		// GPU memory belongs to the runner processes and is released when
		// they exit
		lines = append(lines, "🎮 GPU memory is released when model servers stop")
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	status := strings.Join(lines, "\n")
	logger.Log.Info("Memory cleanup", "action", action)
	return Outputs{status}, nil
}

func (n *MemoryManager) clearModels() []string {
	gguf := n.deps.GGUF.LoadedModels()
	tf, tfLoaded := n.deps.Transformers.Loaded()

	if len(gguf) == 0 && !tfLoaded {
		return []string{"ℹ️ No models currently loaded"}
	}

	lines := []string{fmt.Sprintf("🗑️ Unloading %d model(s)...", len(gguf)+boolToInt(tfLoaded))}
	for _, p := range gguf {
		lines = append(lines, "   - "+filepath.Base(p))
	}
	if tfLoaded {
		lines = append(lines, "   - "+tf.ModelName)
	}

	n.deps.GGUF.ClearAll()
	for _, p := range gguf {
		n.deps.Events.Emit(events.ModelUnloaded, map[string]any{"engine": "gguf", "model": filepath.Base(p)})
	}
	if tfLoaded && n.deps.Transformers.Unload() {
		n.deps.Events.Emit(events.ModelUnloaded, map[string]any{"engine": "transformers", "model": tf.ModelName})
	}
	return append(lines, "✅ All models unloaded")
}

func forceGC() []string {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	return []string{
		"🧹 Garbage collection complete",
		fmt.Sprintf("   Heap: %s → %s", formatBytes(before.HeapAlloc), formatBytes(after.HeapAlloc)),
		fmt.Sprintf("   Released to OS: %s", formatBytes(after.HeapReleased)),
	}
}

func formatBytes(n uint64) string {
	const mib = 1 << 20
	return fmt.Sprintf("%.2fMB", float64(n)/mib)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
