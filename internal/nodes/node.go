// Package nodes implements the editor-graph nodes exposed to the host: remote
// API configuration, local GGUF and framework model loaders, and the text and
// vision generation steps that consume them.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/metrics"
)

// Categories shown in the host's node menu.
const (
	CategoryText   = "🤖 GGUF-VLM/💬 Text Models"
	CategoryVision = "🤖 GGUF-VLM/🖼️ Vision Models"
	CategoryTools  = "🤖 GGUF-VLM/🛠️ Tools"
	CategoryUtils  = "🤖 GGUF-VLM/⚙️ Utils"
)

// Socket types understood by the host.
const (
	TypeString  = "STRING"
	TypeInt     = "INT"
	TypeFloat   = "FLOAT"
	TypeBoolean = "BOOLEAN"
	TypeCombo   = "COMBO"
	TypeImage   = "IMAGE"

	TypeTextModel         = "TEXT_MODEL"
	TypeVisionModel       = "VISION_MODEL"
	TypeRemoteVisionModel = "REMOTE_VISION_MODEL"
	TypeTransformersModel = "TRANSFORMERS_MODEL"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrMissingInput  = errors.New("missing required input")
	ErrDuplicateNode = errors.New("node already registered")
)

type Input struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required"`
	Default   any      `json:"default,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Step      float64  `json:"step,omitempty"`
	Options   []string `json:"options,omitempty"`
	Multiline bool     `json:"multiline,omitempty"`
	Tooltip   string   `json:"tooltip,omitempty"`
	// Refresh is the endpoint the UI calls to repopulate Options.
	Refresh string `json:"refresh,omitempty"`
}

type Output struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Spec struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category"`
	Inputs      []Input  `json:"inputs"`
	Outputs     []Output `json:"outputs"`
	OutputNode  bool     `json:"output_node"`
}

func (s Spec) input(name string) (Input, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Outputs are positional and follow Spec.Outputs.
type Outputs []any

type Node interface {
	Spec() Spec
	Run(ctx context.Context, in Inputs) (Outputs, error)
}

// Result is one node execution.
type Result struct {
	RunID    string  `json:"run_id"`
	Node     string  `json:"node"`
	Outputs  Outputs `json:"outputs"`
	Duration float64 `json:"duration_ms"`
}

type Registry struct {
	events *events.Hub

	mu    sync.RWMutex
	nodes map[string]Node
}

func NewRegistry(hub *events.Hub) *Registry {
	return &Registry{events: hub, nodes: make(map[string]Node)}
}

func (r *Registry) Register(n Node) error {
	name := n.Spec().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	r.nodes[name] = n
	return nil
}

func (r *Registry) Get(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Specs returns every registered node's spec, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	specs := make([]Spec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, n.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Run executes the named node with raw input values, publishing
// node_started and node_finished events around it.
func (r *Registry) Run(ctx context.Context, name string, values map[string]any) (*Result, error) {
	n, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	spec := n.Spec()
	in := NewInputs(spec, values)
	runID := uuid.NewString()
	log := logger.Log.With("node", name, "run_id", runID)

	r.events.Emit(events.NodeStarted, map[string]any{"run_id": runID, "node": name})
	log.Info("Node started")
	start := time.Now()

	var out Outputs
	err := in.Validate()
	if err == nil {
		out, err = n.Run(ctx, in)
	}
	if err == nil && len(out) != len(spec.Outputs) {
		err = fmt.Errorf("node %s returned %d outputs, want %d", name, len(out), len(spec.Outputs))
	}
	elapsed := time.Since(start)
	metrics.RecordNodeExecution(name, err)

	finished := map[string]any{"run_id": runID, "node": name, "duration_ms": elapsed.Milliseconds()}
	if err != nil {
		finished["error"] = err.Error()
		log.Error("Node failed", "duration", elapsed.String(), "error", err)
	} else {
		log.Info("Node finished", "duration", elapsed.String())
	}
	r.events.Emit(events.NodeFinished, finished)
	if err != nil {
		return nil, err
	}
	return &Result{
		RunID:    runID,
		Node:     name,
		Outputs:  out,
		Duration: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

func bound(v float64) *float64 { return &v }

func stringInput(name, def, tooltip string, multiline bool) Input {
	return Input{Name: name, Type: TypeString, Required: true, Default: def, Multiline: multiline, Tooltip: tooltip}
}

func intInput(name string, def, lo, hi, step int, tooltip string) Input {
	return Input{
		Name: name, Type: TypeInt, Required: true, Default: def,
		Min: bound(float64(lo)), Max: bound(float64(hi)), Step: float64(step), Tooltip: tooltip,
	}
}

func floatInput(name string, def, lo, hi, step float64, tooltip string) Input {
	return Input{
		Name: name, Type: TypeFloat, Required: true, Default: def,
		Min: bound(lo), Max: bound(hi), Step: step, Tooltip: tooltip,
	}
}

func boolInput(name string, def bool, tooltip string) Input {
	return Input{Name: name, Type: TypeBoolean, Required: true, Default: def, Tooltip: tooltip}
}

func comboInput(name string, options []string, def, tooltip string) Input {
	return Input{Name: name, Type: TypeCombo, Required: true, Default: def, Options: options, Tooltip: tooltip}
}

func socketInput(name, typ string, required bool, tooltip string) Input {
	return Input{Name: name, Type: typ, Required: required, Tooltip: tooltip}
}

func optional(in Input) Input {
	in.Required = false
	return in
}

// samplingInputs are shared by the generation nodes.
func samplingInputs() []Input {
	return []Input{
		floatInput("temperature", 0.7, 0, 2, 0.1, "Sampling temperature; 0 decodes greedily"),
		floatInput("top_p", 0.9, 0, 1, 0.05, "Nucleus sampling threshold"),
		intInput("top_k", 40, 0, 200, 1, "Top-k sampling; 0 disables"),
		floatInput("repetition_penalty", 1.1, 1, 2, 0.05, "Penalty for repeated tokens"),
		intInput("seed", 0, 0, 1<<31-1, 1, "Random seed; 0 leaves the server's seed alone"),
	}
}
