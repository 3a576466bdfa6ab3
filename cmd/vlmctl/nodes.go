package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vlm/internal/nodes"
)

func NewNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the available nodes",
		Args:  cobra.NoArgs,
		RunE:  nodesHandler,
	}
}

func nodesHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	deps, err := nodes.NewDeps(cfg, nil)
	if err != nil {
		return err
	}
	defer deps.Close()

	table := newTable(cmd, "NAME", "CATEGORY", "INPUTS", "OUTPUTS")
	for _, s := range nodes.Default(deps).Specs() {
		var required []string
		for _, in := range s.Inputs {
			if in.Required {
				required = append(required, in.Name)
			}
		}
		var outputs []string
		for _, o := range s.Outputs {
			outputs = append(outputs, o.Name)
		}
		table.Append([]string{s.Name, s.Category, strings.Join(required, ","), strings.Join(outputs, ",")})
	}
	table.Render()
	return nil
}

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run NODE",
		Short: "Run one node locally",
		Long: `Run one node in-process and print its outputs. Inputs are given as
--input name=value; values that parse as JSON (numbers, booleans, objects)
are passed decoded, anything else as a string.`,
		Example: `  vlmctl run MemoryManager --input action="Force GC"
  vlmctl run RemoteAPIConfig --input base_url=http://127.0.0.1:11434 --input api_type=Ollama`,
		Args: cobra.ExactArgs(1),
		RunE: runHandler,
	}
	cmd.Flags().StringArrayP("input", "i", nil, "Node input as name=value (repeatable)")
	return cmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	raw, _ := cmd.Flags().GetStringArray("input")
	values, err := parseInputs(raw)
	if err != nil {
		return err
	}

	deps, err := nodes.NewDeps(cfg, nil)
	if err != nil {
		return err
	}
	defer deps.Close()

	reg := nodes.Default(deps)
	n, ok := reg.Get(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", nodes.ErrUnknownNode, args[0])
	}
	res, err := reg.Run(cmd.Context(), args[0], values)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, o := range n.Spec().Outputs {
		switch v := res.Outputs[i].(type) {
		case string:
			fmt.Fprintf(out, "%s:\n%s\n", o.Name, v)
		default:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s:\n%s\n", o.Name, data)
		}
	}
	return nil
}

// parseInputs turns name=value pairs into node input values.
func parseInputs(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q, want name=value", p)
		}
		values[name] = parseValue(value)
	}
	return values, nil
}

func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}
