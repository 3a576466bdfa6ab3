package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vlm/internal/remote"
)

func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a model service and list its models",
		Args:  cobra.NoArgs,
		RunE:  statusHandler,
	}
	cmd.Flags().String("base-url", "", "Service URL (default from config)")
	cmd.Flags().String("api-type", "", "ollama, nexa, lmstudio or openai (default from config)")
	cmd.Flags().String("discover", "", "Probe the usual local ports instead: text or vision")
	return cmd
}

func statusHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if kind, _ := cmd.Flags().GetString("discover"); kind != "" {
		var ports []int
		switch kind {
		case "text":
			ports = remote.TextDiscoveryPorts
		case "vision":
			ports = remote.VisionDiscoveryPorts
		default:
			return fmt.Errorf("unknown discovery kind %q, want text or vision", kind)
		}
		found := remote.DiscoverModels(cmd.Context(), nil, remote.LocalCandidates(ports...))
		if len(found) == 0 {
			return fmt.Errorf("no running model service found on ports %v", ports)
		}
		for _, m := range found {
			fmt.Fprintln(out, m)
		}
		return nil
	}

	baseURL, _ := cmd.Flags().GetString("base-url")
	if baseURL == "" {
		baseURL = cfg.Remote.BaseURL
	}
	typeName, _ := cmd.Flags().GetString("api-type")
	if typeName == "" {
		typeName = cfg.Remote.APIType
	}
	apiType, err := remote.ParseAPIType(typeName)
	if err != nil {
		return err
	}

	client := remote.NewClient(baseURL, apiType)
	if !client.IsServiceAvailable(cmd.Context()) {
		return fmt.Errorf("%w: %s at %s", remote.ErrServiceUnavailable, apiType.Label(), baseURL)
	}
	fmt.Fprintf(out, "%s service available at %s\n", apiType.Label(), baseURL)

	list := client.AvailableModels(cmd.Context(), true)
	if len(list) == 0 {
		fmt.Fprintln(out, "No models found")
		return nil
	}
	table := newTable(cmd, "MODEL")
	for _, m := range list {
		table.Append([]string{m})
	}
	table.Render()
	return nil
}
