package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vlm/internal/models"
)

func NewModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls"},
		Short:   "List local models",
		Long:    "List local GGUF models with their classification. --vision and --text print the lists the loader nodes offer, downloadable catalog entries included.",
		Args:    cobra.NoArgs,
		RunE:    modelsHandler,
	}
	cmd.Flags().Bool("vision", false, "Print the vision model list")
	cmd.Flags().Bool("text", false, "Print the text model list")
	cmd.MarkFlagsMutuallyExclusive("vision", "text")
	return cmd
}

func modelsHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	loader, err := newLoader(cfg)
	if err != nil {
		return err
	}

	vision, _ := cmd.Flags().GetBool("vision")
	text, _ := cmd.Flags().GetBool("text")
	var list []string
	switch {
	case vision:
		list, err = loader.VisionModelList()
	case text:
		list, err = loader.TextModelList()
	default:
		return localModelsTable(cmd, loader)
	}
	if err != nil {
		return err
	}
	for _, name := range list {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func localModelsTable(cmd *cobra.Command, loader *models.Loader) error {
	files, err := loader.ListModels()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No models found in %s\n", loader.Dir)
		return nil
	}

	var data [][]string
	for _, f := range files {
		c := loader.Classify(f)
		projector := ""
		if c.Kind == models.KindVision {
			projector = loader.FindProjector(f)
		}
		data = append(data, []string{f, c.KindName, string(c.Source), projector})
	}

	table := newTable(cmd, "NAME", "KIND", "SOURCE", "PROJECTOR")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func NewClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify FILE...",
		Short: "Report whether model files are text or vision models",
		Args:  cobra.MinimumNArgs(1),
		RunE:  classifyHandler,
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func classifyHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	loader, err := newLoader(cfg)
	if err != nil {
		return err
	}

	results := make([]models.Classification, 0, len(args))
	for _, f := range args {
		results = append(results, loader.Classify(f))
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	table := newTable(cmd, "FILE", "KIND", "SOURCE", "BUSINESS TYPE")
	for _, c := range results {
		table.Append([]string{c.File, c.KindName, string(c.Source), string(c.BusinessType)})
	}
	table.Render()
	return nil
}
