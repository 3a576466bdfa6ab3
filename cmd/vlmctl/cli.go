package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/nodes"
	"github.com/23skdu/longbow-vlm/internal/ollama"
	"github.com/23skdu/longbow-vlm/internal/registry"
)

type configKey struct{}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vlmctl",
		Short: "Inspect and manage models for the GGUF-VLM backend",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.Log.Level = level
			}
			logger.SetupWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config.toml (default: $LONGBOW_VLM_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewModelsCmd(),
		NewClassifyCmd(),
		NewDownloadCmd(),
		NewStatusCmd(),
		NewNodesCmd(),
		NewRunCmd(),
	)
	return rootCmd
}

func configFrom(cmd *cobra.Command) (config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey{}).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// newLoader builds the model loader the server would use for cfg.
func newLoader(cfg config.Config) (*models.Loader, error) {
	reg, err := registry.Load(filepath.Join(config.Dir(), nodes.CatalogFile))
	if err != nil {
		return nil, err
	}
	store, err := ollama.DefaultStore()
	if err != nil {
		logger.Log.Warn("Ollama model store unavailable", "error", err)
	}
	return models.NewLoader(cfg.GGUFDir(), reg, store), nil
}

func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}
