package main

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vlm/internal/download"
	"github.com/23skdu/longbow-vlm/internal/logger"
)

func NewDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download REPO [FILE]",
		Short: "Download a model from the hub",
		Long: `Download one file of REPO into the GGUF model directory, or, without FILE,
mirror the whole repository into the transformers model directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: downloadHandler,
	}
	cmd.Flags().String("dest", "", "Destination directory")
	cmd.Flags().StringSlice("exclude", nil, "Glob patterns to skip when mirroring a repository")
	return cmd
}

func downloadHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	repo := args[0]
	dest, _ := cmd.Flags().GetString("dest")

	dm := download.NewManager(cfg.Download)
	dm.OnProgress = func(p download.Progress) {
		logger.Log.Info("Download progress", "file", p.File, "completed", p.Completed, "total", p.Total)
	}

	if dest == "" {
		dest = cfg.GGUFDir()
		if len(args) == 1 {
			dest = filepath.Join(cfg.TransformersDir(), path.Base(repo))
		}
	}
	if _, err := download.CheckDiskSpace(dest, cfg.Download.RequiredSpaceGB); err != nil {
		return err
	}

	if len(args) == 2 {
		p, err := dm.DownloadFile(cmd.Context(), repo, args[1], dest)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	}

	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	if len(exclude) == 0 {
		exclude = nil
	}
	if err := dm.DownloadRepository(cmd.Context(), repo, dest, exclude); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dest)
	return nil
}
