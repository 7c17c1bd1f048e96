package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hfi/leakguard/internal/cache"
	"github.com/hfi/leakguard/internal/config"
	"github.com/hfi/leakguard/internal/logging"
)

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List the secret paths being watched",
	Long: `Read the secret store once and print every watched path with its
value redacted. Duplicate values shared by several paths are listed after
the table.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listPaths(cmd.Context(), configPath, cmd.OutOrStdout())
	},
}

func listPaths(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := resolveCredentials(ctx, cfg, storeCredentials(cfg)); err != nil {
		return err
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer store.Close()

	secrets := cache.New(store, cache.Options{
		ReservedKey: cfg.Store.ReservedKey,
		ReadTimeout: cfg.Store.Timeout,
	}, zerolog.Nop())
	snap, err := secrets.Refresh(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tVALUE")
	for _, e := range snap.Entries() {
		fmt.Fprintf(tw, "%s\t%s\n", e.Path, logging.Redact(e.Value))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, group := range snap.Duplicates() {
		fmt.Fprintf(out, "duplicate value: %v\n", group)
	}
	return nil
}
