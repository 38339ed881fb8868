package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/config"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// NewExportCmd returns the export subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <branch> <dir>",
		Short: "Copy a branch into a standalone store",
		Long: `Copy a branch head and every object reachable from it into a store
at dir, creating it if needed. The result is a self-contained store
holding just that branch, suitable for backups or for seeding another
server.`,
		Args: cobra.ExactArgs(2),
		RunE: runExport,
	}
	cmd.Flags().String("store", "", "store directory")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	branch, dir := args[0], args[1]

	cfg, err := config.Load(configPath(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	src, err := openStore(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer src.Close()

	ctx := cmd.Context()
	head, err := src.ReadRef(ctx, branch)
	if err != nil {
		return err
	}
	digests, err := store.Closure(ctx, src, head)
	if err != nil {
		return err
	}

	dst, err := store.OpenDisk(dir,
		store.WithCompressionLevel(cfg.Store.Compression))
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer dst.Close()

	if err := store.Copy(ctx, dst, src, digests); err != nil {
		return err
	}

	// Move the exported ref to the copied head; rerunning an export of
	// an unchanged branch is a no-op.
	old, err := dst.ReadRef(ctx, branch)
	if err != nil {
		if !errors.Is(err, store.ErrRefNotFound) {
			return err
		}
		old = object.Undef
	}
	if old != head {
		if err := dst.CompareAndSwapRef(ctx, branch, old, head); err != nil {
			return err
		}
	}

	fmt.Printf("Exported %s (%d objects) to %s\n", branch, len(digests), dir)
	return nil
}
