package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/config"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// NewInitCmd returns the init subcommand.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a store with an initial empty branch",
		Long: `Create the on-disk store layout and point an initial branch at a
commit of the empty tree. Initializing a branch that already exists is
an error; the rest of an existing store is left alone.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
	cmd.Flags().String("store", "", "store directory")
	cmd.Flags().String("branch", "main", "name of the initial branch")
	cmd.Flags().Int("compression", 2, "zstd level for stored objects, 0 disables")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	branch, _ := cmd.Flags().GetString("branch")
	if !store.ValidRefName(branch) {
		return fmt.Errorf("invalid branch name %q", branch)
	}

	s, err := store.OpenDisk(cfg.Store.Path,
		store.WithCompressionLevel(cfg.Store.Compression))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	head, err := initialCommit(ctx, s, cfg.AuthorFunc()())
	if err != nil {
		return err
	}
	if err := s.CompareAndSwapRef(ctx, branch, object.Undef, head); err != nil {
		if errors.Is(err, store.ErrCasConflict) {
			return fmt.Errorf("branch %q already exists", branch)
		}
		return err
	}

	fmt.Printf("Initialized store at %s\n", cfg.Store.Path)
	fmt.Printf("%s\t%s\n", branch, head.Short())
	return nil
}

// initialCommit writes the empty tree and a parentless commit pointing
// at it, returning the commit digest.
func initialCommit(ctx context.Context, s store.Store, author object.Signature) (object.Digest, error) {
	tdata, td, err := object.EncodeTree(object.NewTree())
	if err != nil {
		return object.Undef, err
	}
	if _, err := s.Put(ctx, tdata); err != nil {
		return object.Undef, err
	}
	cdata, cd, err := object.EncodeCommit(&object.Commit{
		V:       1,
		Tree:    td,
		Author:  author,
		Message: "init",
	})
	if err != nil {
		return object.Undef, err
	}
	if _, err := s.Put(ctx, cdata); err != nil {
		return object.Undef, err
	}
	return cd, nil
}
