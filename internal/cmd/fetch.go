package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/config"
	"github.com/grovedb/grove/internal/remote"
)

// NewFetchCmd returns the fetch subcommand.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <remote> <branch>",
		Short: "Fetch a branch from a remote",
		Long: `Fetch a replicated branch from a configured remote into the local
store and fast-forward the local branch ref to the fetched head. A branch
that has diverged from the remote is left untouched.`,
		Args: cobra.ExactArgs(2),
		RunE: runFetch,
	}
	cmd.Flags().String("store", "", "store directory")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	remoteName, branch := args[0], args[1]

	cfg, err := config.Load(configPath(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	if len(cfg.Remotes) == 0 {
		return errors.New("no remotes configured")
	}
	remotes, err := buildRemotes(cfg)
	if err != nil {
		return err
	}

	s, err := openStore(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	mgr := remote.NewManager(s, remotes, remote.WithPushTimeout(cfg.Push.Timeout))
	head, err := mgr.Fetch(cmd.Context(), remoteName, branch)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", branch, head.Short())
	return nil
}
