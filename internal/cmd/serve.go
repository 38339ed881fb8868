package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/config"
	"github.com/grovedb/grove/internal/remote"
	"github.com/grovedb/grove/internal/server"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/txn"
	"github.com/grovedb/grove/internal/vfs"
	"github.com/grovedb/grove/internal/watch"
)

// NewServeCmd returns the serve subcommand, the long-running daemon.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the database over 9P",
		Long: `Serve the object store as a synthetic 9P filesystem on a TCP
listener. Runs until interrupted; commits, watches and remote pushes
all happen through the mounted namespace.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "TCP address to listen on")
	cmd.Flags().String("store", "", "store directory")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.Flags().Bool("auto-push", true, "push branch heads to remotes as they move")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(log)

	s, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := watch.NewEngine(ctx, s, watch.WithLogger(log))
	if err != nil {
		return fmt.Errorf("watch engine: %w", err)
	}
	defer eng.Close()

	reg := txn.NewRegistry(s, cfg.AuthorFunc(),
		txn.WithMaxRetries(cfg.Commit.Retries),
		txn.WithLogger(log))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	nsOpts := []vfs.Option{vfs.WithLogger(log), vfs.WithVersion(version)}
	if len(cfg.Remotes) > 0 {
		remotes, err := buildRemotes(cfg)
		if err != nil {
			return err
		}
		mgr := remote.NewManager(s, remotes,
			remote.WithLogger(log),
			remote.WithPushTimeout(cfg.Push.Timeout))
		nsOpts = append(nsOpts, vfs.WithRemotes(mgr))

		if cfg.Push.Auto {
			repl, err := remote.NewReplicator(s, mgr, remote.WithReplicatorLogger(log))
			if err != nil {
				return fmt.Errorf("replicator: %w", err)
			}
			repl.Start()
			defer repl.Stop()
		}
	}

	ns := vfs.New(s, reg, eng, nsOpts...)
	srv := server.New(ns, server.WithLogger(log), server.WithMsize(cfg.Msize))

	log.Info("listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("backend", cfg.Store.Backend),
		slog.Int("remotes", len(cfg.Remotes)))
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

// openStore builds the store backend the config names.
func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenDisk(cfg.Store.Path,
			store.WithCompressionLevel(cfg.Store.Compression),
			store.WithLogger(log))
	}
}

// buildRemotes turns remote config entries into OCI replication targets.
func buildRemotes(cfg *config.Config) ([]remote.Remote, error) {
	remotes := make([]remote.Remote, 0, len(cfg.Remotes))
	for _, rc := range cfg.Remotes {
		var opts []remote.OCIOption
		if rc.Insecure {
			opts = append(opts, remote.WithInsecure())
		}
		if rc.Username != "" {
			opts = append(opts, remote.WithBasicAuth(rc.Username, rc.Password))
		}
		r, err := remote.NewOCI(rc.Name, rc.Repository, opts...)
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", rc.Name, err)
		}
		remotes = append(remotes, r)
	}
	return remotes, nil
}
