package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/grovedb/grove/internal/config"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// NewInspectCmd returns the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a store offline",
		Long: `Print each branch with its head commit, author and message, plus
the number of objects reachable from the head. Reads the store directly
without a running server.`,
		Args: cobra.NoArgs,
		RunE: runInspect,
	}
	cmd.Flags().String("store", "", "store directory")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	s, err := openStore(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	refs, err := s.ListRefs(ctx)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("(no branches)")
		return nil
	}

	type row struct {
		commit  *object.Commit
		objects int
	}
	rows := make([]row, len(refs))

	// Closure walks are independent per branch; run a few in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ref := range refs {
		g.Go(func() error {
			data, err := s.Get(gctx, ref.Digest)
			if err != nil {
				return fmt.Errorf("%s: %w", ref.Name, err)
			}
			c, err := object.DecodeCommit(data)
			if err != nil {
				return fmt.Errorf("%s: %w", ref.Name, err)
			}
			closure, err := store.Closure(gctx, s, ref.Digest)
			if err != nil {
				return fmt.Errorf("%s: %w", ref.Name, err)
			}
			rows[i] = row{commit: c, objects: len(closure)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, ref := range refs {
		r := rows[i]
		fmt.Printf("%s\t%s\t%d objects\n", ref.Name, ref.Digest.Short(), r.objects)
		fmt.Printf("\t%s <%s>\t%s\n", r.commit.Author.Name, r.commit.Author.Email,
			r.commit.Author.When().Format(time.RFC3339))
		fmt.Printf("\t%s\n", firstLine(r.commit.Message))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
