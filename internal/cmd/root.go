// Package cmd builds the grove command tree.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// NewRootCmd assembles the grove command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "grove",
		Short: "Content-addressed tree database served over 9P",
		Long: `grove keeps versioned file trees in a content-addressed object store
and serves them as a synthetic 9P filesystem. Branches, history,
transactions and change notification are all plain files under the
mount, so any 9P client can drive them.`,
		Version: version,
	}
	root.PersistentFlags().String("config", "",
		"config file (default "+filepath.Join(config.ConfigDir(), "config.yaml")+")")

	root.AddCommand(
		NewServeCmd(),
		NewInitCmd(),
		NewInspectCmd(),
		NewFetchCmd(),
		NewExportCmd(),
		NewLsCmd(),
	)
	return root
}

// configPath reads the persistent --config flag.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
