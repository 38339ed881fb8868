// Package config loads the daemon configuration.
//
// Values resolve in the usual precedence order: explicit config file,
// then GROVE_* environment variables, then built-in defaults. Nested
// keys map onto the environment with underscores, so store.path becomes
// GROVE_STORE_PATH. The author identity additionally falls back to the
// user's global git configuration, so commits made through the
// filesystem carry the same signature as ones made with git.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/grovedb/grove/internal/ninep"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/txn"
)

// Config is the resolved runtime configuration.
type Config struct {
	Listen   string // TCP address the 9P listener binds
	Msize    uint32 // offered 9P message size cap
	LogLevel string // debug, info, warn or error

	Store   StoreConfig
	Author  AuthorConfig
	Commit  CommitConfig
	Push    PushConfig
	Remotes []RemoteConfig
}

// StoreConfig selects and tunes the object store backend.
type StoreConfig struct {
	Backend     string // "disk" or "memory"
	Path        string // root directory of the disk backend
	Compression int    // zstd level 0-3, 0 stores objects raw
}

// AuthorConfig overrides the commit signature. Empty fields fall back to
// the global git identity, then to a host-derived default.
type AuthorConfig struct {
	Name  string
	Email string
}

// CommitConfig tunes the optimistic commit loop.
type CommitConfig struct {
	Retries int // merge-and-retry budget after a head moves
}

// PushConfig controls background replication to the configured remotes.
type PushConfig struct {
	Auto    bool          // push heads as soon as they move
	Timeout time.Duration // per-remote deadline for one push
}

// RemoteConfig names an OCI repository that replicates branch heads.
type RemoteConfig struct {
	Name       string `mapstructure:"name"`
	Repository string `mapstructure:"repository"`
	Insecure   bool   `mapstructure:"insecure"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

// flagKeys maps command-line flags onto config keys. A bound flag only
// overrides the file and environment when the user actually set it.
var flagKeys = map[string]string{
	"listen":      "listen",
	"store":       "store.path",
	"log-level":   "log_level",
	"compression": "store.compression",
	"auto-push":   "push.auto",
}

// Load reads the configuration from path, or from the default search
// location when path is empty. A missing default config file is not an
// error; every field then comes from the environment or the defaults.
// flags, when non-nil, is bound on top of everything else, so a flag
// the user set wins over the file and the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	v.SetDefault("listen", "localhost:5640")
	v.SetDefault("msize", ninep.DefaultMsize)
	v.SetDefault("log_level", "info")
	v.SetDefault("store.backend", "disk")
	v.SetDefault("store.path", DataDir())
	v.SetDefault("store.compression", 2)
	v.SetDefault("commit.retries", txn.DefaultMaxRetries)
	v.SetDefault("push.auto", true)
	v.SetDefault("push.timeout", 2*time.Minute)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Listen:   v.GetString("listen"),
		Msize:    v.GetUint32("msize"),
		LogLevel: v.GetString("log_level"),
		Store: StoreConfig{
			Backend:     v.GetString("store.backend"),
			Path:        v.GetString("store.path"),
			Compression: v.GetInt("store.compression"),
		},
		Author: AuthorConfig{
			Name:  v.GetString("author.name"),
			Email: v.GetString("author.email"),
		},
		Commit: CommitConfig{
			Retries: v.GetInt("commit.retries"),
		},
		Push: PushConfig{
			Auto:    v.GetBool("push.auto"),
			Timeout: v.GetDuration("push.timeout"),
		},
	}
	if err := v.UnmarshalKey("remotes", &cfg.Remotes); err != nil {
		return nil, fmt.Errorf("parse remotes: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "disk", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	seen := make(map[string]bool, len(c.Remotes))
	for _, r := range c.Remotes {
		if r.Name == "" || r.Repository == "" {
			return errors.New("remote needs both a name and a repository")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate remote %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Level maps the configured log level onto slog's scale.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AuthorFunc resolves the signature stamped on commits. Explicit config
// wins, then the user's global git identity, then a host-derived
// fallback, so the returned func always produces a usable signature.
func (c Config) AuthorFunc() func() object.Signature {
	name, email := c.Author.Name, c.Author.Email
	if name == "" || email == "" {
		gn, ge := gitIdentity()
		if name == "" {
			name = gn
		}
		if email == "" {
			email = ge
		}
	}
	if name == "" {
		name = "grove"
	}
	if email == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		email = name + "@" + host
	}
	return func() object.Signature {
		now := time.Now()
		return object.Signature{
			Name:  name,
			Email: email,
			Time:  now.Unix(),
			Zone:  now.Format("-0700"),
		}
	}
}

// gitIdentity reads user.name and user.email from the global git
// config. A missing or unreadable config yields empty values.
func gitIdentity() (name, email string) {
	gc, err := gitconfig.LoadConfig(gitconfig.GlobalScope)
	if err != nil {
		return "", ""
	}
	return gc.User.Name, gc.User.Email
}

// ConfigDir returns the directory searched for the config file,
// honoring XDG_CONFIG_HOME.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "grove")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "grove")
}

// DataDir returns the default location of the on-disk store, honoring
// XDG_DATA_HOME.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "grove")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "grove")
}
