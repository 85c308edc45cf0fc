package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminPassword  string
	artifactMaxAge time.Duration
	bind           string
	countdown      int
	dataDir        string
	dbPath         string
	gridSize       int
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.gridSize < minGridSize || c.gridSize > maxGridSize {
		return fmt.Errorf("invalid grid size (must be between %d-%d inclusive): %d", minGridSize, maxGridSize, c.gridSize)
	}
	if c.countdown < 0 || c.countdown > 60 {
		return fmt.Errorf("invalid countdown (must be between 0-60 seconds): %d", c.countdown)
	}
	if c.adminPassword == "" {
		return errors.New("--admin-password must not be empty")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PUZZLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "puzzle...",
		Short:         "An image puzzle quiz game, served as a single webapp.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminPassword, "admin-password", "admin123", "shared secret for admin endpoints (env: PUZZLE_ADMIN_PASSWORD)")
	fs.DurationVar(&cfg.artifactMaxAge, "artifact-max-age", 24*time.Hour, "time before rendered puzzle images are reaped (env: PUZZLE_ARTIFACT_MAX_AGE)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PUZZLE_BIND)")
	fs.IntVar(&cfg.countdown, "countdown", 3, "seconds shown on the pre-puzzle countdown (env: PUZZLE_COUNTDOWN)")
	fs.StringVar(&cfg.dataDir, "data-dir", "data", "directory holding level images, questions.json and temp renders (env: PUZZLE_DATA_DIR)")
	fs.StringVar(&cfg.dbPath, "db", "puzzle.db", "path to the sqlite score database (env: PUZZLE_DB)")
	fs.IntVarP(&cfg.gridSize, "grid-size", "g", 4, "puzzle grid dimension, tiles per side (env: PUZZLE_GRID_SIZE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PUZZLE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: PUZZLE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: PUZZLE_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle puzzle sessions are ended (env: PUZZLE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: PUZZLE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: PUZZLE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: PUZZLE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: PUZZLE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("puzzle v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
