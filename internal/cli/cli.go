// Package cli implements the crane-relay command line.
package cli

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/venturecrane/crane-relay/internal/config"
)

// RootCmd returns the crane-relay root command. Without a subcommand it
// serves HTTP.
func RootCmd(version string) *cobra.Command {
	cfg := config.Load()
	if version != "" {
		cfg.Version = version
	}

	root := &cobra.Command{
		Use:     "crane-relay",
		Short:   "Coordination relay for venture agent sessions",
		Version: cfg.Version,
		Long: `crane-relay tracks agent sessions per venture and repository, records
handoffs between them, and serves notes, the operational schedule, the
machine fleet and admin documents over an authenticated JSON API.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetupLogging(cfg.Log, os.Stderr)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	root.AddCommand(ServeCmd(cfg))
	root.AddCommand(MigrateCmd(cfg))
	root.AddCommand(GCCmd(cfg))
	root.AddCommand(BriefingCmd(cfg))
	return root
}

// SetupLogging configures the global zerolog logger: JSON lines when
// cfg.JSON is set, a console writer otherwise.
func SetupLogging(cfg config.LogConfig, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSON {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}
