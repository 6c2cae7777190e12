package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/pkg/server"
)

// ServeCmd returns the serve command.
func ServeCmd(cfg *config.Config) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Long: `Run the HTTP relay. The database is migrated and the venture file's
schedule is seeded on startup. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides CRANE_PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", cfg.Version).Msg("crane-relay starting...")
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	return srv.Run(ctx)
}
