package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/internal/idempotency"
	"github.com/venturecrane/crane-relay/internal/retention"
	"github.com/venturecrane/crane-relay/pkg/server"
)

// MigrateCmd returns the migrate command.
func MigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

// GCCmd returns the gc command.
func GCCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete expired idempotency records once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			j := retention.NewJanitor(retention.MinInterval, retention.WithSweepTimeout(cfg.Database.Timeout))
			j.Register("idempotency", idempotency.New(st, cfg.Idempotency.TTL).Purge)
			stats := j.RunCycle(cmd.Context())
			for _, name := range j.Sweeps() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: purged %d\n", name, stats.Purged[name])
			}
			if len(stats.Errors) > 0 {
				return stats.Errors[0]
			}
			return nil
		},
	}
}
