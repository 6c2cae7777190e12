package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/pkg/models"
	"github.com/venturecrane/crane-relay/pkg/server"
)

// BriefingCmd returns the briefing command.
func BriefingCmd(cfg *config.Config) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "briefing",
		Short: "Print the cadence briefing from the local database",
		Long: `Print the cadence briefing straight from the configured database,
most urgent first. With --scope, venture-scoped items for that venture
are listed alongside the global ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			_, engine, err := server.LoadSchedule(cmd.Context(), cfg, st)
			if err != nil {
				return err
			}
			b, err := engine.Briefing(cmd.Context(), scope)
			if err != nil {
				return err
			}
			PrintBriefing(cmd.OutOrStdout(), b)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "venture code to include scoped items for")
	return cmd
}

// PrintBriefing writes one line per item, colored by status.
func PrintBriefing(w io.Writer, b *models.Briefing) {
	fmt.Fprintf(w, "Briefing: %d overdue, %d due, %d never run\n\n",
		b.OverdueCount, b.DueCount, b.NeverRunCount)
	if len(b.Items) == 0 {
		fmt.Fprintln(w, "(no schedule items)")
		return
	}
	for _, it := range b.Items {
		since := "never"
		if it.DaysSince != nil {
			since = fmt.Sprintf("%dd ago", *it.DaysSince)
		}
		fmt.Fprintf(w, "  %s %-24s every %dd, last %s\n",
			statusLabel(it.Status), it.Name, it.CadenceDays, since)
		if it.Title != "" {
			fmt.Fprintf(w, "      %s\n", it.Title)
		}
	}
}

func statusLabel(s models.ScheduleStatus) string {
	label := fmt.Sprintf("%-9s", strings.ToUpper(string(s)))
	switch s {
	case models.ScheduleOverdue:
		return color.New(color.FgRed).Sprint(label)
	case models.ScheduleDue:
		return color.New(color.FgYellow).Sprint(label)
	case models.ScheduleNeverRun:
		return color.New(color.FgHiMagenta).Sprint(label)
	default:
		return color.New(color.FgGreen).Sprint(label)
	}
}
