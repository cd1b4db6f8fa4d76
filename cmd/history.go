package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/storage"
)

// historyCmd implements: egsclaim history
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print past claim outcomes from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer db.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		if runs, _ := cmd.Flags().GetBool("runs"); runs {
			list, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSTATUS\tOFFERS\tWARNINGS")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Second), r.Status, r.Entries, len(r.Warnings))
			}
			return w.Flush()
		}

		opts := storage.ListClaimsOptions{Limit: limit}
		outcome, _ := cmd.Flags().GetString("outcome")
		opts.Outcome = offers.ClaimOutcome(outcome)
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("invalid since timestamp: %w", err)
			}
			opts.Since = t
		}

		claims, err := db.ListClaims(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			fmt.Println("No claims recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tOUTCOME\tATTEMPTS\tTITLE\tURL")
		for _, c := range claims {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.OccurredAt.Local().Format(time.DateTime), c.Outcome, c.Attempts, c.Title, c.URL)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("outcome", "", "Only show this outcome (claimed, already_owned, unavailable, skipped, timed_out, failed)")
	historyCmd.Flags().String("since", "", "Only show claims since this RFC3339 timestamp")
	historyCmd.Flags().Int("limit", 50, "Maximum number of rows")
	historyCmd.Flags().Bool("runs", false, "List runs instead of per-offer outcomes")
}
