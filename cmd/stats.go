package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/egsclaim/egsclaim/pkg/storage"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints statistics about past runs and claims in the database.",
	Long:  "Prints statistics about past runs and claims in the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		db, err := storage.Open(cfg.DatabasePath())
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("database file not found: %s", cfg.DatabasePath())
			}
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		if stats.Runs == 0 {
			fmt.Println("No data in the database to generate stats.")
			return nil
		}

		fmt.Printf("%d runs, last started %s\n\n", stats.Runs, stats.LastRun.Local().Format(time.DateTime))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "OUTCOME\tENTRIES\tOFFERS\t")

		var totalEntries int
		for _, s := range stats.ByOutcome {
			fmt.Fprintf(w, "%s\t%d\t%d\t\n", s.Outcome, s.Count, s.Offers)
			totalEntries += s.Count
		}

		fmt.Fprintln(w, " \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t \t\n", totalEntries)

		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
