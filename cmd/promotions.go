package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/reconcile"
)

// promotionsCmd implements: egsclaim promotions
var promotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "List the offers that are free right now",
	Long:  "Lists the offers of the promotions feed that are free right now. No browser or account is needed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := newHTTPClient(cfg)
		if err != nil {
			return err
		}

		list, err := newCatalogClient(cfg, client).FetchCatalog(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No free offers right now.")
			return nil
		}

		// Reconcile against an empty ledger to dedupe and flag bundles.
		games, bundles := reconcile.Split(reconcile.Reconcile(list, nil))
		delimiter, _ := cmd.Flags().GetString("delimiter")
		offers.PrintOffers(os.Stdout, reconcile.Offers(games), delimiter)
		offers.PrintOffers(os.Stdout, reconcile.Offers(bundles), delimiter)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promotionsCmd)
	promotionsCmd.Flags().StringP("delimiter", "d", " ", "Delimiter character to use for txt output format")
}
