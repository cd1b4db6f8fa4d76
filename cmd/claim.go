package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/egsclaim/egsclaim/internal/utils"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/offers"
)

// claimCmd implements: egsclaim claim
var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Run one claim cycle and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'egsclaim claim --help'", args[0])
		}
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lock, err := utils.NewAccountLock(cfg.DataDir, cfg.Account.Email)
		if err != nil {
			return err
		}
		if err := lock.Lock(); err != nil {
			return err
		}
		defer lock.Unlock()

		s, runErr := runOnce(ctx, cfg)
		if s != nil {
			format, _ := cmd.Flags().GetString("format")
			outputFlags, _ := cmd.Flags().GetString("output")
			delimiter, _ := cmd.Flags().GetString("delimiter")
			if err := printRunSummary(os.Stdout, s, format, outputFlags, delimiter); err != nil {
				return err
			}
		}
		return runErr
	},
}

// runOnce launches the browser, runs the orchestrator once and tears
// everything down again.
func runOnce(ctx context.Context, cfg *config.Config) (*offers.RunSummary, error) {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			utils.Log.Debugf("Closing browser: %v", err)
		}
	}()
	return a.orch.Run(ctx)
}

func printRunSummary(w io.Writer, s *offers.RunSummary, format, outputFlags, delimiter string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return offers.PrintSummary(w, s, outputFlags, delimiter)
	default:
		return fmt.Errorf("unknown format %q (want text or yaml)", format)
	}
}

func init() {
	rootCmd.AddCommand(claimCmd)

	claimCmd.Flags().StringP("format", "f", "text", "Summary format: text or yaml")
	claimCmd.Flags().StringP("output", "o", "tuo", "Output flags for text format. Supported: t (title), u (url), n (namespace), o (outcome), a (attempts). Can be combined. Example: -o tuo")
	claimCmd.Flags().StringP("delimiter", "d", " ", "Delimiter character to use for text output format")
}
