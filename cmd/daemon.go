package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/egsclaim/egsclaim/internal/utils"
	"github.com/egsclaim/egsclaim/pkg/auth"
	"github.com/egsclaim/egsclaim/pkg/config"
)

// daemonCmd implements: egsclaim daemon
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Claim now and then again on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}
		if every, _ := cmd.Flags().GetDuration("interval"); every > 0 {
			cfg.Schedule.Interval = every
		}
		if cfg.Schedule.Interval < time.Minute {
			return fmt.Errorf("interval %s is too short", cfg.Schedule.Interval)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lock, err := utils.NewAccountLock(cfg.DataDir, cfg.Account.Email)
		if err != nil {
			return err
		}
		if err := lock.TryLock(); err != nil {
			return err
		}
		defer lock.Unlock()

		return runScheduled(ctx, cfg)
	},
}

// runScheduled runs immediately and then every interval until ctx is done.
// Runs never overlap: the next tick is only read after a run returns.
func runScheduled(ctx context.Context, cfg *config.Config) error {
	ticker := time.NewTicker(cfg.Schedule.Interval)
	defer ticker.Stop()

	for {
		s, err := runOnce(ctx, cfg)
		switch {
		case errors.Is(err, auth.ErrMultiFactorRequired):
			// Needs the operator; retrying on a timer cannot help.
			return err
		case err != nil:
			utils.Log.Errorf("Run failed: %v", err)
		case s != nil:
			utils.Log.Infof("Run %s: %s, next run in %s", s.RunID, s.Status, cfg.Schedule.Interval)
		}

		select {
		case <-ctx.Done():
			utils.Log.Info("Stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Duration("interval", 0, "Time between runs (default from schedule.interval, 6h)")
}
