package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed holds and offers and dispatch due messages",
	}
	cmd.AddCommand(newSweepRunCmd())
	cmd.AddCommand(newSweepLoopCmd())
	return cmd
}

func newSweepRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sweep and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Sweeper.Run(cmd.Context())
			if sum != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(sum)
			}
			return err
		},
	}
}

func newSweepLoopCmd() *cobra.Command {
	var interval time.Duration
	c := &cobra.Command{
		Use:   "loop",
		Short: "Sweep on a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Sweeper.Loop(ctx, interval)
			return nil
		},
	}
	c.Flags().DurationVar(&interval, "interval", time.Minute, "time between sweeps")
	return c
}
