package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test SSH and management API access to every host",
	Long: `Log in to every configured host over SSH and the management API
without changing anything, and print a pass/fail table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r, err := initRunner(GetConfig(), GetLogger())
		if err != nil {
			return fmt.Errorf("failed to initialize runner: %w", err)
		}

		failed := 0
		for _, res := range r.SelfTest(ctx) {
			if !res.OK() {
				failed++
			}
		}
		if ctx.Err() != nil {
			return &exitError{code: ExitInterrupted}
		}
		if failed > 0 {
			return &exitError{code: ExitFailure, err: fmt.Errorf("%d hosts failed the connectivity check", failed)}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
