package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/fleet"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Patch and reboot every configured host",
	Long: `Process every host from the configuration, one at a time.

A host that fails is reported and skipped; the remaining hosts are still
processed. The exit code is 0 only when every host succeeded, 1 when a host
failed or the configuration is invalid, and 130 when interrupted.`,
	RunE: runPatch,
}

func runPatch(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	cfg := GetConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := initRunner(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}

	rep, err := r.Run(ctx)
	switch {
	case errors.Is(err, fleet.ErrLocked):
		return &exitError{code: ExitFailure, err: err}
	case ctx.Err() != nil:
		log.Warn("Interrupted, remaining hosts were not processed")
		return &exitError{code: ExitInterrupted}
	case err != nil:
		return err
	}

	if failed := rep.Failed(); len(failed) > 0 {
		return &exitError{
			code: ExitFailure,
			err:  fmt.Errorf("%d of %d hosts failed: %s", len(failed), len(rep.Hosts), strings.Join(failed, ", ")),
		}
	}
	log.Info("All hosts patched", zap.Int("hosts", len(rep.Hosts)))
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
