package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// exitError carries a specific exit code out of a command. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var (
	cfgFile      string
	verbose      bool
	cfg          *config.Config
	log          *zap.Logger
	otelShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "esxi-patcher",
	Short: "Patch and reboot VMware ESXi hosts one at a time",
	Long: `esxi-patcher installs an offline bundle, VIB or ISO image on every
configured ESXi host and reboots it safely.

For each host it enables the shell services, uploads the patch to a
datastore, stops the virtual machines (standalone hosts) or relies on the
cluster to move them, enters maintenance mode, installs, reboots, waits for
the host to come back and restores the previous state.

Running without a subcommand is the same as "esxi-patcher run".`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that handle their own config
		if cmd.Name() == "version" || cmd.Name() == "migrate-config" {
			return nil
		}

		log = newLogger(verbose)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Settings.LogFile != "" {
			log = newLogger(verbose, cfg.Settings.LogFile)
		}

		otelShutdown, err = telemetry.Init(context.Background(), &cfg.Telemetry, verbose)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
	RunE: runPatch,
}

func shutdown() error {
	if log != nil {
		_ = log.Sync()
	}
	if otelShutdown != nil {
		err := otelShutdown(context.Background())
		otelShutdown = nil
		return err
	}
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	// PersistentPostRunE does not run after a failed RunE.
	_ = shutdown()

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return ExitFailure
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.FindConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *zap.Logger {
	return log
}

// newLogger builds the console logger. Extra paths receive the same output.
func newLogger(verbose bool, paths ...string) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      append([]string{"stdout"}, paths...),
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: cannot open log file, logging to stdout only: %s\n", err)
		cfg.OutputPaths = []string{"stdout"}
		logger, _ = cfg.Build()
	}
	return logger
}
