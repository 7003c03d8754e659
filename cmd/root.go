// Package cmd implements the judgerun CLI: the hidden self-exec worker
// mode, and operator-facing commands for exercising the run subsystem
// outside the full contest web front-end.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"judgerun/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags.
var (
	globalConfig    string
	globalRoot      string
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for judgerun.
var rootCmd = &cobra.Command{
	Use:   "judgerun",
	Short: "Sandboxed contest submission runner",
	Long: `judgerun executes contest submissions against test cases under Linux
namespace, mount, and seccomp isolation.

It is the run subsystem of a larger contest judge: the web front-end,
problem/contest domain model, and persistence layer are external
collaborators that hand this process a fully-resolved job request and
receive verdicts back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetWorkersParentOverride returns the --root override for
// isolation.workers_parent, or "" if unset.
func GetWorkersParentOverride() string {
	return globalRoot
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfig, "config", "/etc/judgerun/config.toml", "path to the run subsystem's TOML configuration")
	rootCmd.PersistentFlags().StringVar(&globalRoot, "root", "", "override isolation.workers_parent from the config file")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	logOutput := os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	if globalLogFormat == "json" || globalLog != "" || globalDebug {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: globalLogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}
