package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ikaken/live-scratch/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run even when the config
// file is missing or broken. They get a CLIContext with a nil Cfg.
const skipConfigAnnotation = "skipConfig"

// Log rotation limits for log_file.
const (
	logFileMaxSizeMB  = 20
	logFileMaxBackups = 5
)

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	Workspace  string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in PersistentPreRunE and carried on the command
// context to every subcommand.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Every
// subcommand runs after it, so a missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:   "live-scratch",
		Short: "Live-sync a Scratch project with a folder of files",
		Long: `live-scratch keeps a Scratch project in the browser editor and a flat
workspace folder in sync. Edits saved in the editor are unpacked into the
folder; files changed in the folder are packed and pushed to the editor.`,
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVarP(&flags.Workspace, "workspace", "w", "", "workspace directory")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPackCmd())
	cmd.AddCommand(newUnpackCmd())
	cmd.AddCommand(newOpenCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newWorkspaceCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves configuration and builds the logger for cmd.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cc := &CLIContext{Flags: flags}

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cc.Logger = bootstrapLogger(flags)
		return cc, nil
	}

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only override the workspace if the flag was given explicitly.
	if cmd.Flags().Changed("workspace") {
		cli.Workspace = &flags.Workspace
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		v := f.Value.String()
		cli.ListenAddr = &v
	}

	if f := cmd.Flags().Lookup("static-dir"); f != nil && f.Changed {
		v := f.Value.String()
		cli.StaticDir = &v
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = resolved
	cc.Logger = buildLogger(&resolved.Logging, flags, os.Stderr)

	return cc, nil
}

// bootstrapLogger is used by commands that run without a resolved config.
func bootstrapLogger(flags CLIFlags) *slog.Logger {
	return buildLogger(&config.LoggingConfig{LogLevel: "warn", LogFormat: "text"}, flags, os.Stderr)
}

// buildLogger creates an slog.Logger from the logging config and CLI flags.
// The config level is the baseline; --verbose and --quiet override it
// because CLI flags always win. With log_file set, output goes to a rotated
// file instead of stderr.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr io.Writer) *slog.Logger {
	level := parseLevel(lc.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var (
		w        = stderr
		terminal = isTerminal(stderr)
	)

	if lc.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   lc.LogFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     lc.LogRetentionDays,
			Compress:   true,
		}
		terminal = false
	}

	switch lc.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}

	// auto: text for a person at a terminal, JSON for files and pipes.
	if terminal {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
