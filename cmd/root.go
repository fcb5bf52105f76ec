package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/ledger"
	"github.com/pokemon-ai/multirunner/runner/linechan"
	"github.com/pokemon-ai/multirunner/runner/trace"
)

var (
	logLevel   string // Log verbosity level
	configPath string // YAML or TOML config file

	// CLI overrides for the config file and MULTIRUNNER_* environment
	engineName  string        // Engine to run sessions on
	unbounded   bool          // Skip the count line and run until input ends
	debug       bool          // Write per-tag diagnostics files
	debugDir    string        // Directory for diagnostics files
	execCommand string        // Engine executable (exec engine)
	execArgs    []string      // Engine arguments (exec engine)
	execDir     string        // Engine working directory (exec engine)
	stopTimeout time.Duration // Grace period before killing a session process
	luaScript   string        // Script path (lua engine)
	luaWatch    bool          // Reload the script when it changes (lua engine)
	ledgerPath  string        // SQLite ledger of iterations
	runID       string        // Identifier stamped on ledger rows
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "multirunner",
	Short: "Run many isolated battle-simulator sessions over one stdio stream",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		logrus.SetOutput(os.Stderr)
	},
}

// runCmd drives the supervisor over stdin and stdout
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run battles read from stdin, framing each one with START/END on stdout",
	Long: `Reads a repetition count, then one block of simulator commands per battle,
each block ending with a line that contains the 0x04 byte. Every battle runs in
a fresh engine session; its output is written to stdout between START and END
lines. With --unbounded the count line is skipped and battles run until stdin
ends.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig(cmd.Flags())
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		summary, err := runBattles(ctx, cfg, os.Stdin, os.Stdout)
		stop()
		if summary != nil {
			logSummary(summary)
		}
		if err != nil {
			logrus.Fatalf("Run failed: %v", err)
		}
	},
}

// runBattles builds the engine, ledger and diagnostics from cfg and runs the
// supervisor until it finishes. The summary is returned even on failure.
func runBattles(ctx context.Context, cfg runner.Config, in io.Reader, out io.Writer) (*trace.RunSummary, error) {
	engine, err := runner.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if closer, ok := engine.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logrus.Warnf("close engine: %v", err)
			}
		}()
	}

	var opts []runner.Option
	if cfg.Unbounded {
		opts = append(opts, runner.WithUnbounded())
	}
	if cfg.Diagnostics.Enabled {
		opts = append(opts, runner.WithDiagnostics(trace.NewFileSink(cfg.Diagnostics.Dir)))
	}
	if cfg.RunID != "" {
		opts = append(opts, runner.WithRunID(cfg.RunID))
	}
	if cfg.Ledger.Path != "" {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logrus.Warnf("close ledger: %v", err)
			}
		}()
		opts = append(opts, runner.WithLedger(store))
	}

	logrus.Infof("Starting run on engine %s", engine.Name())
	s := runner.New(engine, linechan.NewReader(in), linechan.NewWriter(out), opts...)
	runErr := s.Run(ctx)
	summary := trace.Summarize(s.Trace())
	if errors.Is(runErr, context.Canceled) {
		logrus.Warn("Run interrupted")
	}
	return summary, runErr
}

func logSummary(summary *trace.RunSummary) {
	logrus.WithFields(logrus.Fields{
		"iterations":     summary.TotalIterations,
		"completed":      summary.CompletedCount,
		"failed":         summary.FailedCount,
		"lines_in":       summary.InboundLines,
		"lines_out":      summary.OutboundLines,
		"lines_skipped":  summary.SkippedLines,
		"total_duration": summary.TotalDuration,
		"mean_duration":  summary.MeanDuration,
		"max_duration":   summary.MaxDuration,
	}).Info("Run complete.")
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindRunFlags registers the run flags on fs, bound to the package variables.
func bindRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "Path to a YAML or TOML config file")
	fs.StringVar(&engineName, "engine", "", "Engine to run sessions on (exec, lua)")
	fs.BoolVar(&unbounded, "unbounded", false, "Skip the count line and run one battle per block until stdin ends")
	fs.BoolVar(&debug, "debug", false, "Append relay traffic to <debug-dir>/<tag>.log")
	fs.StringVar(&debugDir, "debug-dir", "", "Directory for diagnostics files")
	fs.StringVar(&execCommand, "exec-cmd", "", "Engine executable for the exec engine")
	fs.StringArrayVar(&execArgs, "exec-arg", nil, "Argument for the engine executable (can be repeated)")
	fs.StringVar(&execDir, "exec-dir", "", "Working directory for the engine executable")
	fs.DurationVar(&stopTimeout, "stop-timeout", 0, "Grace period before a session process is killed")
	fs.StringVar(&luaScript, "script", "", "Script for the lua engine")
	fs.BoolVar(&luaWatch, "watch", false, "Reload the lua script for the next battle when it changes")
	fs.StringVar(&ledgerPath, "ledger", "", "SQLite file recording every iteration")
	fs.StringVar(&runID, "run-id", "", "Run identifier for ledger rows (default: start timestamp)")
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	bindRunFlags(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
}
