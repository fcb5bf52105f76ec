package cmd

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/pokemon-ai/multirunner/runner"
)

// envPrefix is prepended to every environment override.
const envPrefix = "MULTIRUNNER_"

// resolveConfig layers defaults, the --config file, MULTIRUNNER_* variables
// and explicitly set flags, in that order, then validates the result.
func resolveConfig(flags *pflag.FlagSet) (runner.Config, error) {
	cfg := runner.DefaultConfig()

	if configPath != "" {
		if err := runner.LoadConfig(configPath, &cfg); err != nil {
			return runner.Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return runner.Config{}, fmt.Errorf("parse env: %w", err)
	}

	applyFlags(flags, &cfg)

	if err := cfg.Validate(); err != nil {
		return runner.Config{}, err
	}
	return cfg, nil
}

// applyFlags copies only the flags the user actually set.
func applyFlags(flags *pflag.FlagSet, cfg *runner.Config) {
	if flags == nil {
		return
	}
	if flags.Changed("engine") {
		cfg.Engine = engineName
	}
	if flags.Changed("unbounded") {
		cfg.Unbounded = unbounded
	}
	if flags.Changed("debug") {
		cfg.Diagnostics.Enabled = debug
	}
	if flags.Changed("debug-dir") {
		cfg.Diagnostics.Dir = debugDir
	}
	if flags.Changed("exec-cmd") {
		cfg.Exec.Command = execCommand
	}
	if flags.Changed("exec-arg") {
		cfg.Exec.Args = execArgs
	}
	if flags.Changed("exec-dir") {
		cfg.Exec.Dir = execDir
	}
	if flags.Changed("stop-timeout") {
		cfg.Exec.StopTimeout = stopTimeout
	}
	if flags.Changed("script") {
		cfg.Lua.Script = luaScript
	}
	if flags.Changed("watch") {
		cfg.Lua.Watch = luaWatch
	}
	if flags.Changed("run-id") {
		cfg.RunID = runID
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Path = ledgerPath
	}
}
