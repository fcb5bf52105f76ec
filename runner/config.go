package runner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the run configuration, loadable from a YAML or TOML file and
// overridable from MULTIRUNNER_* environment variables.
type Config struct {
	Engine      string            `yaml:"engine" toml:"engine" json:"engine" env:"ENGINE" jsonschema:"description=Registered engine that runs each battle"`
	Unbounded   bool              `yaml:"unbounded" toml:"unbounded" json:"unbounded,omitempty" env:"UNBOUNDED" jsonschema:"description=Skip the count line and run until input ends"`
	RunID       string            `yaml:"run_id" toml:"run_id" json:"run_id,omitempty" env:"RUN_ID" jsonschema:"description=Identifier stamped on iteration records; defaults to the run start time"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" toml:"diagnostics" json:"diagnostics" envPrefix:"DEBUG_"`
	Exec        ExecConfig        `yaml:"exec" toml:"exec" json:"exec" envPrefix:"EXEC_"`
	Lua         LuaConfig         `yaml:"lua" toml:"lua" json:"lua" envPrefix:"LUA_"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger" json:"ledger" envPrefix:"LEDGER_"`
}

// DiagnosticsConfig controls the advisory per-tag traffic logs.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled,omitempty" env:"ENABLED"`
	Dir     string `yaml:"dir" toml:"dir" json:"dir,omitempty" env:"DIR"`
}

// ExecConfig configures the exec engine.
type ExecConfig struct {
	Command     string            `yaml:"command" toml:"command" json:"command,omitempty" env:"COMMAND"`
	Args        []string          `yaml:"args" toml:"args" json:"args,omitempty" env:"ARGS" envSeparator:" "`
	Dir         string            `yaml:"dir" toml:"dir" json:"dir,omitempty" env:"DIR"`
	Env         map[string]string `yaml:"env" toml:"env" json:"env,omitempty" env:"ENV"`
	StopTimeout time.Duration     `yaml:"stop_timeout" toml:"stop_timeout" json:"stop_timeout,omitempty" env:"STOP_TIMEOUT"`
}

// LuaConfig configures the lua engine.
type LuaConfig struct {
	Script string `yaml:"script" toml:"script" json:"script,omitempty" env:"SCRIPT"`
	Watch  bool   `yaml:"watch" toml:"watch" json:"watch,omitempty" env:"WATCH"`
}

// LedgerConfig configures the optional SQLite iteration ledger.
type LedgerConfig struct {
	Path string `yaml:"path" toml:"path" json:"path,omitempty" env:"PATH"`
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		Engine: "exec",
		Diagnostics: DiagnosticsConfig{
			Dir: ".",
		},
		Exec: ExecConfig{
			StopTimeout: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file into cfg.
// Keys missing from the file keep their current values; unknown keys are
// rejected so typos fail loudly.
func LoadConfig(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return fmt.Errorf("parsing config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return nil
}

// Validate checks the engine name and the settings the selected engine needs.
func (c *Config) Validate() error {
	if !IsValidEngine(c.Engine) {
		return fmt.Errorf("unknown engine %q (registered: %v)", c.Engine, EngineNames())
	}
	switch c.Engine {
	case "exec":
		if strings.TrimSpace(c.Exec.Command) == "" {
			return fmt.Errorf("exec engine: command is required")
		}
	case "lua":
		if strings.TrimSpace(c.Lua.Script) == "" {
			return fmt.Errorf("lua engine: script is required")
		}
	}
	if c.Exec.StopTimeout < 0 {
		return fmt.Errorf("exec.stop_timeout must be >= 0, got %v", c.Exec.StopTimeout)
	}
	if c.Diagnostics.Enabled && strings.TrimSpace(c.Diagnostics.Dir) == "" {
		return fmt.Errorf("diagnostics.dir is required when diagnostics are enabled")
	}
	return nil
}
