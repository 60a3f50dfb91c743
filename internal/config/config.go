package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for FlowBot.
type Config struct {
	General   GeneralConfig    `json:"general"`
	Skills    SkillsConfig     `json:"skills"`
	Tools     ToolsConfig      `json:"tools"`
	History   HistoryConfig    `json:"history"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// SkillsConfig controls where skill definitions are loaded from and how
// runs behave.
type SkillsConfig struct {
	Dir              string   `json:"dir"`
	Exclude          []string `json:"exclude,omitempty"` // skill names that always short-circuit
	RetryBackoffMs   int      `json:"retryBackoffMs"`
	RunBudgetSeconds int      `json:"runBudgetSeconds"` // 0 = no wall-clock budget
}

type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell"`
	HTTP  HTTPToolConfig  `json:"http"`
}

type ShellToolConfig struct {
	Timeout        int `json:"timeout"`
	MaxOutputBytes int `json:"maxOutputBytes"`
}

type HTTPToolConfig struct {
	Enabled bool `json:"enabled"`
}

// HistoryConfig controls run/event persistence.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// ScheduleConfig binds a cron expression to a skill run.
type ScheduleConfig struct {
	Name   string         `json:"name"`
	Skill  string         `json:"skill"`
	Cron   string         `json:"cron"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.flowbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowbot"
	}
	return filepath.Join(home, ".flowbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Skills.Dir = ExpandPath(cfg.Skills.Dir)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Skills.RetryBackoffMs < 0 {
		errs = append(errs, "skills.retryBackoffMs must be >= 0")
	}
	if cfg.Skills.RunBudgetSeconds < 0 {
		errs = append(errs, "skills.runBudgetSeconds must be >= 0")
	}
	if cfg.Tools.Shell.Timeout < 1 {
		errs = append(errs, "tools.shell.timeout must be >= 1")
	}

	seen := make(map[string]bool)
	for i, sched := range cfg.Schedules {
		if sched.Skill == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d]: skill is required", i))
		}
		if sched.Cron == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d]: cron is required", i))
		}
		if sched.Name != "" && seen[sched.Name] {
			errs = append(errs, fmt.Sprintf("schedules[%d]: duplicate name %q", i, sched.Name))
		}
		seen[sched.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
