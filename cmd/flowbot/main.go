package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flowbot/internal/config"
	"flowbot/internal/domain"
	"flowbot/internal/event"
	"flowbot/internal/history"
	"flowbot/internal/skill"
	"flowbot/internal/tool"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "flowbot",
		Short:   "FlowBot: skill-based workflow automation",
		Long:    "FlowBot runs declarative YAML skills: ordered steps that call registered capabilities, bind outputs, and gate on conditions.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.flowbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(skillsCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
		cfg.Skills.Dir = config.ExpandPath(cfg.Skills.Dir)
		cfg.History.DBPath = config.ExpandPath(cfg.History.DBPath)
		return cfg
	}
	applyLogLevel(cfg.General.LogLevel)
	return cfg
}

func applyLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

const sampleSkill = `name: hello
description: Smallest possible skill. Run it to check the engine works.
steps:
  - name: greet
    compute: echo
    args:
      msg: "hello from flowbot"
    output: greeting
  - name: shout
    compute: echo
    condition: "{{ greeting }}"
    args:
      msg: "{{ greeting }}!"
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config, workspace, and skills directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			skillsDir := config.ExpandPath(cfg.Skills.Dir)
			if err := os.MkdirAll(skillsDir, 0o755); err != nil {
				return err
			}
			samplePath := filepath.Join(skillsDir, "hello.yaml")
			if _, err := os.Stat(samplePath); os.IsNotExist(err) {
				if err := os.WriteFile(samplePath, []byte(sampleSkill), 0o644); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace, "skills", skillsDir)
			return nil
		},
	}
}

// registerTools creates the capability registry from config.
func registerTools(cfg *config.Config) *tool.Registry {
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewShellTool(tool.ShellConfig{
		WorkingDir:     cfg.General.Workspace,
		TimeoutSeconds: cfg.Tools.Shell.Timeout,
		MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
	}))
	reg.Register(tool.NewReadFileTool(cfg.General.Workspace))
	reg.Register(tool.NewWriteFileTool(cfg.General.Workspace))
	reg.Register(tool.NewListDirTool(cfg.General.Workspace))
	reg.Register(tool.NewEchoTool())
	reg.Register(tool.NewTextJoinTool())
	if cfg.Tools.HTTP.Enabled {
		reg.Register(tool.NewHTTPRequestTool())
	}
	return reg
}

// buildRunner assembles the skill runner from config. The returned store is
// nil when history is disabled; the caller closes it.
func buildRunner(cfg *config.Config) (*skill.Runner, *history.Store, error) {
	registry := skill.NewRegistry(logger)
	if err := registry.LoadInto(cfg.Skills.Dir); err != nil {
		return nil, nil, fmt.Errorf("load skills from %s: %w", cfg.Skills.Dir, err)
	}

	sinks := []domain.EventSink{event.NewSlogSink(logger)}
	var store *history.Store
	if cfg.History.Enabled {
		var err error
		store, err = history.NewStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open history store: %w", err)
		}
		sinks = append(sinks, store)
	}

	runner := skill.NewRunner(skill.RunnerConfig{
		Skills:       registry,
		Provider:     registerTools(cfg),
		Sinks:        sinks,
		Logger:       logger,
		Excluded:     cfg.Skills.Exclude,
		RetryBackoff: time.Duration(cfg.Skills.RetryBackoffMs) * time.Millisecond,
		RunBudget:    time.Duration(cfg.Skills.RunBudgetSeconds) * time.Second,
	})
	return runner, store, nil
}

// parseInputs converts repeated key=value flags into an input map. Values
// that parse as JSON keep their native type; everything else is a string.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q (expected key=value)", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			inputs[key] = parsed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}

func printResult(res *domain.SkillResult, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	status := "OK"
	if !res.Success {
		status = "FAILED"
	}
	fmt.Printf("%s  %s  run=%s  steps=%d passed=%d failed=%d skipped=%d  %s\n",
		status, res.SkillName, res.RunID,
		res.StepsTotal, res.StepsPassed, res.StepsFailed, res.StepsSkipped,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Error != "" {
		fmt.Printf("  error: %s\n", res.Error)
	}
	for _, sr := range res.StepResults {
		mark := "+"
		switch {
		case sr.Skipped:
			mark = "~"
		case !sr.Success:
			mark = "x"
		}
		fmt.Printf("  [%s] %s (%s)\n", mark, sr.StepName, sr.Duration.Round(time.Millisecond))
		if sr.Error != "" {
			fmt.Printf("      error: %s\n", sr.Error)
		}
		if sr.SkipReason != "" {
			fmt.Printf("      skipped: %s\n", sr.SkipReason)
		}
	}
	return nil
}

func runCmd() *cobra.Command {
	var (
		inputPairs []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "run [skill]",
		Short: "Run a skill by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()

			inputs, err := parseInputs(inputPairs)
			if err != nil {
				return err
			}

			runner, store, err := buildRunner(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			ctx, stop := notifyContext()
			defer stop()

			res, err := runner.Run(ctx, args[0], inputs)
			if err != nil {
				return err
			}
			if store != nil {
				if err := store.SaveResult(res); err != nil {
					logger.Warn("failed to persist run", "run", res.RunID, "err", err)
				}
			}
			if err := printResult(res, asJSON); err != nil {
				return err
			}
			if !res.Success {
				// Non-zero exit without cobra re-printing the failure.
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return fmt.Errorf("skill %s failed", res.SkillName)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "input binding key=value (repeatable; JSON values keep their type)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect available skills",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List skills in the configured skills directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			registry := skill.NewRegistry(logger)
			if err := registry.LoadInto(cfg.Skills.Dir); err != nil {
				return err
			}
			defs := registry.List()
			if len(defs) == 0 {
				fmt.Println("no skills found in", cfg.Skills.Dir)
				return nil
			}
			for _, def := range defs {
				fmt.Printf("%-24s %2d steps  %s\n", def.Name, len(def.Steps), def.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a skill definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := skill.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("OK  %s (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent skill runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, run := range runs {
				status := "OK"
				if !run.Success {
					status = "FAILED"
				}
				fmt.Printf("%s  %-6s %-24s steps=%d passed=%d failed=%d skipped=%d  %s\n",
					run.StartedAt.Format(time.RFC3339), status, run.SkillName,
					run.StepsTotal, run.StepsPassed, run.StepsFailed, run.StepsSkipped, run.RunID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show [run-id]",
		Short: "Show the event stream of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.RunEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no events for run", args[0])
				return nil
			}
			for _, ev := range events {
				step := ""
				if ev.StepName != "" {
					step = "  step=" + ev.StepName
				}
				fmt.Printf("%3d  %-14s %s%s\n", ev.Seq, ev.Type, ev.Timestamp.Format(time.RFC3339Nano), step)
				if len(ev.Data) > 0 {
					data, _ := json.Marshal(ev.Data)
					fmt.Printf("     %s\n", data)
				}
			}
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. skills.dir)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. skills.retryBackoffMs 1000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
