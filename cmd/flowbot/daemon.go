package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flowbot/internal/domain"
	"flowbot/internal/history"
	"flowbot/internal/scheduler"
	"flowbot/internal/skill"

	"github.com/spf13/cobra"
)

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// persistingRunner saves each scheduled run's result to the history store.
type persistingRunner struct {
	runner *skill.Runner
	store  *history.Store
}

func (p *persistingRunner) Run(ctx context.Context, skillName string, inputs map[string]any) (*domain.SkillResult, error) {
	res, err := p.runner.Run(ctx, skillName, inputs)
	if err != nil {
		return nil, err
	}
	if p.store != nil {
		if serr := p.store.SaveResult(res); serr != nil {
			logger.Warn("failed to persist run", "run", res.RunID, "err", serr)
		}
	}
	return res, nil
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled skills until interrupted",
		Long:  "Starts the cron scheduler with the schedules from config. Press Ctrl+C to stop.",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg := loadConfigOrDefaults()

	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("no schedules configured in %s", cfgPath)
	}

	runner, store, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	sched := scheduler.New(&persistingRunner{runner: runner, store: store}, logger)
	for _, sc := range cfg.Schedules {
		if err := sched.Add(scheduler.Entry{
			Name:   sc.Name,
			Skill:  sc.Skill,
			Cron:   sc.Cron,
			Inputs: sc.Inputs,
		}); err != nil {
			return err
		}
	}

	ctx, stop := notifyContext()
	defer stop()

	logger.Info("daemon started", "schedules", len(cfg.Schedules), "version", version)
	sched.Start(ctx)
	logger.Info("daemon stopped")
	return nil
}
