// Package scheduler triggers skill runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"flowbot/internal/domain"

	"github.com/robfig/cron/v3"
)

// SkillRunner is the slice of the engine the scheduler needs.
type SkillRunner interface {
	Run(ctx context.Context, skillName string, inputs map[string]any) (*domain.SkillResult, error)
}

// Entry is one scheduled skill run.
type Entry struct {
	Name   string
	Skill  string
	Cron   string
	Inputs map[string]any
}

// Scheduler fires skills on their cron schedules until its context ends.
type Scheduler struct {
	cron    *cron.Cron
	runner  SkillRunner
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	entries []Entry
}

func New(runner SkillRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a schedule entry. Standard 5-field cron specs plus the
// @every/@daily descriptors supported by robfig/cron.
func (s *Scheduler) Add(e Entry) error {
	if e.Skill == "" {
		return fmt.Errorf("schedule %q: skill is required", e.Name)
	}
	if _, err := s.cron.AddFunc(e.Cron, func() { s.fire(e) }); err != nil {
		return fmt.Errorf("schedule %q: invalid cron spec %q: %w", e.Name, e.Cron, err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	s.logger.Info("schedule added", "name", e.Name, "skill", e.Skill, "cron", e.Cron)
	return nil
}

// Entries returns the registered schedules.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Scheduler) fire(e Entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("scheduled run starting", "name", e.Name, "skill", e.Skill)
	res, err := s.runner.Run(ctx, e.Skill, e.Inputs)
	if err != nil {
		s.logger.Error("scheduled run failed to start", "name", e.Name, "skill", e.Skill, "err", err)
		return
	}
	s.logger.Info("scheduled run finished", "name", e.Name, "skill", e.Skill,
		"run", res.RunID, "success", res.Success,
		"passed", res.StepsPassed, "failed", res.StepsFailed, "skipped", res.StepsSkipped)
}

// Start runs the scheduler until ctx is cancelled, then waits for any
// in-flight jobs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("starting scheduler", "entries", len(s.Entries()))
	s.cron.Start()
	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
}
