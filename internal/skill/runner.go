package skill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flowbot/internal/domain"
	"flowbot/internal/event"

	"github.com/google/uuid"
)

// Runner executes skills step by step, threading the environment through
// and emitting the ordered event stream. One Runner serves many concurrent
// runs; each run owns its environment and emitter.
type Runner struct {
	skills   *Registry
	steps    *StepExecutor
	sinks    []domain.EventSink
	logger   *slog.Logger
	excluded map[string]struct{}
	budget   time.Duration
}

// RunnerConfig wires the runner's collaborators.
type RunnerConfig struct {
	Skills   *Registry
	Provider domain.CapabilityProvider
	Sinks    []domain.EventSink
	Logger   *slog.Logger

	// Excluded skills short-circuit to a successful zero-step result.
	// Safety valve for automated invocation of skills with side effects.
	Excluded []string

	// RetryBackoff is the delay between retry attempts (0 = immediate).
	RetryBackoff time.Duration

	// RunBudget caps a run's wall clock, checked between steps (0 = none).
	RunBudget time.Duration
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	excluded := make(map[string]struct{}, len(cfg.Excluded))
	for _, name := range cfg.Excluded {
		excluded[name] = struct{}{}
	}
	return &Runner{
		skills:   cfg.Skills,
		steps:    NewStepExecutor(cfg.Provider, logger, cfg.RetryBackoff),
		sinks:    cfg.Sinks,
		logger:   logger,
		excluded: excluded,
		budget:   cfg.RunBudget,
	}
}

// Run executes the named skill with the given input bindings.
//
// Only pre-execution failures (unknown skill) return a non-nil error; once
// execution starts every outcome is captured in the SkillResult so the
// caller always gets a complete, inspectable result.
func (r *Runner) Run(ctx context.Context, skillName string, inputs map[string]any) (*domain.SkillResult, error) {
	started := time.Now()

	def, ok := r.skills.Get(skillName)
	if !ok {
		result := &domain.SkillResult{
			SkillName:  skillName,
			Error:      fmt.Sprintf("skill not found: %s", skillName),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
		return result, fmt.Errorf("%w: %s", domain.ErrSkillNotFound, skillName)
	}

	runID := uuid.NewString()
	em := event.NewEmitter(runID, skillName, r.sinks, r.logger)
	result := &domain.SkillResult{
		RunID:     runID,
		SkillName: skillName,
		StartedAt: started,
	}

	if _, skip := r.excluded[skillName]; skip {
		r.logger.Info("skill excluded by policy", "skill", skillName, "run", runID)
		em.Skill(domain.EventSkillStart, map[string]any{"excluded": true})
		em.Skill(domain.EventSkillComplete, map[string]any{"success": true, "excluded": true})
		result.Success = true
		result.Error = domain.ResultExcluded
		result.FinishedAt = time.Now()
		return result, nil
	}

	env := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		env[k] = v
	}
	env["inputs"] = inputs

	r.logger.Info("executing skill", "skill", skillName, "run", runID, "steps", len(def.Steps))
	em.Skill(domain.EventSkillStart, map[string]any{"steps": len(def.Steps)})

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			result.Error = domain.ResultCancelled
			em.Skill(domain.EventNotice, map[string]any{"reason": "cancelled", "next_step": i})
			break
		}
		if r.budget > 0 && time.Since(started) > r.budget {
			result.Error = "run budget exceeded"
			em.Skill(domain.EventNotice, map[string]any{"reason": "budget exceeded", "next_step": i})
			break
		}

		label := step.Label()
		em.Step(domain.EventStepStart, i, label, map[string]any{"capability": step.Capability()})

		outcome := r.steps.Execute(ctx, em, i, step, env)
		res := outcome.result
		result.StepResults = append(result.StepResults, res)

		switch {
		case res.Skipped:
			result.StepsSkipped++
			em.Step(domain.EventStepSkipped, i, label, map[string]any{"reason": res.SkipReason})
		case res.Success:
			result.StepsPassed++
			em.Step(domain.EventStepComplete, i, label, map[string]any{
				"output":      res.Output,
				"duration_ms": res.Duration.Milliseconds(),
			})
			if step.Output != "" {
				env[step.Output] = outcome.value
			}
		default:
			result.StepsFailed++
			em.Step(domain.EventStepFailed, i, label, map[string]any{
				"error":       res.Error,
				"duration_ms": res.Duration.Milliseconds(),
			})
		}

		if outcome.abort {
			r.logger.Warn("skill aborted", "skill", skillName, "run", runID, "step", label, "err", res.Error)
			break
		}
	}

	result.StepsTotal = len(result.StepResults)
	result.Success = result.StepsFailed == 0 && result.Error == ""
	result.FinishedAt = time.Now()

	em.Skill(domain.EventSkillComplete, map[string]any{
		"success":       result.Success,
		"steps_passed":  result.StepsPassed,
		"steps_failed":  result.StepsFailed,
		"steps_skipped": result.StepsSkipped,
	})
	r.logger.Info("skill finished", "skill", skillName, "run", runID,
		"success", result.Success, "passed", result.StepsPassed,
		"failed", result.StepsFailed, "skipped", result.StepsSkipped)

	return result, nil
}
