package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"flowbot/internal/domain"
	"flowbot/internal/eval"
	"flowbot/internal/event"
)

const maxStepOutputBytes = 65536

// StepExecutor runs a single step against the current environment.
// Per step: PENDING → {SKIPPED | RUNNING} → {SUCCEEDED | FAILED}, with
// FAILED → RETRYING → RUNNING while the retry budget lasts.
type StepExecutor struct {
	provider domain.CapabilityProvider
	logger   *slog.Logger
	backoff  time.Duration
}

func NewStepExecutor(provider domain.CapabilityProvider, logger *slog.Logger, backoff time.Duration) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{provider: provider, logger: logger, backoff: backoff}
}

// stepOutcome carries everything the runner needs to advance: the recorded
// result, the native value to bind (only meaningful on success), and
// whether the run must stop here.
type stepOutcome struct {
	result domain.StepResult
	value  any
	abort  bool
}

// Execute runs one step. It never returns an error: every failure mode is
// folded into the StepResult so the runner's control flow is purely
// data-driven.
func (e *StepExecutor) Execute(ctx context.Context, em *event.Emitter, index int, step domain.StepDefinition, env map[string]any) stepOutcome {
	start := time.Now()
	label := step.Label()

	if step.Condition != "" {
		ok, diag := eval.Condition(step.Condition, env)
		if !ok {
			reason := "condition evaluated to false"
			if diag != "" {
				reason = diag
			}
			e.logger.Debug("step skipped", "step", label, "reason", reason)
			return stepOutcome{result: domain.StepResult{
				StepName:   label,
				Success:    true,
				Skipped:    true,
				SkipReason: reason,
				Duration:   time.Since(start),
			}}
		}
	}

	args, diags := eval.ResolveArgs(step.Args, env)
	for _, d := range diags {
		e.logger.Warn("argument template degraded", "step", label, "diag", d)
		em.Step(domain.EventNotice, index, label, map[string]any{"diagnostic": d})
	}

	capability := step.Capability()
	attempts := 1
	if step.OnError == domain.ErrorRetry && step.RetryCount > 0 {
		attempts += step.RetryCount
	}

	var output string
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			em.Step(domain.EventRetry, index, label, map[string]any{
				"attempt":     attempt,
				"max_retries": step.RetryCount,
			})
			if !e.waitBackoff(ctx) {
				err = ctx.Err()
				break
			}
		}
		// Arguments are resolved once; retries reuse them verbatim.
		output, err = e.invoke(ctx, capability, args)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrUnknownCapability) {
			break // nothing to retry
		}
		e.logger.Warn("step attempt failed", "step", label, "capability", capability, "attempt", attempt+1, "err", err)
	}

	if err != nil {
		return stepOutcome{
			result: domain.StepResult{
				StepName: label,
				Error:    truncate(err.Error()),
				Duration: time.Since(start),
			},
			abort: shouldAbort(step, err),
		}
	}

	return stepOutcome{
		result: domain.StepResult{
			StepName: label,
			Success:  true,
			Output:   truncate(output),
			Duration: time.Since(start),
		},
		value: parseOutput(output),
	}
}

// invoke calls the capability provider, converting panics into failures so
// a misbehaving capability can never crash the run.
func (e *StepExecutor) invoke(ctx context.Context, name string, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", name, r)
		}
	}()
	return e.provider.Execute(ctx, name, args)
}

func (e *StepExecutor) waitBackoff(ctx context.Context) bool {
	if e.backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// shouldAbort applies the step's error policy to a settled failure.
// Unknown capabilities never retry; abort/continue still applies.
func shouldAbort(step domain.StepDefinition, err error) bool {
	switch step.OnError {
	case domain.ErrorContinue:
		return false
	case domain.ErrorRetry:
		if errors.Is(err, domain.ErrUnknownCapability) {
			return true
		}
		return step.OnRetryExhausted != domain.ErrorContinue
	default:
		return true
	}
}

// parseOutput sniffs JSON objects/arrays in capability output so later
// steps can path into structured results; anything else binds as a string.
func parseOutput(output string) any {
	trimmed := strings.TrimSpace(output)
	if len(trimmed) == 0 {
		return output
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return output
}

func truncate(s string) string {
	if len(s) <= maxStepOutputBytes {
		return s
	}
	return s[:maxStepOutputBytes] + "\n... (truncated)"
}
