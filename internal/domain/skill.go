package domain

import (
	"errors"
	"time"
)

// Sentinel errors surfaced before a run starts. Everything that happens
// during a run is reported through StepResult/SkillResult instead.
var (
	ErrMalformedDefinition = errors.New("malformed skill definition")
	ErrInvalidSkill        = errors.New("invalid skill")
	ErrSkillNotFound       = errors.New("skill not found")
	ErrUnknownCapability   = errors.New("unknown capability")
)

// Markers recorded in SkillResult.Error for runs that never failed a step
// but did not execute normally.
const (
	ResultExcluded  = "EXCLUDED"
	ResultCancelled = "CANCELLED"
)

// ErrorPolicy controls what the runner does after a step fails.
type ErrorPolicy string

const (
	ErrorAbort    ErrorPolicy = "abort"
	ErrorContinue ErrorPolicy = "continue"
	ErrorRetry    ErrorPolicy = "retry"
)

// StepDefinition is one unit of work inside a skill: a tool call or a
// compute call, optionally gated by a condition.
type StepDefinition struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Tool        string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Compute     string         `yaml:"compute,omitempty" json:"compute,omitempty"`
	Args        map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Condition   string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Output      string         `yaml:"output,omitempty" json:"output,omitempty"`
	OnError     ErrorPolicy    `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	RetryCount  int            `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`

	// OnRetryExhausted decides abort vs continue once all retries failed.
	// Empty means abort.
	OnRetryExhausted ErrorPolicy `yaml:"on_retry_exhausted,omitempty" json:"on_retry_exhausted,omitempty"`
}

// Label returns the step's display identifier: name, falling back to id.
func (s StepDefinition) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Capability returns the capability name the step invokes (tool or compute).
func (s StepDefinition) Capability() string {
	if s.Tool != "" {
		return s.Tool
	}
	return s.Compute
}

// SkillDefinition is a named, declarative multi-step workflow.
// Immutable after loading; step order is execution order.
type SkillDefinition struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`
}

// StepResult records the outcome of a single step.
// Skipped implies Success: a gated-off step is not a failure.
type StepResult struct {
	StepName   string        `json:"step_name"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SkillResult aggregates a whole run. StepResults mirrors execution order;
// steps after an abort never appear.
type SkillResult struct {
	RunID        string       `json:"run_id"`
	SkillName    string       `json:"skill_name"`
	Success      bool         `json:"success"`
	StepsTotal   int          `json:"steps_total"`
	StepsPassed  int          `json:"steps_passed"`
	StepsFailed  int          `json:"steps_failed"`
	StepsSkipped int          `json:"steps_skipped"`
	StepResults  []StepResult `json:"step_results"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}
