package skill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"flowbot/internal/domain"
	"flowbot/internal/eval"
	"flowbot/internal/event"
)

// fakeProvider is a deterministic CapabilityProvider for engine tests.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(args map[string]any) (string, error)
}

func newFakeProvider() *fakeProvider {
	f := &fakeProvider{handlers: make(map[string]func(map[string]any) (string, error))}
	f.handlers["echo"] = func(args map[string]any) (string, error) {
		return eval.Stringify(args["msg"]), nil
	}
	return f
}

func (f *fakeProvider) Execute(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	h, ok := f.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownCapability, name)
	}
	return h(args)
}

func (f *fakeProvider) Has(name string) bool {
	_, ok := f.handlers[name]
	return ok
}

func (f *fakeProvider) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestRunner(t *testing.T, def *domain.SkillDefinition, provider *fakeProvider, cfg RunnerConfig) (*Runner, *event.MemorySink) {
	t.Helper()
	reg := NewRegistry(testLogger())
	if def != nil {
		if err := Validate(def); err != nil {
			t.Fatalf("test skill invalid: %v", err)
		}
		reg.Register(def)
	}
	sink := event.NewMemorySink()
	cfg.Skills = reg
	cfg.Provider = provider
	cfg.Sinks = append(cfg.Sinks, sink)
	cfg.Logger = testLogger()
	return NewRunner(cfg), sink
}

func eventTypes(sink *event.MemorySink) []domain.EventType {
	events := sink.Events()
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// --- §8 properties ---

func TestRun_AllStepsSucceedInOrder(t *testing.T) {
	def := &domain.SkillDefinition{
		Name: "three_step",
		Steps: []domain.StepDefinition{
			{Name: "s0", Tool: "echo", Args: map[string]any{"msg": "a"}},
			{Name: "s1", Tool: "echo", Args: map[string]any{"msg": "b"}},
			{Name: "s2", Tool: "echo", Args: map[string]any{"msg": "c"}},
		},
	}
	runner, _ := newTestRunner(t, def, newFakeProvider(), RunnerConfig{})

	res, err := runner.Run(context.Background(), "three_step", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.StepsTotal != 3 || res.StepsPassed != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i, want := range []string{"s0", "s1", "s2"} {
		if res.StepResults[i].StepName != want || !res.StepResults[i].Success {
			t.Fatalf("step %d out of order or failed: %+v", i, res.StepResults[i])
		}
	}
}

func TestRun_AbortStopsRemainingSteps(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["fail"] = func(map[string]any) (string, error) {
		return "", errors.New("boom")
	}
	def := &domain.SkillDefinition{
		Name: "aborting",
		Steps: []domain.StepDefinition{
			{Name: "ok", Tool: "echo", Args: map[string]any{"msg": "x"}},
			{Name: "bad", Tool: "fail"},
			{Name: "never", Tool: "echo", Args: map[string]any{"msg": "y"}},
		},
	}
	runner, sink := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "aborting", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.StepResults) != 2 {
		t.Fatalf("steps after abort must not appear, got %d results", len(res.StepResults))
	}
	if provider.callCount("echo") != 1 {
		t.Fatalf("step after abort must not execute, echo called %d times", provider.callCount("echo"))
	}
	types := eventTypes(sink)
	if types[len(types)-1] != domain.EventSkillComplete {
		t.Fatalf("skill_complete must be last, got %v", types)
	}
}

func TestRun_ContinuePolicyProceeds(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["fail"] = func(map[string]any) (string, error) {
		return "", errors.New("boom")
	}
	def := &domain.SkillDefinition{
		Name: "continuing",
		Steps: []domain.StepDefinition{
			{Name: "bad", Tool: "fail", OnError: domain.ErrorContinue, Output: "never_bound"},
			{Name: "after", Tool: "echo", Args: map[string]any{"msg": "x"}},
			{Name: "gated", Tool: "echo", Args: map[string]any{"msg": "y"}, Condition: "never_bound"},
		},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "continuing", nil)
	if res.Success {
		t.Fatal("a failed step must fail the skill even with continue")
	}
	if res.StepsTotal != 3 || res.StepsFailed != 1 || res.StepsPassed != 1 || res.StepsSkipped != 1 {
		t.Fatalf("unexpected tallies: %+v", res)
	}
	// The failed step's output binding must stay unbound, gating step 3 off.
	if !res.StepResults[2].Skipped {
		t.Fatalf("step conditioned on unbound output must skip: %+v", res.StepResults[2])
	}
}

func TestRun_RetrySucceedsOnThirdAttempt(t *testing.T) {
	provider := newFakeProvider()
	attempts := 0
	provider.handlers["flaky"] = func(map[string]any) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	}
	def := &domain.SkillDefinition{
		Name: "retrying",
		Steps: []domain.StepDefinition{
			{Name: "flaky", Tool: "flaky", OnError: domain.ErrorRetry, RetryCount: 2},
		},
	}
	runner, sink := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "retrying", nil)
	if !res.Success {
		t.Fatalf("expected success after retries: %+v", res)
	}

	retries := 0
	sawComplete := false
	for _, ev := range sink.Events() {
		if ev.Type == domain.EventRetry {
			if sawComplete {
				t.Fatal("retry events must precede step_complete")
			}
			retries++
		}
		if ev.Type == domain.EventStepComplete {
			sawComplete = true
		}
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry events, got %d", retries)
	}
}

func TestRun_RetryExhaustedDefaultsToAbort(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["fail"] = func(map[string]any) (string, error) {
		return "", errors.New("boom")
	}
	def := &domain.SkillDefinition{
		Name: "exhausted",
		Steps: []domain.StepDefinition{
			{Name: "bad", Tool: "fail", OnError: domain.ErrorRetry, RetryCount: 1},
			{Name: "never", Tool: "echo", Args: map[string]any{"msg": "x"}},
		},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "exhausted", nil)
	if res.Success || len(res.StepResults) != 1 {
		t.Fatalf("expected abort after exhausted retries: %+v", res)
	}
	if provider.callCount("fail") != 2 {
		t.Fatalf("expected 2 attempts, got %d", provider.callCount("fail"))
	}
}

func TestRun_RetryExhaustedContinuePolicy(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["fail"] = func(map[string]any) (string, error) {
		return "", errors.New("boom")
	}
	def := &domain.SkillDefinition{
		Name: "exhausted_continue",
		Steps: []domain.StepDefinition{
			{Name: "bad", Tool: "fail", OnError: domain.ErrorRetry, RetryCount: 1, OnRetryExhausted: domain.ErrorContinue},
			{Name: "after", Tool: "echo", Args: map[string]any{"msg": "x"}},
		},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "exhausted_continue", nil)
	if len(res.StepResults) != 2 || !res.StepResults[1].Success {
		t.Fatalf("expected continue after exhausted retries: %+v", res)
	}
}

func TestRun_UnknownCapabilityIgnoresRetry(t *testing.T) {
	provider := newFakeProvider()
	def := &domain.SkillDefinition{
		Name: "unknown_cap",
		Steps: []domain.StepDefinition{
			{Name: "bad", Tool: "nonexistent_tool", OnError: domain.ErrorRetry, RetryCount: 5},
		},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "unknown_cap", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.StepResults[0].Error, "nonexistent_tool") {
		t.Fatalf("error must name the capability: %q", res.StepResults[0].Error)
	}
	if provider.callCount("nonexistent_tool") != 1 {
		t.Fatalf("unknown capability must not be retried, got %d attempts", provider.callCount("nonexistent_tool"))
	}
}

func TestRun_UnboundConditionSkipsWithoutInvoking(t *testing.T) {
	provider := newFakeProvider()
	def := &domain.SkillDefinition{
		Name: "gated",
		Steps: []domain.StepDefinition{
			{Name: "maybe", Tool: "echo", Args: map[string]any{"msg": "x"}, Condition: "undefined_var"},
		},
	}
	runner, sink := newTestRunner(t, def, provider, RunnerConfig{})

	res, err := runner.Run(context.Background(), "gated", nil)
	if err != nil {
		t.Fatalf("tolerant evaluation must not raise: %v", err)
	}
	if !res.Success {
		t.Fatalf("skipped step is not a failure: %+v", res)
	}
	sr := res.StepResults[0]
	if !sr.Skipped || !sr.Success || sr.Error != "" {
		t.Fatalf("skipped invariant violated: %+v", sr)
	}
	if !strings.Contains(sr.SkipReason, "undefined_var") {
		t.Fatalf("skip reason must cite the missing variable: %q", sr.SkipReason)
	}
	if provider.callCount("echo") != 0 {
		t.Fatal("capability must not be invoked for a skipped step")
	}
	for _, ev := range sink.Events() {
		if ev.Type == domain.EventStepSkipped {
			return
		}
	}
	t.Fatal("expected a step_skipped event")
}

func TestRun_ExcludedSkill(t *testing.T) {
	def := &domain.SkillDefinition{
		Name:  "prod_release",
		Steps: []domain.StepDefinition{{Name: "deploy", Tool: "echo"}},
	}
	provider := newFakeProvider()
	runner, sink := newTestRunner(t, def, provider, RunnerConfig{Excluded: []string{"prod_release"}})

	res, err := runner.Run(context.Background(), "prod_release", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.StepsTotal != 0 || res.Error != domain.ResultExcluded {
		t.Fatalf("unexpected excluded result: %+v", res)
	}
	if len(provider.calls) != 0 {
		t.Fatal("excluded skill must execute nothing")
	}
	types := eventTypes(sink)
	if len(types) != 2 || types[0] != domain.EventSkillStart || types[1] != domain.EventSkillComplete {
		t.Fatalf("excluded run must still bracket its events, got %v", types)
	}
}

func TestRun_TwoStepScenario(t *testing.T) {
	def := &domain.SkillDefinition{
		Name: "two_step",
		Steps: []domain.StepDefinition{
			{Name: "a", Tool: "echo", Args: map[string]any{"msg": "hi"}, Output: "a_out"},
			{Name: "b", Tool: "echo", Args: map[string]any{"msg": "{{a_out}}-world"}, Condition: "a_out"},
		},
	}
	runner, _ := newTestRunner(t, def, newFakeProvider(), RunnerConfig{})

	res, _ := runner.Run(context.Background(), "two_step", nil)
	if !res.Success || len(res.StepResults) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.StepResults[0].Output != "hi" {
		t.Fatalf("step a output: %q", res.StepResults[0].Output)
	}
	if res.StepResults[1].Output != "hi-world" {
		t.Fatalf("step b output: %q", res.StepResults[1].Output)
	}
}

func TestRun_SkillNotFound(t *testing.T) {
	runner, sink := newTestRunner(t, nil, newFakeProvider(), RunnerConfig{})

	res, err := runner.Run(context.Background(), "ghost", nil)
	if !errors.Is(err, domain.ErrSkillNotFound) {
		t.Fatalf("expected ErrSkillNotFound, got %v", err)
	}
	if res == nil || res.Success || res.Error == "" {
		t.Fatalf("not-found must still return an inspectable result: %+v", res)
	}
	if len(sink.Events()) != 0 {
		t.Fatal("no events before execution begins")
	}
}

func TestRun_InputsSeedEnvironment(t *testing.T) {
	def := &domain.SkillDefinition{
		Name: "seeded",
		Steps: []domain.StepDefinition{
			{Name: "use", Tool: "echo", Args: map[string]any{"msg": "mr={{ mr_id }}"}},
		},
	}
	runner, _ := newTestRunner(t, def, newFakeProvider(), RunnerConfig{})

	res, _ := runner.Run(context.Background(), "seeded", map[string]any{"mr_id": 123})
	if res.StepResults[0].Output != "mr=123" {
		t.Fatalf("inputs must be visible to step 0: %q", res.StepResults[0].Output)
	}
}

func TestRun_JSONOutputIsPathable(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["mr_get"] = func(map[string]any) (string, error) {
		return `{"title": "Fix login", "author": {"username": "alice"}}`, nil
	}
	def := &domain.SkillDefinition{
		Name: "structured",
		Steps: []domain.StepDefinition{
			{Name: "fetch", Tool: "mr_get", Output: "mr"},
			{Name: "report", Tool: "echo", Args: map[string]any{"msg": "{{ mr.author.username }}: {{ mr.title }}"}},
		},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, _ := runner.Run(context.Background(), "structured", nil)
	if res.StepResults[1].Output != "alice: Fix login" {
		t.Fatalf("structured output not pathable: %q", res.StepResults[1].Output)
	}
}

func TestRun_PanickingCapabilityBecomesStepFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.handlers["bomb"] = func(map[string]any) (string, error) {
		panic("kaboom")
	}
	def := &domain.SkillDefinition{
		Name:  "panicky",
		Steps: []domain.StepDefinition{{Name: "boom", Tool: "bomb"}},
	}
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	res, err := runner.Run(context.Background(), "panicky", nil)
	if err != nil {
		t.Fatalf("panic must not escape the runner: %v", err)
	}
	if res.Success || !strings.Contains(res.StepResults[0].Error, "kaboom") {
		t.Fatalf("panic must convert to a step failure: %+v", res.StepResults[0])
	}
}

func TestRun_CancelledContextStopsAtBoundary(t *testing.T) {
	def := &domain.SkillDefinition{
		Name:  "cancellable",
		Steps: []domain.StepDefinition{{Name: "s", Tool: "echo", Args: map[string]any{"msg": "x"}}},
	}
	provider := newFakeProvider()
	runner, _ := newTestRunner(t, def, provider, RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := runner.Run(ctx, "cancellable", nil)
	if err != nil {
		t.Fatalf("cancellation is reported in the result, not an error: %v", err)
	}
	if res.Success || res.Error != domain.ResultCancelled {
		t.Fatalf("expected cancellation marker: %+v", res)
	}
	if len(provider.calls) != 0 {
		t.Fatal("no step should run after cancellation")
	}
}

func TestRun_Deterministic(t *testing.T) {
	def := &domain.SkillDefinition{
		Name: "repeatable",
		Steps: []domain.StepDefinition{
			{Name: "a", Tool: "echo", Args: map[string]any{"msg": "one"}, Output: "x"},
			{Name: "b", Tool: "echo", Args: map[string]any{"msg": "{{ x }}-two"}},
		},
	}
	runner, _ := newTestRunner(t, def, newFakeProvider(), RunnerConfig{})

	first, _ := runner.Run(context.Background(), "repeatable", map[string]any{"k": "v"})
	second, _ := runner.Run(context.Background(), "repeatable", map[string]any{"k": "v"})

	if len(first.StepResults) != len(second.StepResults) {
		t.Fatal("result lengths differ")
	}
	for i := range first.StepResults {
		a, b := first.StepResults[i], second.StepResults[i]
		if a.StepName != b.StepName || a.Success != b.Success || a.Output != b.Output || a.Skipped != b.Skipped {
			t.Fatalf("step %d differs across identical runs: %+v vs %+v", i, a, b)
		}
	}
}

func TestRun_EventOrderingPerStep(t *testing.T) {
	def := &domain.SkillDefinition{
		Name: "ordered",
		Steps: []domain.StepDefinition{
			{Name: "a", Tool: "echo", Args: map[string]any{"msg": "1"}},
			{Name: "b", Tool: "echo", Args: map[string]any{"msg": "2"}, Condition: "missing"},
		},
	}
	runner, sink := newTestRunner(t, def, newFakeProvider(), RunnerConfig{})
	runner.Run(context.Background(), "ordered", nil)

	started := map[int]bool{}
	for _, ev := range sink.Events() {
		switch ev.Type {
		case domain.EventStepStart:
			started[*ev.StepIndex] = true
		case domain.EventStepComplete, domain.EventStepFailed, domain.EventStepSkipped:
			if !started[*ev.StepIndex] {
				t.Fatalf("completion for step %d before its step_start", *ev.StepIndex)
			}
		}
	}
	types := eventTypes(sink)
	if types[0] != domain.EventSkillStart || types[len(types)-1] != domain.EventSkillComplete {
		t.Fatalf("run events must be bracketed, got %v", types)
	}
}
