// Package event emits the ordered execution event stream for skill runs.
// Each run owns one Emitter; sinks are passed in explicitly rather than
// registered on a process-wide bus, so concurrent runs never share mutable
// emitter state.
package event

import (
	"log/slog"
	"sync"
	"time"

	"flowbot/internal/domain"
)

// Emitter assigns sequence numbers and timestamps and forwards events to
// every sink in emission order. A sink panic is logged and does not disturb
// the run or the remaining sinks.
type Emitter struct {
	mu     sync.Mutex
	seq    int
	runID  string
	skill  string
	sinks  []domain.EventSink
	logger *slog.Logger
	now    func() time.Time
}

func NewEmitter(runID, skillName string, sinks []domain.EventSink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		runID:  runID,
		skill:  skillName,
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

// Skill emits a skill-level event (no step index).
func (e *Emitter) Skill(t domain.EventType, data map[string]any) {
	e.emit(t, nil, "", data)
}

// Step emits a step-level event for the given index.
func (e *Emitter) Step(t domain.EventType, index int, stepName string, data map[string]any) {
	idx := index
	e.emit(t, &idx, stepName, data)
}

func (e *Emitter) emit(t domain.EventType, stepIndex *int, stepName string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev := domain.ExecutionEvent{
		Type:      t,
		Seq:       e.seq,
		Timestamp: e.now(),
		RunID:     e.runID,
		SkillName: e.skill,
		StepIndex: stepIndex,
		StepName:  stepName,
		Data:      data,
	}

	for _, sink := range e.sinks {
		e.dispatch(sink, ev)
	}
}

func (e *Emitter) dispatch(sink domain.EventSink, ev domain.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event sink panic", "run", e.runID, "event", ev.Type, "panic", r)
		}
	}()
	sink.Handle(ev)
}

// MemorySink buffers events in order for in-process observers and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Handle(ev domain.ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything received so far.
func (s *MemorySink) Events() []domain.ExecutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ExecutionEvent, len(s.events))
	copy(out, s.events)
	return out
}

// SlogSink logs each event at debug level.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Handle(ev domain.ExecutionEvent) {
	attrs := []any{"run", ev.RunID, "skill", ev.SkillName, "seq", ev.Seq}
	if ev.StepIndex != nil {
		attrs = append(attrs, "step_index", *ev.StepIndex, "step", ev.StepName)
	}
	s.logger.Debug(string(ev.Type), attrs...)
}
