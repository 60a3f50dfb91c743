// Package skill provides the skill execution engine: loading declarative
// YAML workflow definitions and running their steps against a capability
// registry while emitting an ordered execution event stream.
package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"flowbot/internal/domain"

	"gopkg.in/yaml.v3"
)

var bindingRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// reservedBindings are environment keys the engine owns; steps may not
// overwrite them via output bindings.
var reservedBindings = map[string]bool{
	"inputs": true,
}

// Load parses a YAML skill document and validates it. Parse failures wrap
// domain.ErrMalformedDefinition; structural failures wrap domain.ErrInvalidSkill.
func Load(data []byte) (*domain.SkillDefinition, error) {
	var def domain.SkillDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDefinition, err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses a single skill file.
func LoadFile(path string) (*domain.SkillDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	def, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDirectory loads every .yaml/.yml skill in dir. Files that cannot be
// read or validated are logged and skipped; a missing directory is not an
// error. Workflow authors fix one bad file without losing the rest.
func LoadDirectory(dir string, logger *slog.Logger) ([]*domain.SkillDefinition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("skills directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var defs []*domain.SkillDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			logger.Warn("skipping skill file", "path", path, "err", err)
			continue
		}
		logger.Info("loaded skill", "name", def.Name, "steps", len(def.Steps), "path", path)
		defs = append(defs, def)
	}

	return defs, nil
}

// Validate checks the structural invariants of a parsed definition.
func Validate(def *domain.SkillDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidSkill)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: skill %q has no steps", domain.ErrInvalidSkill, def.Name)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		label := step.Label()
		if label == "" {
			return fmt.Errorf("%w: step %d needs a name or id", domain.ErrInvalidSkill, i)
		}
		if step.Tool != "" && step.Compute != "" {
			return fmt.Errorf("%w: step %q sets both tool and compute", domain.ErrInvalidSkill, label)
		}
		if step.Tool == "" && step.Compute == "" {
			return fmt.Errorf("%w: step %q sets neither tool nor compute", domain.ErrInvalidSkill, label)
		}
		if err := validatePolicy(step); err != nil {
			return fmt.Errorf("%w: step %q: %v", domain.ErrInvalidSkill, label, err)
		}
		if step.Output != "" {
			if !bindingRe.MatchString(step.Output) {
				return fmt.Errorf("%w: step %q output %q is not a valid identifier", domain.ErrInvalidSkill, label, step.Output)
			}
			if reservedBindings[step.Output] {
				return fmt.Errorf("%w: step %q output %q is reserved", domain.ErrInvalidSkill, label, step.Output)
			}
		}
		if seen[label] {
			// Not fatal, but event correlation by name becomes ambiguous.
			slog.Warn("duplicate step name within skill", "skill", def.Name, "step", label)
		}
		seen[label] = true
	}
	return nil
}

func validatePolicy(step domain.StepDefinition) error {
	switch step.OnError {
	case "", domain.ErrorAbort, domain.ErrorContinue, domain.ErrorRetry:
	default:
		return fmt.Errorf("unknown on_error policy %q", step.OnError)
	}
	switch step.OnRetryExhausted {
	case "", domain.ErrorAbort, domain.ErrorContinue:
	default:
		return fmt.Errorf("unknown on_retry_exhausted policy %q", step.OnRetryExhausted)
	}
	if step.RetryCount < 0 {
		return fmt.Errorf("negative retry_count %d", step.RetryCount)
	}
	return nil
}
