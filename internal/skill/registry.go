package skill

import (
	"log/slog"
	"sort"
	"sync"

	"flowbot/internal/domain"
)

// Registry holds loaded skill definitions by name.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*domain.SkillDefinition
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		skills: make(map[string]*domain.SkillDefinition),
		logger: logger,
	}
}

// Register adds or replaces a skill definition.
func (r *Registry) Register(def *domain.SkillDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[def.Name]; exists {
		r.logger.Info("skill updated", "name", def.Name)
	} else {
		r.logger.Info("skill registered", "name", def.Name, "steps", len(def.Steps))
	}
	r.skills[def.Name] = def
}

// Get returns the definition for name, if registered.
func (r *Registry) Get(name string) (*domain.SkillDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.skills[name]
	return def, ok
}

// List returns all registered skills sorted by name.
func (r *Registry) List() []*domain.SkillDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.SkillDefinition, 0, len(r.skills))
	for _, def := range r.skills {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadInto loads every skill in dir into the registry.
func (r *Registry) LoadInto(dir string) error {
	defs, err := LoadDirectory(dir, r.logger)
	if err != nil {
		return err
	}
	for _, def := range defs {
		r.Register(def)
	}
	return nil
}
