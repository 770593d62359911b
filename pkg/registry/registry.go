// Package registry is the table of workflow handlers a process can execute.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/hitlgate/pkg/durable"
)

type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]durable.HandlerFunc
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		workflows: make(map[string]durable.HandlerFunc),
	}
}

// RegisterWorkflow adds handler under name. Names are registered once at process start.
func (r *Registry) RegisterWorkflow(name string, handler durable.HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow '%s' already registered", name)
	}

	r.workflows[name] = handler
	r.logger.Debug("registered workflow", "name", name)

	return nil
}

func (r *Registry) Workflow(name string) (durable.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.workflows[name]

	return handler, ok
}

// Names lists the registered workflows in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
