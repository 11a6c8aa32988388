// Package scan runs a configurable set of independent checkers against
// a revision snapshot and folds their results into a single verdict.
package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

// Checker is an independent, pluggable compliance evaluator. Check
// must treat the snapshot as read-only and have no side effects.
type Checker interface {
	Name() string
	Check(ctx context.Context, rev model.Revision) (model.CheckerResult, error)
}

// Registry manages named checker constructors so the configured
// checker list can be resolved at pipeline construction.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker under its name. Re-registering a name
// replaces the previous checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Get returns a registered checker.
func (r *Registry) Get(name string) (Checker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.checkers[name]
	if !ok {
		return nil, fmt.Errorf("checker not registered: %s", name)
	}
	return c, nil
}

// Resolve maps configured checker names to checkers, preserving order.
func (r *Registry) Resolve(names []string) ([]Checker, error) {
	checkers := make([]Checker, 0, len(names))
	for _, name := range names {
		c, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		checkers = append(checkers, c)
	}
	return checkers, nil
}
