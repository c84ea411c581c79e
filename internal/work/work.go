// Package work defines the pluggable job-type implementations and the
// registry that dispatches on the job type name.
package work

import (
	"context"
	"sort"

	"github.com/ctbui/ticketd/internal/domain"
)

// Work executes the business logic for one job type. Implementations should
// be idempotent or side-effect-free on the external systems they touch,
// because at-least-once delivery can execute the same job twice.
type Work interface {
	Execute(ctx context.Context, job *domain.Job) (map[string]any, error)
}

// WorkFunc adapts a function to the Work interface.
type WorkFunc func(ctx context.Context, job *domain.Job) (map[string]any, error)

func (f WorkFunc) Execute(ctx context.Context, job *domain.Job) (map[string]any, error) {
	return f(ctx, job)
}

// Registry maps job type names to Work implementations. Registration happens
// at startup; lookups afterwards are read-only, so no locking is needed.
type Registry struct {
	works map[string]Work
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{works: make(map[string]Work)}
}

// Register binds a job type name to its implementation. Re-registering a
// name replaces the previous binding.
func (r *Registry) Register(jobType string, w Work) {
	r.works[jobType] = w
}

// Lookup returns the Work for a job type, if registered.
func (r *Registry) Lookup(jobType string) (Work, bool) {
	w, ok := r.works[jobType]
	return w, ok
}

// Contains reports whether the job type is registered. Submission uses this
// to reject unknown types before anything is written.
func (r *Registry) Contains(jobType string) bool {
	_, ok := r.works[jobType]
	return ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.works))
	for t := range r.works {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
