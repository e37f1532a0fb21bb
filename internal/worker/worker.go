// Package worker holds the execution side of a plan step: the Worker
// interface the coordinator dispatches to and the registry that maps tool
// names to the workers allowed to run them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/toolgate/internal/routing"
)

// Worker executes one tool call.
type Worker interface {
	Name() string
	Capabilities() []string
	Execute(ctx context.Context, tool string, input map[string]any) (any, error)
}

// HandlerFunc is the body of a function-backed worker.
type HandlerFunc func(ctx context.Context, tool string, input map[string]any) (any, error)

type funcWorker struct {
	name string
	caps []string
	fn   HandlerFunc
}

// NewFunc wraps fn as a Worker.
func NewFunc(name string, caps []string, fn HandlerFunc) Worker {
	return &funcWorker{name: name, caps: append([]string(nil), caps...), fn: fn}
}

func (w *funcWorker) Name() string           { return w.name }
func (w *funcWorker) Capabilities() []string { return w.caps }
func (w *funcWorker) Execute(ctx context.Context, tool string, input map[string]any) (any, error) {
	return w.fn(ctx, tool, input)
}

// Registration errors.
var (
	ErrNotAllowed = errors.New("worker: tool not in allowlist")
	ErrDuplicate  = errors.New("worker: duplicate worker")
	ErrNoWorker   = errors.New("worker: no worker registered")
)

// Registry maps tool names to their workers. Only tools on the allowlist
// can receive a handler; the allowlist is normally the set of tools in the
// registry document.
type Registry struct {
	mu      sync.RWMutex
	allowed map[string]bool
	byTool  map[string][]Worker
}

// NewRegistry creates an empty registry that accepts the given tools.
func NewRegistry(allowed ...string) *Registry {
	r := &Registry{allowed: make(map[string]bool), byTool: make(map[string][]Worker)}
	r.Allow(allowed...)
	return r
}

// Allow adds tools to the allowlist.
func (r *Registry) Allow(tools ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t != "" {
			r.allowed[t] = true
		}
	}
}

// Allowed reports whether tool may receive handlers.
func (r *Registry) Allowed(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[tool]
}

// Register binds w to tool. Registration order is the candidate order
// used by routing.
func (r *Registry) Register(tool string, w Worker) error {
	if w == nil || w.Name() == "" {
		return fmt.Errorf("worker: register %q: worker must have a name", tool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allowed[tool] {
		return fmt.Errorf("%w: %q", ErrNotAllowed, tool)
	}
	for _, existing := range r.byTool[tool] {
		if existing.Name() == w.Name() {
			return fmt.Errorf("%w: %q already handles %q", ErrDuplicate, w.Name(), tool)
		}
	}
	r.byTool[tool] = append(r.byTool[tool], w)
	return nil
}

// Candidates lists the workers for tool in registration order.
func (r *Registry) Candidates(tool string) []routing.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws := r.byTool[tool]
	out := make([]routing.Candidate, len(ws))
	for i, w := range ws {
		out[i] = routing.Candidate{Name: w.Name(), Capabilities: append([]string(nil), w.Capabilities()...)}
	}
	return out
}

// Lookup returns the worker called name that handles tool.
func (r *Registry) Lookup(tool, name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.byTool[tool] {
		if w.Name() == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: %q for tool %q", ErrNoWorker, name, tool)
}

// Tools returns every tool with at least one worker, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTool))
	for t, ws := range r.byTool {
		if len(ws) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
