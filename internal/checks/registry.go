// Package checks holds the closed set of compiled-in check kinds. A check
// unit manifest with kind "inline" names one of these by its entry id; there
// is no other way to reach them, and nothing here evaluates foreign code.
package checks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opsgym/assessd/internal/domain"
)

// Input carries the per-invocation data a check may inspect.
type Input struct {
	ParticipantID string
	Target        string
	Params        map[string]any
}

// Func is one compiled-in check. It must be a read-only operation against
// the probe; the returned details are echoed into the criterion result.
type Func func(ctx context.Context, probe Probe, in Input) (implemented bool, details map[string]any, err error)

// Registry maps entry ids to compiled-in checks. Populated at startup,
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Func)}
}

// Register adds a check under an entry id. Duplicate registration is a
// programming error and panics at startup.
func (r *Registry) Register(entry string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[entry]; exists {
		panic(fmt.Sprintf("check %q already registered", entry))
	}
	slog.Debug("registering inline check", "entry", entry)
	r.checks[entry] = fn
}

// Lookup resolves an entry id. Unknown entries map to ErrNotFound so the
// executor can classify them without executing anything.
func (r *Registry) Lookup(entry string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.checks[entry]
	if !ok {
		return nil, fmt.Errorf("inline check %q: %w", entry, domain.ErrNotFound)
	}
	return fn, nil
}

// Entries lists registered entry ids, sorted.
func (r *Registry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checks))
	for k := range r.checks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
