package breaker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scope decides how breakers are shared between tools.
type Scope string

const (
	// ScopeTool gives every tool its own breaker.
	ScopeTool Scope = "tool"
	// ScopeGlobal shares one breaker across all tools.
	ScopeGlobal Scope = "global"
)

// GlobalName is the breaker name used under ScopeGlobal.
const GlobalName = "global"

// ParseScope parses "tool" or "global" (case-insensitive). Empty means ScopeTool.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeTool:
		return ScopeTool, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown circuit breaker scope %q (want %q or %q)", s, ScopeTool, ScopeGlobal)
	}
}

// Registry hands out breakers by tool name, creating them on first use.
type Registry struct {
	scope    Scope
	template Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers share template (Name is replaced per breaker).
func NewRegistry(scope Scope, template Config) *Registry {
	if scope == "" {
		scope = ScopeTool
	}
	return &Registry{
		scope:    scope,
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Scope returns the registry scope.
func (r *Registry) Scope() Scope { return r.scope }

// Get returns the breaker guarding tool.
func (r *Registry) Get(tool string) *CircuitBreaker {
	name := tool
	if r.scope == ScopeGlobal {
		name = GlobalName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.template
	cfg.Name = name
	cb := New(cfg)
	r.breakers[name] = cb
	return cb
}

// Names returns the names of all breakers created so far, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the stats of every breaker keyed by name.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.Stats()
	}
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
