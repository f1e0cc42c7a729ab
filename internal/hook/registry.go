package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wardenhq/warden/internal/event"
)

var (
	// ErrDuplicateID rejects registering a hook whose id is already present.
	ErrDuplicateID = errors.New("duplicate hook id")
	// ErrUnknownHook rejects dependency edges naming unregistered hooks.
	ErrUnknownHook = errors.New("unknown hook")
	// ErrCycle rejects dependency edges that would close a cycle, and is
	// returned by ExecutionOrder if the stored graph has one regardless.
	ErrCycle = errors.New("dependency cycle")
)

// Registry stores hooks by id with two incrementally maintained indexes
// (event kind, priority) and the dependency DAG between hooks.
type Registry struct {
	mu         sync.RWMutex
	hooks      map[string]Hook
	byKind     map[event.Kind]map[string]bool
	byPriority map[Priority]map[string]bool
	deps       map[string]map[string]bool // id -> set of ids it depends on
	dependents map[string]map[string]bool // inverse of deps
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:      make(map[string]Hook),
		byKind:     make(map[event.Kind]map[string]bool),
		byPriority: make(map[Priority]map[string]bool),
		deps:       make(map[string]map[string]bool),
		dependents: make(map[string]map[string]bool),
	}
}

// Register adds a hook. Fails with ErrDuplicateID if the id is taken.
func (r *Registry) Register(h Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := h.ID()
	if id == "" {
		return fmt.Errorf("hook %q: empty id", h.Name())
	}
	if _, exists := r.hooks[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.hooks[id] = h
	for _, k := range h.Triggers() {
		if r.byKind[k] == nil {
			r.byKind[k] = make(map[string]bool)
		}
		r.byKind[k][id] = true
	}
	if r.byPriority[h.Priority()] == nil {
		r.byPriority[h.Priority()] = make(map[string]bool)
	}
	r.byPriority[h.Priority()][id] = true
	return nil
}

// Unregister removes a hook and every dependency edge touching it. Returns
// false if the id is unknown; a second call is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[id]
	if !ok {
		return false
	}
	delete(r.hooks, id)
	for _, k := range h.Triggers() {
		delete(r.byKind[k], id)
	}
	delete(r.byPriority[h.Priority()], id)

	for dep := range r.deps[id] {
		delete(r.dependents[dep], id)
	}
	delete(r.deps, id)
	for dependent := range r.dependents[id] {
		delete(r.deps[dependent], id)
	}
	delete(r.dependents, id)
	return true
}

// Get returns the hook with the given id, or nil.
func (r *Registry) Get(id string) Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[id]
}

// ForEvent returns all hooks triggered by the given kind, in id order.
func (r *Registry) ForEvent(kind event.Kind) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byKind[kind])
}

// ByPriority returns all hooks at the given priority, in id order.
func (r *Registry) ByPriority(p Priority) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byPriority[p])
}

// All returns every registered hook, in id order.
func (r *Registry) All() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]bool, len(r.hooks))
	for id := range r.hooks {
		ids[id] = true
	}
	return r.collect(ids)
}

func (r *Registry) collect(ids map[string]bool) []Hook {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	out := make([]Hook, 0, len(sorted))
	for _, id := range sorted {
		if h, ok := r.hooks[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// AddDep records that dependent runs after dependedOn. The edge is rejected
// with ErrCycle if dependent is already reachable from dependedOn.
func (r *Registry) AddDep(dependent, dependedOn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[dependent]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHook, dependent)
	}
	if _, ok := r.hooks[dependedOn]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHook, dependedOn)
	}
	if dependent == dependedOn || r.reachable(dependedOn, dependent) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, dependent, dependedOn)
	}
	if r.deps[dependent] == nil {
		r.deps[dependent] = make(map[string]bool)
	}
	r.deps[dependent][dependedOn] = true
	if r.dependents[dependedOn] == nil {
		r.dependents[dependedOn] = make(map[string]bool)
	}
	r.dependents[dependedOn][dependent] = true
	return nil
}

// RemoveDep deletes a dependency edge. Returns whether it existed.
func (r *Registry) RemoveDep(dependent, dependedOn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.deps[dependent][dependedOn] {
		return false
	}
	delete(r.deps[dependent], dependedOn)
	delete(r.dependents[dependedOn], dependent)
	return true
}

// Deps returns the ids the given hook depends on, sorted.
func (r *Registry) Deps(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSet(r.deps[id])
}

// Dependents returns the ids that depend on the given hook, sorted.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSet(r.dependents[id])
}

// reachable walks the dependency closure of from, reporting whether target
// appears. Caller holds the lock.
func (r *Registry) reachable(from, target string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for dep := range r.deps[id] {
			stack = append(stack, dep)
		}
	}
	return false
}

// ExecutionOrder topologically sorts the given hooks so each appears after
// all of its dependencies that lie within the subset; external dependencies
// are ignored. Ties resolve by priority ascending, then id. Returns ErrCycle
// if the subset's subgraph is cyclic.
func (r *Registry) ExecutionOrder(subset []Hook) ([]Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inSubset := make(map[string]Hook, len(subset))
	for _, h := range subset {
		inSubset[h.ID()] = h
	}

	indegree := make(map[string]int, len(subset))
	for id := range inSubset {
		indegree[id] = 0
	}
	for id := range inSubset {
		for dep := range r.deps[id] {
			if _, ok := inSubset[dep]; ok {
				indegree[id]++
			}
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		pa, pb := inSubset[a].Priority(), inSubset[b].Priority()
		if pa != pb {
			return pa < pb
		}
		return a < b
	}

	out := make([]Hook, 0, len(subset))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		out = append(out, inSubset[id])
		for dependent := range r.dependents[id] {
			if _, ok := inSubset[dependent]; !ok {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(out) != len(subset) {
		return nil, ErrCycle
	}
	return out, nil
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
