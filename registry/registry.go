package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nutrimesh/nutrimesh/core"
)

var (
	// ErrCycle is returned by Register when the declared dependency would
	// close a cycle. Bad graphs fail at configuration time, never at run time.
	ErrCycle = errors.New("stage dependency cycle")
	// ErrDuplicate is returned when a stage id is registered twice.
	ErrDuplicate = errors.New("stage already registered")
	// ErrUnknownStage is returned by resolution when a stage or one of its
	// declared dependencies was never registered.
	ErrUnknownStage = errors.New("unknown stage")
)

type entry struct {
	adapter core.Adapter
	deps    []core.StageID
}

// Registry maps stage identifiers to their adapters and declared
// dependencies. It is populated at startup and read-only afterwards; reads
// during pipeline runs take the read lock only.
type Registry struct {
	mu      sync.RWMutex
	entries map[core.StageID]entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[core.StageID]entry)}
}

// Register adds a stage adapter with its declared dependencies (the stage
// outputs it consumes). Dependencies may reference stages registered later;
// cycle detection runs over all edges declared so far and fails fast with
// ErrCycle.
func (r *Registry) Register(id core.StageID, adapter core.Adapter, dependsOn ...core.StageID) error {
	if adapter == nil {
		return fmt.Errorf("stage %s: adapter must not be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	for _, dep := range dependsOn {
		if dep == id {
			return fmt.Errorf("%w: %s depends on itself", ErrCycle, id)
		}
	}

	r.entries[id] = entry{adapter: adapter, deps: append([]core.StageID(nil), dependsOn...)}

	if cycle := r.findCycleLocked(); cycle != nil {
		delete(r.entries, id)
		return fmt.Errorf("%w: %v", ErrCycle, cycle)
	}
	return nil
}

// Adapter returns the registered adapter for id.
func (r *Registry) Adapter(id core.StageID) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.adapter, ok
}

// Dependencies returns a copy of the declared dependency set for id.
func (r *Registry) Dependencies(id core.StageID) ([]core.StageID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return append([]core.StageID(nil), e.deps...), true
}

// StageIDs returns all registered ids in lexical order.
func (r *Registry) StageIDs() []core.StageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]core.StageID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Layers resolves the requested stages (all registered stages when ids is
// empty) into a partial order consistent with the declared dependencies:
// stages in the same layer are mutually independent and may run concurrently,
// and every stage appears in a later layer than all of its dependencies.
// Resolution is deterministic; ids within a layer are sorted.
func (r *Registry) Layers(ids ...core.StageID) ([][]core.StageID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ids) == 0 {
		for id := range r.entries {
			ids = append(ids, id)
		}
	}

	selected := make(map[core.StageID]bool, len(ids))
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, id)
		}
		for _, dep := range e.deps {
			if _, ok := r.entries[dep]; !ok {
				return nil, fmt.Errorf("%w: %s (dependency of %s)", ErrUnknownStage, dep, id)
			}
		}
		selected[id] = true
	}

	// Kahn layering over the selected subgraph. Register already rejects
	// cycles, so remaining stages with unsatisfied in-degrees cannot occur.
	indegree := make(map[core.StageID]int, len(selected))
	for id := range selected {
		for _, dep := range r.entries[id].deps {
			if selected[dep] {
				indegree[id]++
			}
		}
	}

	var layers [][]core.StageID
	remaining := len(selected)
	done := make(map[core.StageID]bool, len(selected))
	for remaining > 0 {
		var layer []core.StageID
		for id := range selected {
			if !done[id] && indegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("%w: unresolvable dependencies", ErrCycle)
		}
		sort.Slice(layer, func(i, j int) bool { return layer[i] < layer[j] })
		for _, id := range layer {
			done[id] = true
		}
		for id := range selected {
			if done[id] {
				continue
			}
			for _, dep := range r.entries[id].deps {
				if selected[dep] && done[dep] && containsStage(layer, dep) {
					indegree[id]--
				}
			}
		}
		layers = append(layers, layer)
		remaining -= len(layer)
	}
	return layers, nil
}

func containsStage(ids []core.StageID, id core.StageID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// findCycleLocked runs a depth-first search over all declared edges and
// returns one cycle path when found. Edges to not-yet-registered stages are
// ignored; they are validated at resolution time instead.
func (r *Registry) findCycleLocked() []core.StageID {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[core.StageID]int, len(r.entries))

	var path []core.StageID
	var visit func(id core.StageID) []core.StageID
	visit = func(id core.StageID) []core.StageID {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range r.entries[id].deps {
			if _, ok := r.entries[dep]; !ok {
				continue
			}
			switch state[dep] {
			case visiting:
				return append(path, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		state[id] = visited
		path = path[:len(path)-1]
		return nil
	}

	for id := range r.entries {
		if state[id] == unvisited {
			path = path[:0]
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
