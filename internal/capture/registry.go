package capture

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrNoProximity = errors.New("no proximity activation registered")

// Registry owns the set of activations for one connection. It is passed
// explicitly to the pipeline and the control client; there is no ambient
// global set.
type Registry struct {
	mu          sync.RWMutex
	proximity   *Activation
	activations []*Activation
	byID        map[uuid.UUID]*Activation
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Activation)}
}

// Register adds an activation, keeping the non-proximity list ordered
// by weight. The proximity activation is held apart as the default
// channel the pipeline evaluates first.
func (r *Registry) Register(a *Activation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[a.ID()] = a
	if a.Proximity() {
		r.proximity = a
		return
	}
	r.activations = append(r.activations, a)
	sort.SliceStable(r.activations, func(i, j int) bool {
		return r.activations[i].Weight() < r.activations[j].Weight()
	})
}

func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.proximity == a {
		r.proximity = nil
		return
	}
	for i, other := range r.activations {
		if other == a {
			r.activations = append(r.activations[:i], r.activations[i+1:]...)
			break
		}
	}
}

// Proximity returns the default/proximity activation.
func (r *Registry) Proximity() (*Activation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.proximity == nil {
		return nil, ErrNoProximity
	}
	return r.proximity, nil
}

// Activations returns the non-proximity activations in weight order.
func (r *Registry) Activations() []*Activation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Activation, len(r.activations))
	copy(out, r.activations)
	return out
}

func (r *Registry) ByID(id uuid.UUID) (*Activation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Clear drops every activation, as on disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proximity = nil
	r.activations = nil
	r.byID = make(map[uuid.UUID]*Activation)
}
