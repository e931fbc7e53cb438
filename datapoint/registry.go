package datapoint

import (
	"fmt"
	"sync"
)

// Registry is the ordered set of datapoints polled by the hub. It only
// grows, and only until it is sealed; iteration order is registration order.
// Addresses are not deduplicated since overlapping datapoints are legitimate.
type Registry struct {
	mu     sync.RWMutex
	points []*Datapoint
	byName map[string]*Datapoint
	sealed bool
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Datapoint{}}
}

// Register validates d and appends it. A zero DivRatio defaults to 1.
func (r *Registry) Register(d Descriptor) (*Datapoint, error) {
	if d.DivRatio == 0 {
		d.DivRatio = 1
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, fmt.Errorf("%w: can not register %s", ErrRegistrySealed, d.Name)
	}
	if _, ok := r.byName[d.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}

	dp := newDatapoint(d, len(r.points))
	r.points = append(r.points, dp)
	r.byName[d.Name] = dp
	return dp, nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(d Descriptor) *Datapoint {
	dp, err := r.Register(d)
	if err != nil {
		panic(err)
	}
	return dp
}

// Seal forbids further registrations
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal was called
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Points returns the datapoints in registration order
func (r *Registry) Points() []*Datapoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Datapoint(nil), r.points...)
}

// Lookup finds a datapoint by name
func (r *Registry) Lookup(name string) (*Datapoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dp, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatapoint, name)
	}
	return dp, nil
}

// Len returns the number of registered datapoints
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}
