package integration

import (
	"sort"
	"sync"

	"github.com/teranos/mspsync/errors"
)

// Registry is the read-mostly set of known integrations. Replace swaps the
// whole set atomically so a reload never exposes a partial view.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry creates a registry holding descriptors
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor)}
	if err := r.Replace(descriptors); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates descriptors and swaps them in
func (r *Registry) Replace(descriptors []Descriptor) error {
	next := make(map[string]*Descriptor, len(descriptors))
	slugs := make(map[string]string, len(descriptors))
	for i := range descriptors {
		d := descriptors[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := next[d.ID]; dup {
			return errors.NewInvalidRequestError("duplicate integration id %q", d.ID)
		}
		if other, dup := slugs[d.Slug]; dup {
			return errors.NewInvalidRequestError("integrations %q and %q share slug %q", other, d.ID, d.Slug)
		}
		slugs[d.Slug] = d.ID
		next[d.ID] = &d
	}

	r.mu.Lock()
	r.descriptors = next
	r.mu.Unlock()
	return nil
}

// Get returns the descriptor for an integration id
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownIntegration, "integration %q", id)
	}
	return d, nil
}

// TypeConfig returns the configuration of one entity type of an integration
func (r *Registry) TypeConfig(id, entityType string) (TypeConfig, error) {
	d, err := r.Get(id)
	if err != nil {
		return TypeConfig{}, err
	}
	tc, ok := d.Type(entityType)
	if !ok {
		return TypeConfig{}, errors.Wrapf(errors.ErrUnknownEntityType, "integration %q type %q", id, entityType)
	}
	return tc, nil
}

// All returns every descriptor ordered by id
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
