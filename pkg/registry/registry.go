// Package registry implements the Bi-Kanpe monitor registry (C2): the
// authoritative set of virtual monitors held by the director.
//
// Registry itself holds no lock. Every exported method mutates or reads
// the in-memory map directly; the caller (the hub, see pkg/hub) is
// responsible for serializing access under its own coarse lock, the same
// way the teacher repo guards its hub's plain fields with one mutex rather
// than giving each field its own.
package registry

import (
	"errors"
	"fmt"

	"bikanpe/fabric/pkg/idgen"
	"bikanpe/fabric/pkg/proto"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)

// Registry is the authoritative, ordered set of virtual monitors.
type Registry struct {
	order []string
	byID  map[string]proto.VirtualMonitor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]proto.VirtualMonitor)}
}

// Add mints a new monitor ID and inserts the monitor. Fails InvalidArgument
// if name is empty.
func (r *Registry) Add(name, description, color string) (proto.VirtualMonitor, error) {
	if name == "" {
		return proto.VirtualMonitor{}, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}
	id, err := r.mintID()
	if err != nil {
		return proto.VirtualMonitor{}, err
	}
	m := proto.VirtualMonitor{ID: id, Name: name, Description: description, Color: color}
	r.byID[id] = m
	r.order = append(r.order, id)
	return m, nil
}

// Remove deletes the monitor with id, if present. Idempotent: removing an
// absent ID is a no-op, reported via the boolean return so callers know
// whether a delta should be emitted.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Update mutates fields of an existing monitor in place. Fails NotFound if
// id is absent. A nil pointer leaves the corresponding field unchanged; a
// non-nil empty name fails InvalidArgument, and a non-nil empty
// description or color clears that field.
func (r *Registry) Update(id string, name, description, color *string) (proto.VirtualMonitor, error) {
	m, ok := r.byID[id]
	if !ok {
		return proto.VirtualMonitor{}, fmt.Errorf("%w: monitor %q", ErrNotFound, id)
	}
	if name != nil {
		if *name == "" {
			return proto.VirtualMonitor{}, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
		}
		m.Name = *name
	}
	if description != nil {
		m.Description = *description
	}
	if color != nil {
		m.Color = *color
	}
	r.byID[id] = m
	return m, nil
}

// Get returns the monitor with id, if present.
func (r *Registry) Get(id string) (proto.VirtualMonitor, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// List returns a snapshot of every monitor, in insertion order.
func (r *Registry) List() []proto.VirtualMonitor {
	out := make([]proto.VirtualMonitor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Valid reports whether id names a monitor currently in the registry, or
// is the ALL sentinel (which is always valid as a target but never
// assigned as a real monitor ID).
func (r *Registry) Valid(id string) bool {
	if id == proto.ALLSentinel {
		return true
	}
	_, ok := r.byID[id]
	return ok
}

// mintID mints a registry-unique ID via idgen, rejecting the reserved ALL
// sentinel and retrying on the near-impossible case of a collision.
func (r *Registry) mintID() (string, error) {
	for {
		id, err := idgen.New()
		if err != nil {
			return "", err
		}
		if id == proto.ALLSentinel {
			continue
		}
		if _, exists := r.byID[id]; exists {
			continue
		}
		return id, nil
	}
}
