// Package persona defines the conversational roles that share a tutoring
// session and the transitions each one may request.
package persona

import (
	"fmt"
	"slices"

	"github.com/kalambet/tutor/internal/progress"
)

// ID identifies a persona. IDs are stable and unique within a Registry.
type ID string

// Persona is the part of a role the handoff engine cares about.
type Persona interface {
	ID() ID
	AllowedTargets() []ID
}

// Definition is a statically declared persona.
type Definition struct {
	Key          ID
	Name         string
	Voice        string
	Instructions string
	Targets      []ID
	// Mode is the learning activity the persona runs. Empty for routing
	// personas such as the greeter.
	Mode progress.Mode
}

var _ Persona = Definition{}

func (d Definition) ID() ID { return d.Key }

// AllowedTargets returns a copy of the declared transition targets.
func (d Definition) AllowedTargets() []ID { return slices.Clone(d.Targets) }

// Allows reports whether d may hand off to target.
func (d Definition) Allows(target ID) bool { return slices.Contains(d.Targets, target) }

// DisplayName falls back to the id when no name is set.
func (d Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return string(d.Key)
}

// Registry is the validated, read-only set of personas for a deployment.
type Registry struct {
	entry ID
	order []ID
	byID  map[ID]Definition
}

// NewRegistry validates defs and returns a Registry whose initial persona is
// entry. A persona that declares an unregistered or self-referencing target
// is a configuration error.
func NewRegistry(entry ID, defs ...Definition) (*Registry, error) {
	r := &Registry{entry: entry, byID: make(map[ID]Definition, len(defs))}
	for _, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("persona with empty id")
		}
		if _, dup := r.byID[d.Key]; dup {
			return nil, fmt.Errorf("persona %q registered twice", d.Key)
		}
		d.Targets = slices.Clone(d.Targets)
		r.byID[d.Key] = d
		r.order = append(r.order, d.Key)
	}

	if _, ok := r.byID[entry]; !ok {
		return nil, fmt.Errorf("entry persona %q is not registered", entry)
	}
	for _, id := range r.order {
		for _, target := range r.byID[id].Targets {
			if target == id {
				return nil, fmt.Errorf("persona %q lists itself as a transition target", id)
			}
			if _, ok := r.byID[target]; !ok {
				return nil, fmt.Errorf("persona %q targets unregistered persona %q", id, target)
			}
		}
	}
	return r, nil
}

// Entry returns the persona a new session starts with.
func (r *Registry) Entry() ID { return r.entry }

// Lookup returns the definition for id.
func (r *Registry) Lookup(id ID) (Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns the definitions in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.order))
	for i, id := range r.order {
		out[i] = r.byID[id]
	}
	return out
}
