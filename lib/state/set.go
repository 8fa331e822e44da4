package state

import "sort"

// Set is a set of Values under one cumulative key.
type Set struct {
	items map[string]Value
}

// NewSet creates a Set holding the given values.
func NewSet(values ...Value) Set {
	s := Set{items: make(map[string]Value, len(values))}
	for _, v := range values {
		s.items[v.key] = v
	}
	return s
}

// Add inserts v. It reports whether v was not already present.
func (s *Set) Add(v Value) bool {
	if s.items == nil {
		s.items = make(map[string]Value)
	}
	if _, ok := s.items[v.key]; ok {
		return false
	}
	s.items[v.key] = v
	return true
}

// Remove deletes v. It reports whether v was present.
func (s *Set) Remove(v Value) bool {
	if _, ok := s.items[v.key]; !ok {
		return false
	}
	delete(s.items, v.key)
	return true
}

// Has reports whether v is in the set.
func (s Set) Has(v Value) bool {
	_, ok := s.items[v.key]
	return ok
}

// Len returns the number of values.
func (s Set) Len() int {
	return len(s.items)
}

// Values returns the members sorted by canonical key.
func (s Set) Values() []Value {
	out := make([]Value, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Diff returns the members of s missing from other (toAdd) and the members of
// other missing from s (toRemove). Both are sorted.
func (s Set) Diff(other Set) (toAdd, toRemove []Value) {
	for _, v := range s.Values() {
		if !other.Has(v) {
			toAdd = append(toAdd, v)
		}
	}
	for _, v := range other.Values() {
		if !s.Has(v) {
			toRemove = append(toRemove, v)
		}
	}
	return toAdd, toRemove
}

// Kind implements Entry.
func (s Set) Kind() Kind {
	return Cumulative
}

// Equal implements Entry.
func (s Set) Equal(other Entry) bool {
	o, ok := other.(Set)
	if !ok || len(s.items) != len(o.items) {
		return false
	}
	for k := range s.items {
		if _, ok := o.items[k]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := Set{items: make(map[string]Value, len(s.items))}
	for k, v := range s.items {
		out.items[k] = v
	}
	return out
}

func (s Set) clone() Entry {
	return s.Clone()
}
