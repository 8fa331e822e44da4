package state

import (
	"fmt"
	"sort"

	apperrors "github.com/go-i2p/statepool/lib/errors"
)

// State maps state keys to their entries.
type State map[string]Entry

// Equal reports whether both states hold equal entries under the same keys.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, e := range s {
		o, ok := other[k]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Sets are copied, Values are immutable.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, e := range s {
		out[k] = e.clone()
	}
	return out
}

// Keys returns the state keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the exclusive Value stored under key.
func (s State) Value(key string) (Value, bool) {
	v, ok := s[key].(Value)
	return v, ok
}

// Set returns a copy of the cumulative Set stored under key.
func (s State) Set(key string) (Set, bool) {
	set, ok := s[key].(Set)
	if !ok {
		return Set{}, false
	}
	return set.Clone(), true
}

// Declare replaces the exclusive value under key.
func (s State) Declare(key string, v Value) error {
	if e, ok := s[key]; ok && e.Kind() != Exclusive {
		return fmt.Errorf("declare %q: %w", key, apperrors.ErrStateKind)
	}
	s[key] = v
	return nil
}

// Attend adds v to the cumulative set under key, creating it if needed.
func (s State) Attend(key string, v Value) error {
	e, ok := s[key]
	if !ok {
		s[key] = NewSet(v)
		return nil
	}
	set, isSet := e.(Set)
	if !isSet {
		return fmt.Errorf("attend %q: %w", key, apperrors.ErrStateKind)
	}
	set.Add(v)
	s[key] = set
	return nil
}

// Ignore removes v from the cumulative set under key.
func (s State) Ignore(key string, v Value) error {
	e, ok := s[key]
	if !ok {
		return nil
	}
	set, isSet := e.(Set)
	if !isSet {
		return fmt.Errorf("ignore %q: %w", key, apperrors.ErrStateKind)
	}
	set.Remove(v)
	s[key] = set
	return nil
}
