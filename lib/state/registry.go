package state

import (
	"fmt"
	"sync"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/validation"
)

// Setter applies (or, registered as an unsetter, reverts) one state value on
// a raw backend handle.
type Setter[C any] func(conn C, v Value) error

// Executor runs a backend call, optionally translating its error.
type Executor func(fn func() error) error

// Order controls whether additions or removals are replayed first when a
// cumulative key needs both.
type Order int

const (
	// AddFirst applies missing members before dropping extra ones. Backends
	// that refuse to drop the last membership need this order.
	AddFirst Order = iota
	// RemoveFirst drops extra members before applying missing ones.
	RemoveFirst
)

func (o Order) String() string {
	switch o {
	case AddFirst:
		return "add-first"
	case RemoveFirst:
		return "remove-first"
	default:
		return "unknown"
	}
}

// ParseOrder parses the textual form produced by Order.String.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "add-first":
		return AddFirst, nil
	case "remove-first":
		return RemoveFirst, nil
	default:
		return AddFirst, fmt.Errorf("unknown diff order %q: %w", s, apperrors.ErrConfiguration)
	}
}

// OpKind is the kind of a corrective call.
type OpKind int

const (
	// OpSet invokes the key's setter.
	OpSet OpKind = iota
	// OpUnset invokes the key's unsetter.
	OpUnset
)

func (k OpKind) String() string {
	if k == OpUnset {
		return "unset"
	}
	return "set"
}

// Op is one corrective backend call produced by Plan.
type Op struct {
	Key        string
	Kind       OpKind
	Value      Value
	Cumulative bool
}

// Registry maps state keys to the functions that apply them.
// Registration happens once at construction; Seal makes it read-only.
type Registry[C any] struct {
	mu        sync.RWMutex
	setters   map[string]Setter[C]
	unsetters map[string]Setter[C]
	defaults  func() State
	order     Order
	sealed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{
		setters:   make(map[string]Setter[C]),
		unsetters: make(map[string]Setter[C]),
	}
}

// RegisterSetter registers the function applying values of key.
func (r *Registry[C]) RegisterSetter(key string, fn Setter[C]) error {
	return r.register(r.setters, "setter", key, fn)
}

// RegisterUnsetter registers the function removing members of a cumulative key.
func (r *Registry[C]) RegisterUnsetter(key string, fn Setter[C]) error {
	return r.register(r.unsetters, "unsetter", key, fn)
}

func (r *Registry[C]) register(m map[string]Setter[C], what, key string, fn Setter[C]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s %q: %w", what, key, apperrors.ErrRegistrySealed)
	}
	if err := validation.StateKey("key", key); err != nil {
		return fmt.Errorf("register %s: %w: %w", what, apperrors.ErrConfiguration, err)
	}
	if fn == nil {
		return fmt.Errorf("register %s %q: function is required: %w", what, key, apperrors.ErrConfiguration)
	}
	m[key] = fn
	log.WithField("key", key).WithField("kind", what).Debug("registered state function")
	return nil
}

// RegisterDefaultState registers the factory for the state a fresh or
// reconnected connection is in.
func (r *Registry[C]) RegisterDefaultState(fn func() State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register default state: %w", apperrors.ErrRegistrySealed)
	}
	r.defaults = fn
	return nil
}

// SetOrder chooses the replay order for cumulative keys.
func (r *Registry[C]) SetOrder(o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("set order: %w", apperrors.ErrRegistrySealed)
	}
	r.order = o
	return nil
}

// Seal makes the registry read-only.
func (r *Registry[C]) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry is read-only.
func (r *Registry[C]) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Defaults returns a fresh default-state snapshot.
func (r *Registry[C]) Defaults() State {
	r.mu.RLock()
	fn := r.defaults
	r.mu.RUnlock()

	if fn == nil {
		return State{}
	}
	s := fn()
	if s == nil {
		return State{}
	}
	return s.Clone()
}

// HasSetter reports whether a setter is registered for key.
func (r *Registry[C]) HasSetter(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.setters[key]
	return ok
}

// HasUnsetter reports whether an unsetter is registered for key.
func (r *Registry[C]) HasUnsetter(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.unsetters[key]
	return ok
}

// Plan returns the corrective calls that bring actual to desired.
// Keys only present in actual are left alone.
func (r *Registry[C]) Plan(desired, actual State) []Op {
	if desired.Equal(actual) {
		return nil
	}

	r.mu.RLock()
	order := r.order
	r.mu.RUnlock()

	var ops []Op
	for _, key := range desired.Keys() {
		want := desired[key]
		have, ok := actual[key]
		if ok && want.Equal(have) {
			continue
		}

		switch w := want.(type) {
		case Value:
			ops = append(ops, Op{Key: key, Kind: OpSet, Value: w})
		case Set:
			current, _ := have.(Set)
			toAdd, toRemove := w.Diff(current)
			adds := make([]Op, 0, len(toAdd))
			for _, v := range toAdd {
				adds = append(adds, Op{Key: key, Kind: OpSet, Value: v, Cumulative: true})
			}
			removes := make([]Op, 0, len(toRemove))
			for _, v := range toRemove {
				removes = append(removes, Op{Key: key, Kind: OpUnset, Value: v, Cumulative: true})
			}
			if order == RemoveFirst {
				ops = append(ops, removes...)
				ops = append(ops, adds...)
			} else {
				ops = append(ops, adds...)
				ops = append(ops, removes...)
			}
		}
	}
	return ops
}

// Sync applies Plan(desired, actual) to conn through exec, updating actual
// after every successful call. It returns the number of backend calls made.
// Any failure aborts the sync with an error matching ErrSynchronization and
// the underlying cause.
func (r *Registry[C]) Sync(conn C, desired, actual State, exec Executor) (int, error) {
	ops := r.Plan(desired, actual)
	if len(ops) == 0 {
		return 0, nil
	}
	if exec == nil {
		exec = direct
	}

	calls := 0
	for _, op := range ops {
		fn, err := r.lookup(op)
		if err != nil {
			return calls, fmt.Errorf("%w: %w", apperrors.ErrSynchronization, err)
		}

		v := op.Value
		calls++
		if err := exec(func() error { return fn(conn, v) }); err != nil {
			log.WithField("key", op.Key).
				WithField("op", op.Kind.String()).
				WithField("value", v.String()).
				WithError(err).
				Warn("state synchronization failed")
			return calls, fmt.Errorf("%w: %s %q %s: %w", apperrors.ErrSynchronization, op.Kind, op.Key, v.String(), err)
		}
		apply(actual, op)
	}

	log.WithField("calls", calls).Debug("synchronized connection state")
	return calls, nil
}

func (r *Registry[C]) lookup(op Op) (Setter[C], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fn Setter[C]
	if op.Kind == OpUnset {
		fn = r.unsetters[op.Key]
	} else {
		fn = r.setters[op.Key]
	}
	if fn == nil {
		return nil, fmt.Errorf("%s %q: %w", op.Kind, op.Key, apperrors.ErrNoSetter)
	}
	return fn, nil
}

// apply records a successful op in actual.
func apply(actual State, op Op) {
	if !op.Cumulative {
		actual[op.Key] = op.Value
		return
	}

	set, _ := actual[op.Key].(Set)
	if op.Kind == OpUnset {
		set.Remove(op.Value)
	} else {
		set.Add(op.Value)
	}
	actual[op.Key] = set
}

func direct(fn func() error) error {
	return fn()
}
