// Package state implements declarative per-connection state.
//
// Applications declare the state every pooled connection should be in (which
// tube it uses, which tubes it watches) and the registry replays the minimal
// set of setter and unsetter calls needed to bring a connection's actual
// state in line with the desired state.
//
// Two kinds of entries exist:
//
//	Exclusive   one Value per key, last writer wins ("use tube X")
//	Cumulative  a Set of Values per key, mutated by add/remove ("watch X")
package state

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind tells whether a state key holds a single Value or a Set.
type Kind int

const (
	// Exclusive keys hold exactly one Value.
	Exclusive Kind = iota
	// Cumulative keys hold a Set of Values.
	Cumulative
)

func (k Kind) String() string {
	switch k {
	case Exclusive:
		return "exclusive"
	case Cumulative:
		return "cumulative"
	default:
		return "unknown"
	}
}

// Entry is the value stored under a state key: a Value or a Set.
type Entry interface {
	Kind() Kind
	Equal(other Entry) bool
	clone() Entry
}

// Value is an immutable record of the arguments of a state-declaring call.
// Equality is structural: positional arguments compare in order and named
// arguments compare regardless of the order they were given in. Pointers
// compare by what they point to, and a nil slice or map equals an empty one.
type Value struct {
	args  []any
	named map[string]any
	key   string
	hash  uint64
}

// NewValue creates a Value from positional arguments.
func NewValue(args ...any) Value {
	return NewNamedValue(args, nil)
}

// NewNamedValue creates a Value from positional and named arguments.
func NewNamedValue(args []any, named map[string]any) Value {
	v := Value{
		args: append([]any(nil), args...),
	}
	if len(named) > 0 {
		v.named = make(map[string]any, len(named))
		for k, a := range named {
			v.named[k] = a
		}
	}
	v.key = canonical(v.args, v.named)
	v.hash = xxhash.Sum64String(v.key)
	return v
}

// canonical renders arguments into a deterministic string. Named arguments
// are sorted by name.
func canonical(args []any, named map[string]any) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		encode(&sb, reflect.ValueOf(a), 0)
	}
	if len(named) == 0 {
		return sb.String()
	}

	names := make([]string, 0, len(named))
	for k := range named {
		names = append(names, k)
	}
	sort.Strings(names)

	sb.WriteByte(0x1e)
	for i, k := range names {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		encode(&sb, reflect.ValueOf(named[k]), 0)
	}
	return sb.String()
}

// maxEncodeDepth bounds recursion through self-referencing arguments.
const maxEncodeDepth = 32

// encode writes v by structure: pointers are followed, nil and empty
// slices or maps encode alike and map entries are sorted.
func encode(sb *strings.Builder, v reflect.Value, depth int) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			fmt.Fprintf(sb, "%s(nil)", v.Type())
			return
		}
		if depth > maxEncodeDepth {
			sb.WriteString("...")
			return
		}
		v = v.Elem()
		depth++
	}
	if !v.IsValid() {
		sb.WriteString("nil")
		return
	}
	if depth > maxEncodeDepth {
		sb.WriteString("...")
		return
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		fmt.Fprintf(sb, "%s[", v.Type())
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			encode(sb, v.Index(i), depth+1)
		}
		sb.WriteByte(']')
	case reflect.Map:
		entries := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var entry strings.Builder
			encode(&entry, iter.Key(), depth+1)
			entry.WriteByte(':')
			encode(&entry, iter.Value(), depth+1)
			entries = append(entries, entry.String())
		}
		sort.Strings(entries)
		fmt.Fprintf(sb, "%s{%s}", v.Type(), strings.Join(entries, ","))
	case reflect.Struct:
		fmt.Fprintf(sb, "%s{", v.Type())
		for i := 0; i < v.NumField(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(v.Type().Field(i).Name)
			sb.WriteByte(':')
			encode(sb, v.Field(i), depth+1)
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "%s:%#v", v.Type(), v)
	}
}

// Args returns a copy of the positional arguments.
func (v Value) Args() []any {
	return append([]any(nil), v.args...)
}

// Arg returns the positional argument at i, or nil if out of range.
func (v Value) Arg(i int) any {
	if i < 0 || i >= len(v.args) {
		return nil
	}
	return v.args[i]
}

// String returns the first positional argument as a string.
// Most state keys carry a single name, e.g. a tube.
func (v Value) String() string {
	if len(v.args) == 1 && len(v.named) == 0 {
		if s, ok := v.args[0].(string); ok {
			return s
		}
	}
	return v.key
}

// Named returns a copy of the named arguments.
func (v Value) Named() map[string]any {
	out := make(map[string]any, len(v.named))
	for k, a := range v.named {
		out[k] = a
	}
	return out
}

// Key returns the canonical encoding used for equality.
func (v Value) Key() string {
	return v.key
}

// Hash returns the 64-bit hash of the canonical encoding.
func (v Value) Hash() uint64 {
	return v.hash
}

// Kind implements Entry.
func (v Value) Kind() Kind {
	return Exclusive
}

// Equal implements Entry.
func (v Value) Equal(other Entry) bool {
	o, ok := other.(Value)
	if !ok {
		return false
	}
	return v.hash == o.hash && v.key == o.key
}

func (v Value) clone() Entry {
	return v
}
