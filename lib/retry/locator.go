package retry

import (
	"fmt"

	apperrors "github.com/go-i2p/statepool/lib/errors"
)

// Args are the arguments of a wrapped call.
type Args struct {
	Positional []any
	Named      map[string]any
}

type locatorKind int

const (
	locateNone locatorKind = iota
	locateIndex
	locateName
	locateReceiver
)

// Locator tells a wrapped call where its connection argument is.
// The zero Locator finds nothing, so retries happen without reconnecting.
type Locator struct {
	kind     locatorKind
	index    int
	name     string
	receiver any
	strict   bool
}

// ByIndex locates the connection at a positional index.
func ByIndex(i int) Locator {
	return Locator{kind: locateIndex, index: i}
}

// ByName locates the connection under a named argument.
func ByName(name string) Locator {
	return Locator{kind: locateName, name: name}
}

// Receiver always locates v, the object the wrapped operation belongs to.
func Receiver(v any) Locator {
	return Locator{kind: locateReceiver, receiver: v}
}

// Strict makes an unresolvable argument a configuration error instead of
// retrying without a reconnect.
func (l Locator) Strict() Locator {
	l.strict = true
	return l
}

func (l Locator) String() string {
	switch l.kind {
	case locateIndex:
		return fmt.Sprintf("index(%d)", l.index)
	case locateName:
		return fmt.Sprintf("name(%s)", l.name)
	case locateReceiver:
		return "receiver"
	default:
		return "none"
	}
}

func (l Locator) validate() error {
	switch l.kind {
	case locateIndex:
		if l.index < 0 {
			return fmt.Errorf("negative index %d: %w", l.index, apperrors.ErrLocator)
		}
	case locateName:
		if l.name == "" {
			return fmt.Errorf("empty argument name: %w", apperrors.ErrLocator)
		}
	case locateReceiver:
		if l.receiver == nil {
			return fmt.Errorf("nil receiver: %w", apperrors.ErrLocator)
		}
	case locateNone:
		if l.strict {
			return fmt.Errorf("strict locator without a target: %w", apperrors.ErrLocator)
		}
	}
	return nil
}

// Locate returns the connection argument, or nil if it is absent and the
// locator is not strict.
func (l Locator) Locate(args Args) (any, error) {
	var (
		v     any
		found bool
	)

	switch l.kind {
	case locateIndex:
		if l.index < len(args.Positional) {
			v, found = args.Positional[l.index], true
		}
	case locateName:
		v, found = args.Named[l.name]
	case locateReceiver:
		v, found = l.receiver, true
	}

	if !found || v == nil {
		if l.strict {
			return nil, fmt.Errorf("%s not found in call arguments: %w", l, apperrors.ErrLocator)
		}
		return nil, nil
	}
	return v, nil
}
