package queue

import (
	"github.com/go-i2p/statepool/lib/state"
)

// Connection state keys.
const (
	// KeyUsing holds the tube Put writes to.
	KeyUsing = "using"
	// KeyWatching holds the tubes Reserve reads from.
	KeyWatching = "watching"
)

// NewRegistry returns the state registry of a queue connection: "using" is
// exclusive, "watching" cumulative, and a fresh connection uses and watches
// defaultTube.
func NewRegistry(defaultTube string, order state.Order) (*state.Registry[*Conn], error) {
	reg := state.NewRegistry[*Conn]()
	err := reg.RegisterSetter(KeyUsing, func(c *Conn, v state.Value) error {
		return c.Use(v.String())
	})
	if err == nil {
		err = reg.RegisterSetter(KeyWatching, func(c *Conn, v state.Value) error {
			return c.Watch(v.String())
		})
	}
	if err == nil {
		err = reg.RegisterUnsetter(KeyWatching, func(c *Conn, v state.Value) error {
			return c.Ignore(v.String())
		})
	}
	if err == nil {
		err = reg.RegisterDefaultState(func() state.State {
			return state.State{
				KeyUsing:    state.NewValue(defaultTube),
				KeyWatching: state.NewSet(state.NewValue(defaultTube)),
			}
		})
	}
	if err == nil {
		err = reg.SetOrder(order)
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}
