package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/state"
)

func TestBackendDial(t *testing.T) {
	b := NewBackend()

	c, err := b.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.ID())
	assert.Equal(t, DefaultTube, c.Using())
	assert.Equal(t, []string{DefaultTube}, c.Watching())
	assert.Equal(t, 1, b.Open())

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Zero(t, b.Open())

	boom := errors.New("refused")
	b.FailDial(boom)
	_, err = b.Dial(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConnTubeState(t *testing.T) {
	b := NewBackend()
	c, err := b.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Use("emails"))
	require.NoError(t, c.Watch("emails"))
	require.NoError(t, c.Ignore(DefaultTube))
	assert.Equal(t, "emails", c.Using())
	assert.Equal(t, []string{"emails"}, c.Watching())

	err = c.Ignore("emails")
	assert.ErrorIs(t, err, apperrors.ErrNotIgnored)

	assert.Equal(t, []string{"use:emails", "watch:emails", "ignore:default", "ignore:emails"}, b.Calls())

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, DefaultTube, c.Using())
	assert.Equal(t, 1, c.Reconnects())
}

func TestFailOp(t *testing.T) {
	b := NewBackend()
	c, err := b.Dial(context.Background())
	require.NoError(t, err)

	boom := errors.New("boom")
	b.FailOp("watch", boom)
	assert.ErrorIs(t, c.Watch("x"), boom)
	b.FailOp("watch", nil)
	assert.NoError(t, c.Watch("x"))
}

func TestRegistrySyncsConn(t *testing.T) {
	b := NewBackend()
	reg := b.Registry()
	c, err := b.Dial(context.Background())
	require.NoError(t, err)

	desired := DefaultState()
	require.NoError(t, desired.Declare(KeyUsing, state.NewValue("emails")))
	require.NoError(t, desired.Attend(KeyWatching, state.NewValue("emails")))

	actual := reg.Defaults()
	calls, err := reg.Sync(c, desired, actual, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, desired.Equal(actual))
	assert.Equal(t, "emails", c.Using())
	assert.Equal(t, []string{DefaultTube, "emails"}, c.Watching())
}
