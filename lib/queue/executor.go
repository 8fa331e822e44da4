package queue

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/go-i2p/statepool/lib/errors"
)

// Translate runs fn and marks connection-level failures as transient, so
// retriers reconnect and try again. Redis replies and queue errors pass
// through unchanged.
func Translate(fn func() error) error {
	err := fn()
	if err == nil || apperrors.IsTransient(err) {
		return err
	}
	if IsConnectionError(err) {
		return apperrors.Transient(err)
	}
	return err
}

// IsConnectionError reports whether err means the connection is unusable.
func IsConnectionError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, redis.Nil):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, redis.ErrClosed), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
