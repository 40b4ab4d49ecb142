package services

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps any failure talking to the shared presence store.
	ErrStoreUnavailable = errors.New("presence store unavailable")
	// ErrUnauthenticatedConnection means a connection has no usable username/user id.
	ErrUnauthenticatedConnection = errors.New("unauthenticated connection")
	ErrInvalidToken              = errors.New("invalid token")
	ErrInvalidConnectionID       = errors.New("invalid connection id")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreUnavailable, op, err)
}
