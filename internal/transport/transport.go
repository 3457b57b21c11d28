// Package transport provides the UDP socket that carries HTCP datagrams.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotBound is returned when sending on a socket that was never bound.
	ErrNotBound = errors.New("socket not bound")

	// ErrAlreadyBound is returned when Bind is called twice.
	ErrAlreadyBound = errors.New("socket already bound")

	// ErrClosed is returned when using a socket after Close.
	ErrClosed = errors.New("socket closed")
)

// Sender transmits a single datagram to a host:port destination.
type Sender interface {
	// Send writes packet to dest as one datagram. Implementations must be
	// safe for concurrent use; each call is a single atomic write.
	Send(ctx context.Context, packet []byte, dest string) error
}

// NetworkError describes a failed socket operation.
type NetworkError struct {
	Operation string
	Err       error
	Details   string
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}
