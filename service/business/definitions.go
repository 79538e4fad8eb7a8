// Package business holds the per-instance connection state: the sharded
// connection table, the per-connection heartbeat supervisor and the async
// plumbing that keeps the distributed presence registry in step with local
// reality.
package business

import (
	"context"
	"errors"
)

var (
	// ErrConnectionTableFull is returned when the table is at capacity.
	ErrConnectionTableFull = errors.New("connection table full")
	// ErrShuttingDown rejects new connections during graceful shutdown.
	ErrShuttingDown = errors.New("connection table is shutting down")
	// ErrInvalidInput flags a handshake that never bound user and device ids.
	ErrInvalidInput = errors.New("userID and deviceID are required")
	// ErrConnectionClosed is returned on sends to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Sender is the non-owning write capability of one transport connection.
// Implementations must serialize concurrent Send/SendPing calls; the table
// invokes them from delivery, heartbeat and shutdown paths alike.
type Sender interface {
	// Send writes one opaque application payload to the peer.
	Send(ctx context.Context, payload []byte) error
	// SendPing writes a liveness probe to the peer.
	SendPing(ctx context.Context) error
	// Close terminates the transport. Repeat calls must be harmless.
	Close(ctx context.Context, reason string) error
}

// AsyncRunner schedules best-effort work off the connection path. Failures
// are logged by the runner, never surfaced to the caller.
type AsyncRunner interface {
	Submit(ctx context.Context, name string, fn func(ctx context.Context) error)
}
