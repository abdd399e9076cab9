// Package transport defines the uniform frame-transport contract
// implemented by the mem, stream, hub, and ws backends.
package transport

import (
	"context"

	"github.com/bearcove/rapace/wire"
)

// Transport moves frames between two peers. Implementations MUST NOT
// reorder frames within a channel; they MAY buffer internally. SendFrame
// returns a Closed error after the local side has closed; RecvFrame
// returns Closed on a clean remote EOF. Close is idempotent and wakes any
// blocked peer.
type Transport interface {
	SendFrame(ctx context.Context, f *wire.Frame) error
	RecvFrame(ctx context.Context) (*wire.Frame, error)
	Close() error
}
