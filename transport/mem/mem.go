// Package mem implements the in-process Mem transport:
// two bounded FIFOs wiring two peers together directly, with no
// serialization, translated from a Rust MemTransport::pair() design to Go
// channel semantics the way smux's Session wires its own internal
// request/response channels.
package mem

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// Capacity is the bounded queue depth of each direction's FIFO.
const Capacity = 64

// Transport is one half of an in-process Mem pair.
type Transport struct {
	tx     chan *wire.Frame
	rx     chan *wire.Frame
	closed atomic.Bool
	once   sync.Once
}

// Pair returns two Transports wired A->B and B->A, each with a bounded
// capacity-64 FIFO in each direction.
func Pair() (a, b *Transport) {
	ab := make(chan *wire.Frame, Capacity)
	ba := make(chan *wire.Frame, Capacity)
	a = &Transport{tx: ab, rx: ba}
	b = &Transport{tx: ba, rx: ab}
	return a, b
}

func (t *Transport) SendFrame(ctx context.Context, f *wire.Frame) error {
	if t.closed.Load() {
		return rpcerr.ErrClosed
	}
	if f.Desc.IsInline() {
		f.Payload = wire.InlinePayload(f.Desc.InlineBytes())
	}
	select {
	case t.tx <- f:
		return nil
	case <-ctx.Done():
		return rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
	}
}

func (t *Transport) RecvFrame(ctx context.Context) (*wire.Frame, error) {
	if t.closed.Load() {
		return nil, rpcerr.ErrClosed
	}
	select {
	case f, ok := <-t.rx:
		if !ok {
			return nil, rpcerr.ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
	}
}

// Close marks the transport closed. It is idempotent.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
	})
	return nil
}

func (t *Transport) IsClosed() bool { return t.closed.Load() }
