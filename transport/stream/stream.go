// Package stream implements the Stream transport: varint
// length-prefixed frames over any duplex byte channel. Grounded on smux's
// sendLoop/recvLoop (session.go): a single dedicated sendLoop goroutine
// owns the connection's write side and serializes outbound frames through
// a request channel, using a vectorised write when the underlying
// connection supports scatter-gather I/O — exactly smux's pattern via
// github.com/sagernet/sing/common/bufio.CreateVectorisedWriter/
// WriteVectorised.
package stream

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	singbufio "github.com/sagernet/sing/common/bufio"

	"github.com/bearcove/rapace/bufpool"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

type writeRequest struct {
	f      *wire.Frame
	result chan error
}

// Transport wraps a duplex io.ReadWriteCloser with Rapace's varint framing.
type Transport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	pool   *bufpool.Pool

	writes chan writeRequest
	die    chan struct{}

	maxPayloadSize atomic.Int64
	closed         atomic.Bool
	closeOnce      sync.Once
}

// New wraps conn. maxPayloadSize defaults to wire.DefaultMaxPayloadSize
// (16 MiB) and may be changed after handshake negotiation via
// SetMaxPayloadSize.
func New(conn io.ReadWriteCloser, pool *bufpool.Pool) *Transport {
	t := &Transport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		pool:   pool,
		writes: make(chan writeRequest),
		die:    make(chan struct{}),
	}
	t.maxPayloadSize.Store(wire.DefaultMaxPayloadSize)
	go t.sendLoop()
	return t
}

// SetMaxPayloadSize updates the negotiated maximum payload size used to
// validate inbound frames.
func (t *Transport) SetMaxPayloadSize(n int) {
	t.maxPayloadSize.Store(int64(n))
}

// sendLoop owns the connection's write side, the way smux's sendLoop owns
// s.conn: one goroutine, fed by a channel, picks a vectorised or plain
// write path once at startup.
func (t *Transport) sendLoop() {
	vw, hasVec := singbufio.CreateVectorisedWriter(t.conn)
	vec := make([][]byte, 2)

	for {
		select {
		case <-t.die:
			return
		case req := <-t.writes:
			var payload []byte
			if !req.f.Desc.IsInline() {
				payload = req.f.Payload.Bytes()
			}

			total := uint64(wire.DescriptorSize + len(payload))
			if req.f.Desc.IsInline() {
				total += uint64(req.f.Desc.PayloadLen)
			}
			var lenBuf [wire.MaxVarintBytes]byte
			n := wire.PutVarint(lenBuf[:], total)

			var descBuf [wire.DescriptorSize]byte
			req.f.Desc.Encode(descBuf[:])

			var err error
			if hasVec {
				head := make([]byte, 0, n+wire.DescriptorSize)
				head = append(head, lenBuf[:n]...)
				head = append(head, descBuf[:]...)
				vec[0] = head
				vec[1] = payload
				_, err = singbufio.WriteVectorised(vw, vec)
			} else {
				if _, werr := t.conn.Write(lenBuf[:n]); werr != nil {
					err = werr
				} else if _, werr := t.conn.Write(descBuf[:]); werr != nil {
					err = werr
				} else if len(payload) > 0 {
					_, err = t.conn.Write(payload)
				}
			}

			req.result <- err
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) SendFrame(ctx context.Context, f *wire.Frame) error {
	if t.closed.Load() {
		return rpcerr.ErrClosed
	}
	req := writeRequest{f: f, result: make(chan error, 1)}
	select {
	case t.writes <- req:
	case <-t.die:
		return rpcerr.ErrClosed
	case <-ctx.Done():
		return rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
	}
	select {
	case err := <-req.result:
		if err != nil {
			return rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
		return nil
	case <-t.die:
		return rpcerr.ErrClosed
	case <-ctx.Done():
		return rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
	}
}

func (t *Transport) RecvFrame(ctx context.Context) (*wire.Frame, error) {
	if t.closed.Load() {
		return nil, rpcerr.ErrClosed
	}
	f, err := wire.DecodeFrame(t.reader, int(t.maxPayloadSize.Load()), poolAdapter{t.pool})
	if err != nil {
		switch err {
		case wire.ErrClosed:
			return nil, rpcerr.ErrClosed
		case wire.ErrInvalidData:
			return nil, rpcerr.NewTransport(rpcerr.TransportDecode, err)
		default:
			return nil, rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
	}
	return f, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.die)
		err = t.conn.Close()
	})
	return err
}

// poolAdapter adapts bufpool.Pool to wire.PayloadAllocator.
type poolAdapter struct{ pool *bufpool.Pool }

func (p poolAdapter) Get(n int) []byte { return p.pool.Get(n) }
func (p poolAdapter) Put(b []byte)     { p.pool.Put(b) }
