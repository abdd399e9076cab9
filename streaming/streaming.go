// Package streaming implements Rapace's two call shapes on top of a
// session.Session: Call, the request/response leg used by unary and
// server-streaming RPCs, and StartStreamingCall, which hands back a Stream
// for client- and bidi-streaming RPCs to drive by hand. Grounded on smux's
// OpenStream/AcceptStream pairing (session.OpenChannel/AcceptChannel play
// the same role here) and on the call/start_streaming_call shape of the
// reference testkit this protocol was distilled from.
package streaming

import (
	"context"
	"errors"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/session"
	"github.com/bearcove/rapace/wire"
)

// ErrStreamDone is returned by Stream.Recv once the inbound side has seen
// its EOS frame; callers should stop calling Recv.
var ErrStreamDone = errors.New("streaming: stream complete")

// CallOptions customizes a Call or StartStreamingCall.
type CallOptions struct {
	Metadata []wire.Param

	// AllowBlockingSend opts into waiting for a GRANT_CREDITS refill
	// instead of failing immediately with ResourceExhausted when a chunk
	// would exceed the channel's currently available send credits.
	AllowBlockingSend bool
}

// Call opens a CALL channel, sends req as a single EOS-flagged request,
// and waits for exactly one reply frame: either the response bytes or a
// decoded rpcerr.Error if the peer replied with an ERROR-flagged frame.
// This is the unary shape, and the first-response leg of server streaming.
func Call(ctx context.Context, s *session.Session, serviceName, methodName string, req []byte, opts CallOptions) ([]byte, error) {
	ch, err := s.OpenChannel(ctx, wire.ChannelCall, serviceName, methodName, opts.Metadata, nil)
	if err != nil {
		return nil, err
	}
	defer ch.Close(wire.CloseReason{Normal: true})

	if err := ch.SendData(ctx, wire.OwnedPayload(req), true, opts.AllowBlockingSend); err != nil {
		return nil, err
	}

	f, err := ch.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if f.Desc.Flags.Has(wire.FlagError) {
		return nil, decodeError(s, f)
	}
	return f.Payload.Bytes(), nil
}

// Stream is a client's view of an open CALL channel used for client- or
// bidi-streaming RPCs: Send/CloseSend drive the outbound half, Recv drives
// the inbound half, independently of each other.
type Stream struct {
	ch                *session.Channel
	session           *session.Session
	allowBlockingSend bool
	done              bool
}

// StartStreamingCall opens a CALL channel and returns a Stream before any
// request chunk has been sent, the way smux callers OpenStream and then
// Write/Read by hand rather than through a single blocking round trip.
func StartStreamingCall(ctx context.Context, s *session.Session, serviceName, methodName string, opts CallOptions) (*Stream, error) {
	ch, err := s.OpenChannel(ctx, wire.ChannelCall, serviceName, methodName, opts.Metadata, nil)
	if err != nil {
		return nil, err
	}
	return &Stream{ch: ch, session: s, allowBlockingSend: opts.AllowBlockingSend}, nil
}

// AcceptStreamingCall is the server-side counterpart: it wraps an already
// accepted Channel (from session.AcceptChannel) in a Stream.
func AcceptStreamingCall(s *session.Session, ch *session.Channel, opts CallOptions) *Stream {
	return &Stream{ch: ch, session: s, allowBlockingSend: opts.AllowBlockingSend}
}

// Channel returns the underlying Channel, for callers that need its ID or
// metadata.
func (st *Stream) Channel() *session.Channel { return st.ch }

// Send writes one outbound chunk. eos sets EOS on the frame, marking the
// final chunk of this side's outbound stream; Send does not remember it,
// so a later Send on the same Stream is still sent.
func (st *Stream) Send(ctx context.Context, chunk []byte, eos bool) error {
	return st.ch.SendData(ctx, wire.OwnedPayload(chunk), eos, st.allowBlockingSend)
}

// CloseSend ends the outbound stream without a final data chunk.
func (st *Stream) CloseSend(ctx context.Context) error {
	return st.ch.SendData(ctx, wire.OwnedPayload(nil), true, st.allowBlockingSend)
}

// Recv returns the next inbound chunk. Once the peer's EOS frame has been
// delivered, Recv returns ErrStreamDone on every subsequent call; an
// ERROR-flagged frame is decoded and returned as a *rpcerr.Error instead.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	if st.done {
		return nil, ErrStreamDone
	}

	f, err := st.ch.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if f.Desc.Flags.Has(wire.FlagError) {
		st.done = true
		return nil, decodeError(st.session, f)
	}
	if f.Desc.Flags.Has(wire.FlagEOS) {
		st.done = true
	}
	return f.Payload.Bytes(), nil
}

// Close sends CLOSE_CHANNEL for the underlying channel.
func (st *Stream) Close() error {
	return st.ch.Close(wire.CloseReason{Normal: true})
}

// Cancel cancels the underlying channel (and any attached channels).
func (st *Stream) Cancel(reason wire.CancelReason) error {
	return st.ch.Cancel(reason)
}

func decodeError(s *session.Session, f *wire.Frame) error {
	var p rpcerr.Payload
	if err := s.Codec().Unmarshal(f.Payload.Bytes(), &p); err != nil {
		return rpcerr.New(rpcerr.CodeInternal, "malformed error payload: %v", err)
	}
	return rpcerr.FromPayload(p)
}
