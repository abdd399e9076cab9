package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// Channel is one logical stream multiplexed over a Session. A CALL
// channel carries a unary or streaming RPC; a STREAM channel carries a
// raw byte stream, typically attached to a CALL; a TUNNEL channel carries
// an opaque bidirectional byte pipe.
type Channel struct {
	id      uint32
	kind    wire.ChannelKind
	session *Session

	inbound chan *wire.Frame

	// sendCredits is how many more bytes of DATA payload this side may send
	// before a send is rejected (or blocks, if opted in) pending a
	// GRANT_CREDITS from the peer. Credits are byte-denominated and
	// additive/saturating: GrantCredits never decreases the counter, and a
	// grant that would overflow int64 clamps instead of wrapping.
	sendCredits  int64
	creditNotify chan struct{}

	// recvWindow is how many more bytes of inbound DATA payload this side
	// will accept before it must replenish the peer's credits.
	recvWindow     int64
	recvWindowInit int64

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  atomic.Value

	cancelOnce sync.Once
	cancelled  atomic.Bool
	cancelCh   chan struct{}

	attach []uint32
}

func newChannel(id uint32, kind wire.ChannelKind, s *Session, initialCredits uint32) *Channel {
	return &Channel{
		id:             id,
		kind:           kind,
		session:        s,
		inbound:        make(chan *wire.Frame, 64),
		sendCredits:    int64(initialCredits),
		creditNotify:   make(chan struct{}, 1),
		recvWindow:     int64(initialCredits),
		recvWindowInit: int64(initialCredits),
		cancelCh:       make(chan struct{}),
	}
}

func (c *Channel) ID() uint32            { return c.id }
func (c *Channel) Kind() wire.ChannelKind { return c.kind }
func (c *Channel) IsClosed() bool        { return c.closed.Load() }
func (c *Channel) IsCancelled() bool     { return c.cancelled.Load() }

// OpenChannel allocates the next channel id of this session's parity,
// sends OPEN_CHANNEL, and returns the local Channel handle. attach lists
// channel ids whose cancellation should cascade from this one (used when
// kind is a CALL channel with attached DATA streams).
func (s *Session) OpenChannel(ctx context.Context, kind wire.ChannelKind, service, method string, metadata []wire.Param, attach []uint32) (*Channel, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}

	s.nextChannelIDLock.Lock()
	id := s.nextChannelID
	s.nextChannelID += 2
	if id == 0 {
		// id 0 is reserved for control; skip forward to the first real id
		// of this side's parity.
		id = s.nextChannelID
		s.nextChannelID += 2
	}
	s.nextChannelIDLock.Unlock()

	ch := newChannel(id, kind, s, s.Limits.InitialCredits)
	ch.attach = attach

	s.channelsMu.Lock()
	s.channels[id] = ch
	s.channelsMu.Unlock()

	payload := wire.OpenChannelPayload{
		ChannelID:      id,
		Kind:           kind,
		ServiceName:    service,
		MethodName:     method,
		Metadata:       metadata,
		InitialCredits: s.Limits.InitialCredits,
		Attach:         attach,
	}
	if err := s.sendControl(ctx, wire.ControlOpenChannel, payload); err != nil {
		s.channelsMu.Lock()
		delete(s.channels, id)
		s.channelsMu.Unlock()
		return nil, err
	}

	return ch, nil
}

// AcceptChannel blocks until the peer opens a new channel, or the
// session closes.
func (s *Session) AcceptChannel(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-s.acceptCh:
		return ch, nil
	case <-s.die:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendData sends one DATA frame on the channel. Send credits are
// byte-denominated: payload_len is deducted from sendCredits, not a flat
// one unit per frame, so used_credits+remaining_credits stays equal to
// granted_credits in bytes. By default a payload larger than the
// available credits is rejected synchronously with ResourceExhausted and
// nothing reaches the wire; pass block=true to instead wait for a
// GRANT_CREDITS, the way smux's stream Write blocks on a full send
// window.
func (c *Channel) SendData(ctx context.Context, payload wire.Payload, eos bool, block bool) error {
	if c.closed.Load() {
		return ErrClosed
	}

	payloadLen := int64(len(payload.Bytes()))
	if block {
		if err := c.waitForCredit(ctx, payloadLen); err != nil {
			return err
		}
	} else if !c.tryAcquireCredit(payloadLen) {
		return rpcerr.New(rpcerr.CodeResourceExhausted, "channel %d: %d byte payload exceeds %d available send credits", c.id, payloadLen, atomic.LoadInt64(&c.sendCredits))
	}

	var f wire.Frame
	f.Desc.ChannelID = c.id
	f.Desc.Flags = wire.FlagData
	if eos {
		f.Desc.Flags |= wire.FlagEOS
	}
	f.Payload = payload
	f.Desc.PayloadLen = uint32(payloadLen)

	return c.session.queueWrite(ctx, classData, &f)
}

// Respond sends payload as the single response frame of a CALL channel,
// flagged Response|EOS: the server-side counterpart to a client's Call.
func (c *Channel) Respond(ctx context.Context, payload []byte) error {
	var f wire.Frame
	f.Desc.ChannelID = c.id
	f.Desc.Flags = wire.FlagResponse | wire.FlagEOS
	f.Payload = wire.OwnedPayload(payload)
	f.Desc.PayloadLen = uint32(len(payload))
	return c.session.queueWrite(ctx, classData, &f)
}

// RespondError sends an Error|EOS frame carrying rpcErr encoded with the
// session's negotiated codec, the error-path counterpart to Respond.
func (c *Channel) RespondError(ctx context.Context, rpcErr *rpcerr.Error) error {
	body, err := c.session.config.Codec.Marshal(rpcErr.ToPayload())
	if err != nil {
		return err
	}
	var f wire.Frame
	f.Desc.ChannelID = c.id
	f.Desc.Flags = wire.FlagError | wire.FlagEOS
	f.Payload = wire.OwnedPayload(body)
	f.Desc.PayloadLen = uint32(len(body))
	return c.session.queueWrite(ctx, classData, &f)
}

// tryAcquireCredit atomically deducts n from sendCredits if at least n are
// available, and reports whether it did.
func (c *Channel) tryAcquireCredit(n int64) bool {
	for {
		old := atomic.LoadInt64(&c.sendCredits)
		if old < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.sendCredits, old, old-n) {
			return true
		}
	}
}

func (c *Channel) waitForCredit(ctx context.Context, n int64) error {
	for {
		if c.tryAcquireCredit(n) {
			return nil
		}
		select {
		case <-c.creditNotify:
		case <-c.session.die:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) notifyCredit() {
	select {
	case c.creditNotify <- struct{}{}:
	default:
	}
}

// grantCredits additively, saturating, increases sendCredits and wakes
// any SendData blocked on waitForCredit.
func (c *Channel) grantCredits(n uint32) {
	for {
		old := atomic.LoadInt64(&c.sendCredits)
		next := old + int64(n)
		if next < old { // overflow
			next = 1<<63 - 1
		}
		if atomic.CompareAndSwapInt64(&c.sendCredits, old, next) {
			break
		}
	}
	c.notifyCredit()
}

// Recv blocks until the next inbound frame for this channel, or the
// channel/session closes, or the channel is cancelled (by either side).
func (c *Channel) Recv(ctx context.Context) (*wire.Frame, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			if err, _ := c.closeErr.Load().(error); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		c.afterRecv(int64(f.Desc.PayloadLen))
		return f, nil
	case <-c.cancelCh:
		return nil, rpcerr.New(rpcerr.CodeCancelled, "channel %d cancelled", c.id)
	case <-c.session.die:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// afterRecv decrements the local receive window by the bytes just
// consumed and, once it drops below half its initial grant, replenishes
// the peer via GRANT_CREDITS — the same halved-threshold replenishment
// smux's bucket/returnTokens pattern uses for its receive window, here
// counted in bytes rather than frames to match the byte-denominated
// credit grant itself.
func (c *Channel) afterRecv(n int64) {
	remaining := atomic.AddInt64(&c.recvWindow, -n)
	if remaining <= c.recvWindowInit/2 {
		grant := c.recvWindowInit - remaining
		atomic.AddInt64(&c.recvWindow, grant)
		_ = c.session.sendControl(context.Background(), wire.ControlGrantCredits, wire.GrantCreditsPayload{
			ChannelID: c.id,
			Bytes:     uint32(grant),
		})
	}
}

// Close sends CLOSE_CHANNEL and releases local channel state.
func (c *Channel) Close(reason wire.CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.inbound)
		c.session.channelsMu.Lock()
		delete(c.session.channels, c.id)
		c.session.channelsMu.Unlock()
		err = c.session.sendControl(context.Background(), wire.ControlCloseChannel, wire.CloseChannelPayload{
			ChannelID: c.id,
			Reason:    reason,
		})
	})
	return err
}

// Cancel sends CANCEL_CHANNEL for this channel, marks it cancelled
// locally (discarding pending inbound data and waking any blocked Recv
// with Cancelled), and cascades to any channels listed in Attach, per the
// CALL->attached-channel cancellation rule.
func (c *Channel) Cancel(reason wire.CancelReason) error {
	var err error
	c.cancelOnce.Do(func() {
		c.markCancelled()
		err = c.session.sendControl(context.Background(), wire.ControlCancelChannel, wire.CancelChannelPayload{
			ChannelID: c.id,
			Reason:    reason,
		})
		for _, attachedID := range c.attach {
			c.session.channelsMu.Lock()
			attached, ok := c.session.channels[attachedID]
			c.session.channelsMu.Unlock()
			if ok {
				_ = attached.Cancel(reason)
			}
		}
	})
	return err
}

// markCancelled marks the channel cancelled, drains any frames already
// queued in inbound (receivers MUST discard pending data on cancel), and
// wakes any Recv blocked or yet to be called with a Cancelled error. It
// is called both when this side initiates the cancel (Cancel) and when
// the peer's CANCEL_CHANNEL arrives (handleCancelChannel), and is
// idempotent either way.
func (c *Channel) markCancelled() {
	if !c.cancelled.CompareAndSwap(false, true) {
		return
	}
drain:
	for {
		select {
		case _, ok := <-c.inbound:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
	close(c.cancelCh)
}

// forceClose is used by Session.Close to tear every channel down
// without round-tripping a CLOSE_CHANNEL the peer will never see.
func (c *Channel) forceClose(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr.Store(err)
		close(c.inbound)
	})
}

// deliver routes an inbound frame to this channel's queue, dropping it
// if the channel is already closed (the peer hasn't processed our
// CLOSE_CHANNEL yet) or cancelled (a late frame, including a response
// racing a cancel, is discarded rather than handed to Recv).
func (c *Channel) deliver(f *wire.Frame) {
	if c.closed.Load() || c.cancelled.Load() {
		return
	}
	select {
	case c.inbound <- f:
	default:
		// Slow consumer: smux would block the whole recvLoop here too
		// (token bucket backpressure); Rapace channels are bounded the
		// same way, so a full inbound queue means the peer has already
		// exceeded the credits it was granted.
		c.inbound <- f
	}
}
