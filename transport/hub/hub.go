// Package hubtransport implements the Transport contract on top of the
// hub shared-memory substrate: out-of-line payloads move through a
// size-classed slab instead of being copied into a socket buffer, and
// the descriptor itself crosses via a lock-free SPSC ring rather than a
// byte stream. Grounded on the hub package (itself ported from
// rapace-transport-shm's hub_alloc.rs/hub_session.rs) and on smux's
// Session. A slow consumer backpressures the sender: RecvFrame waits on
// its doorbell while the inbound ring is empty, and SendFrame retries in a
// loop, without sleeping, for as long as the outbound ring is full.
package hubtransport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bearcove/rapace/hub"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// hubRing is the subset of descRing's exported method set this package
// needs; declared here because hub.descRing itself is unexported (the
// hub package only ever returns it from SendRing/RecvRing, never names
// it in a signature a caller could embed).
type hubRing interface {
	TryPush(d *wire.Descriptor) error
	TryPop() (*wire.Descriptor, error)
}

// Transport is one side's view of a hub connection to a specific peer
// slot: outbound frames are pushed onto outRing (and the peer's doorbell
// is rung), inbound frames are popped from inRing (waiting on ownDoorbell
// when empty).
type Transport struct {
	seg    *hub.Segment
	peer   uint32
	owner  uint32 // peerID that owns slots this side allocates (itself)

	outRing     hubRing
	inRing      hubRing
	ringDoorbell *hub.Doorbell // rung by the peer when inRing gets new work
	peerDoorbell *hub.Doorbell // rung by us when outRing gets new work

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPeerSide builds the Transport a plugin process uses: it sends into
// the peer's SendRing and receives from its RecvRing, per hub.Segment's
// naming (SendRing is what the peer sends into; RecvRing is what the
// peer receives from).
func NewPeerSide(seg *hub.Segment, peerIndex uint32, ownDoorbell, peerDoorbell *hub.Doorbell) *Transport {
	sendRing := seg.SendRing(peerIndex)
	recvRing := seg.RecvRing(peerIndex)
	return &Transport{
		seg: seg, peer: peerIndex, owner: peerIndex,
		outRing: sendRing, inRing: recvRing,
		ringDoorbell: ownDoorbell, peerDoorbell: peerDoorbell,
		closeCh: make(chan struct{}),
	}
}

// NewHostSide builds the Transport the host uses to talk to one
// particular peer: it sends into that peer's RecvRing and receives from
// its SendRing, the mirror image of NewPeerSide.
func NewHostSide(seg *hub.Segment, peerIndex uint32, ownDoorbell, peerDoorbell *hub.Doorbell) *Transport {
	sendRing := seg.SendRing(peerIndex)
	recvRing := seg.RecvRing(peerIndex)
	return &Transport{
		seg: seg, peer: peerIndex, owner: hub.NoOwner,
		outRing: recvRing, inRing: sendRing,
		ringDoorbell: ownDoorbell, peerDoorbell: peerDoorbell,
		closeCh: make(chan struct{}),
	}
}

const hostOwnerPeerID = 0xFFFFFFFE // distinct from hub.NoOwner, identifies the host as a slot owner

func (t *Transport) ownerID() uint32 {
	if t.owner == hub.NoOwner {
		return hostOwnerPeerID
	}
	return t.owner
}

// SendFrame allocates a hub slot for out-of-line payloads, copies the
// payload in, transitions the slot Allocated->InFlight, pushes the
// descriptor, and rings the peer's doorbell.
func (t *Transport) SendFrame(ctx context.Context, f *wire.Frame) error {
	if t.closed.Load() {
		return rpcerr.ErrClosed
	}

	d := f.Desc
	if !d.IsInline() {
		payload := f.Payload.Bytes()
		alloc, err := t.seg.Alloc(len(payload), t.ownerID())
		if err != nil {
			return rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
		data, err := t.seg.SlotData(alloc.Class, alloc.GlobalIndex, alloc.Generation)
		if err != nil {
			return rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
		copy(data, payload)
		if err := t.seg.MarkInFlight(alloc.Class, alloc.GlobalIndex, alloc.Generation); err != nil {
			return rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
		d.PayloadSlot = hub.EncodeSlotRef(alloc.Class, alloc.GlobalIndex)
		d.PayloadGeneration = alloc.Generation
		d.PayloadLen = uint32(len(payload))
	}

	for {
		err := t.outRing.TryPush(&d)
		if err == nil {
			break
		}
		if err != hub.ErrRingFull {
			return rpcerr.NewTransport(rpcerr.TransportIo, err)
		}
		select {
		case <-ctx.Done():
			return rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
		case <-t.closeCh:
			return rpcerr.ErrClosed
		default:
		}
	}

	if t.peerDoorbell != nil {
		_ = t.peerDoorbell.Ring()
	}
	return nil
}

// RecvFrame pops the next descriptor, waiting on this side's doorbell
// when the ring is empty, then resolves any out-of-line payload from the
// hub slab and frees the slot.
func (t *Transport) RecvFrame(ctx context.Context) (*wire.Frame, error) {
	if t.closed.Load() {
		return nil, rpcerr.ErrClosed
	}

	for {
		d, err := t.inRing.TryPop()
		if err == nil {
			f, rerr := t.resolveFrame(d)
			if errors.Is(rerr, hub.ErrStaleGeneration) {
				continue // stale slot reference: drop the frame
			}
			return f, rerr
		}
		if err != hub.ErrRingEmpty {
			return nil, rpcerr.NewTransport(rpcerr.TransportIo, err)
		}

		waitErr := make(chan error, 1)
		if t.ringDoorbell != nil {
			go func() { waitErr <- t.ringDoorbell.Wait() }()
		}
		select {
		case <-ctx.Done():
			return nil, rpcerr.NewTransport(rpcerr.TransportIo, ctx.Err())
		case <-t.closeCh:
			return nil, rpcerr.ErrClosed
		case werr := <-waitErr:
			if werr != nil {
				return nil, rpcerr.ErrClosed
			}
		}
	}
}

func (t *Transport) resolveFrame(d *wire.Descriptor) (*wire.Frame, error) {
	f := &wire.Frame{Desc: *d}
	if d.IsInline() {
		f.Payload = wire.InlinePayload(d.InlineBytes())
		return f, nil
	}

	class, globalIndex := hub.DecodeSlotRef(d.PayloadSlot)
	data, err := t.seg.SlotData(class, globalIndex, d.PayloadGeneration)
	if err != nil {
		return nil, rpcerr.NewTransport(rpcerr.TransportDecode, err)
	}
	owned := make([]byte, d.PayloadLen)
	copy(owned, data[:d.PayloadLen])
	if err := t.seg.Free(class, globalIndex, d.PayloadGeneration); err != nil {
		return nil, rpcerr.NewTransport(rpcerr.TransportIo, err)
	}
	f.Payload = wire.OwnedPayload(owned)
	return f, nil
}

// Close marks the transport closed and unblocks any RecvFrame waiting on
// the doorbell.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.closeCh)
	})
	return nil
}
