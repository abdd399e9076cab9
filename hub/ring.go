package hub

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/bearcove/rapace/wire"
)

// Ring header field offsets. head and tail are deliberately placed on
// separate 64-byte lines (producer writes head, consumer writes tail) to
// avoid false sharing between the two sides of the SPSC ring, mirroring
// shm-primitives' SpscRingHeader layout.
const (
	ringOffCapacity = 0  // u32, fixed at init
	ringOffHead     = 64 // atomic u64, producer-owned
	ringOffTail     = 128 // atomic u64, consumer-owned
)

var (
	ErrRingFull  = errors.New("hub: descriptor ring full")
	ErrRingEmpty = errors.New("hub: descriptor ring empty")
)

// initRingHeader initializes an empty SPSC descriptor ring header at
// offset, with room for capacity descriptor slots immediately following
// the DescRingHeaderSize-byte header.
func (s *Segment) initRingHeader(offset uint64, capacity uint32) {
	putU32(s.bytesAt(offset+ringOffCapacity, 4), capacity)
	atomic.StoreUint64(s.u64At(offset+ringOffHead), 0)
	atomic.StoreUint64(s.u64At(offset+ringOffTail), 0)
}

// descRing is a view over one direction of one peer's descriptor ring.
type descRing struct {
	seg      *Segment
	offset   uint64
	capacity uint64
	slotsOff uint64
}

func (s *Segment) ringAt(offset uint64) descRing {
	capacity := uint64(getU32(s.mem[offset+ringOffCapacity : offset+ringOffCapacity+4]))
	return descRing{seg: s, offset: offset, capacity: capacity, slotsOff: offset + DescRingHeaderSize}
}

func (r descRing) headPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.seg.mem[r.offset+ringOffHead])) }
func (r descRing) tailPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.seg.mem[r.offset+ringOffTail])) }

func (r descRing) slot(index uint64) []byte {
	base := r.slotsOff + (index%r.capacity)*wire.DescriptorSize
	return r.seg.mem[base : base+wire.DescriptorSize]
}

// TryPush attempts to enqueue one descriptor. It is safe to call
// concurrently with at most one TryPop on the same ring (single-producer,
// single-consumer) but never with another TryPush.
func (r descRing) TryPush(d *wire.Descriptor) error {
	head := atomic.LoadUint64(r.headPtr())
	tail := atomic.LoadUint64(r.tailPtr()) // Acquire: observes consumer's progress
	if head-tail >= r.capacity {
		return ErrRingFull
	}
	d.Encode(r.slot(head))
	atomic.StoreUint64(r.headPtr(), head+1) // Release: publishes the slot write
	return nil
}

// TryPop attempts to dequeue one descriptor.
func (r descRing) TryPop() (*wire.Descriptor, error) {
	tail := atomic.LoadUint64(r.tailPtr())
	head := atomic.LoadUint64(r.headPtr()) // Acquire: observes producer's publish
	if tail == head {
		return nil, ErrRingEmpty
	}
	var d wire.Descriptor
	if err := d.Decode(r.slot(tail)); err != nil {
		return nil, err
	}
	atomic.StoreUint64(r.tailPtr(), tail+1) // Release: publishes the slot free
	return &d, nil
}

// Len reports the number of descriptors currently queued.
func (r descRing) Len() uint64 {
	head := atomic.LoadUint64(r.headPtr())
	tail := atomic.LoadUint64(r.tailPtr())
	return head - tail
}

func (r descRing) Capacity() uint64 { return r.capacity }

// perPeerRingStride is the byte distance between one peer's send ring and
// the next peer's send ring (send+recv rings back to back).
func (s *Segment) perPeerRingStride() uint64 {
	return 2 * (DescRingHeaderSize + uint64(s.ringCap)*wire.DescriptorSize)
}

// SendRing returns the ring a peer at peerIndex sends descriptors into
// (host reads it as that peer's inbound ring; the peer writes it).
func (s *Segment) SendRing(peerIndex uint32) descRing {
	off := s.ringRegionOffset() + uint64(peerIndex)*s.perPeerRingStride()
	return s.ringAt(off)
}

// RecvRing returns the ring a peer at peerIndex receives descriptors
// from (the host writes it; the peer reads it).
func (s *Segment) RecvRing(peerIndex uint32) descRing {
	off := s.ringRegionOffset() + uint64(peerIndex)*s.perPeerRingStride() + DescRingHeaderSize + uint64(s.ringCap)*wire.DescriptorSize
	return s.ringAt(off)
}
