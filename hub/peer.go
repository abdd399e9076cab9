package hub

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/bearcove/rapace/wire"
)

// Peer table entry field offsets (within PeerEntrySize=128).
const (
	peerOffID       = 0  // u32, fixed at AddPeer
	peerOffFlags    = 4  // atomic u32
	peerOffEpoch    = 8  // atomic u64, bumped each time RemovePeer marks the peer Dead
	peerOffLastSeen = 16 // atomic u64, UnixNano of last heartbeat
)

var (
	ErrTooManyPeers  = errors.New("hub: max_peers exceeded")
	ErrInvalidPeerID = errors.New("hub: invalid peer id")
)

func (s *Segment) peerFlagsPtr(peerIndex uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[s.peerEntryOffset(peerIndex)+peerOffFlags]))
}

func (s *Segment) peerEpochPtr(peerIndex uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[s.peerEntryOffset(peerIndex)+peerOffEpoch]))
}

func (s *Segment) peerLastSeenPtr(peerIndex uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[s.peerEntryOffset(peerIndex)+peerOffLastSeen]))
}

// AddPeer reserves the next peer table slot, initializes its rings, and
// marks it Reserved (not yet Active — the caller activates it once the
// peer confirms connection, mirroring HubHost::add_peer/activate_peer).
func (s *Segment) AddPeer() (uint32, error) {
	id := atomic.AddUint64(s.u64At(hdrOffPeerIDCounter), 1) - 1
	if id >= uint64(s.maxPeers) {
		return 0, ErrTooManyPeers
	}
	peerIndex := uint32(id)

	putU32(s.bytesAt(s.peerEntryOffset(peerIndex)+peerOffID, 4), peerIndex)
	atomic.StoreUint32(s.peerFlagsPtr(peerIndex), uint32(PeerReserved))
	atomic.StoreUint64(s.peerLastSeenPtr(peerIndex), 0)
	atomic.AddUint32(s.u32At(hdrOffActivePeers), 1)

	stride := s.perPeerRingStride()
	base := s.ringRegionOffset() + uint64(peerIndex)*stride
	s.initRingHeader(base, s.ringCap)
	s.initRingHeader(base+DescRingHeaderSize+uint64(s.ringCap)*wire.DescriptorSize, s.ringCap)

	return peerIndex, nil
}

// ActivatePeer transitions Reserved -> Active once the peer has attached
// and completed its handshake.
func (s *Segment) ActivatePeer(peerIndex uint32) error {
	if peerIndex >= s.maxPeers {
		return ErrInvalidPeerID
	}
	p := s.peerFlagsPtr(peerIndex)
	for {
		old := atomic.LoadUint32(p)
		next := (old &^ uint32(PeerReserved)) | uint32(PeerActive)
		if atomic.CompareAndSwapUint32(p, old, next) {
			return nil
		}
	}
}

// Heartbeat records the current time as the peer's last-seen timestamp.
// nowNano is supplied by the caller (typically time.Now().UnixNano()) so
// this package stays free of wall-clock calls in its core path.
func (s *Segment) Heartbeat(peerIndex uint32, nowNano int64) error {
	if peerIndex >= s.maxPeers {
		return ErrInvalidPeerID
	}
	atomic.StoreUint64(s.peerLastSeenPtr(peerIndex), uint64(nowNano))
	return nil
}

// IsAlive reports whether peerIndex is Active and has heartbeated within
// timeout of nowNano.
func (s *Segment) IsAlive(peerIndex uint32, nowNano int64, timeout time.Duration) bool {
	if peerIndex >= s.maxPeers {
		return false
	}
	flags := PeerFlags(atomic.LoadUint32(s.peerFlagsPtr(peerIndex)))
	if flags&PeerActive == 0 || flags&PeerDead != 0 {
		return false
	}
	lastSeen := int64(atomic.LoadUint64(s.peerLastSeenPtr(peerIndex)))
	if lastSeen == 0 {
		return true // just activated, hasn't missed a beat yet
	}
	return time.Duration(nowNano-lastSeen) <= timeout
}

// RemovePeer marks a peer Dead and force-frees every slot it owns, the
// way HubHost::remove_peer reclaims a crashed plugin's resources.
func (s *Segment) RemovePeer(peerIndex uint32) error {
	if peerIndex >= s.maxPeers {
		return ErrInvalidPeerID
	}
	p := s.peerFlagsPtr(peerIndex)
	for {
		old := atomic.LoadUint32(p)
		if old&uint32(PeerDead) != 0 {
			return nil // already reclaimed
		}
		next := (old &^ (uint32(PeerReserved) | uint32(PeerActive))) | uint32(PeerDead)
		if atomic.CompareAndSwapUint32(p, old, next) {
			break
		}
	}
	atomic.AddUint64(s.peerEpochPtr(peerIndex), 1)
	s.ReclaimPeerSlots(peerIndex)
	atomic.AddUint32(s.u32At(hdrOffActivePeers), ^uint32(0)) // -1
	return nil
}

// ScanDeadPeers walks every Active peer and reclaims any that have
// exceeded timeout since their last heartbeat, returning the peer
// indices it reclaimed. Intended to be driven by the host's periodic
// liveness sweep.
func (s *Segment) ScanDeadPeers(nowNano int64, timeout time.Duration) []uint32 {
	var reclaimed []uint32
	for i := uint32(0); i < s.maxPeers; i++ {
		flags := PeerFlags(atomic.LoadUint32(s.peerFlagsPtr(i)))
		if flags&PeerActive == 0 || flags&PeerDead != 0 {
			continue
		}
		lastSeen := int64(atomic.LoadUint64(s.peerLastSeenPtr(i)))
		if lastSeen == 0 {
			continue
		}
		if time.Duration(nowNano-lastSeen) > timeout {
			_ = s.RemovePeer(i)
			reclaimed = append(reclaimed, i)
		}
	}
	return reclaimed
}

// ActivePeers returns the current count of Reserved+Active peers.
func (s *Segment) ActivePeers() uint32 {
	return atomic.LoadUint32(s.u32At(hdrOffActivePeers))
}

// PeerFlagsOf returns the raw flags word for a peer, for diagnostics.
func (s *Segment) PeerFlagsOf(peerIndex uint32) (PeerFlags, error) {
	if peerIndex >= s.maxPeers {
		return 0, ErrInvalidPeerID
	}
	return PeerFlags(atomic.LoadUint32(s.peerFlagsPtr(peerIndex))), nil
}
