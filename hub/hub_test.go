package hub

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bearcove/rapace/wire"
)

func newTestSegment(t *testing.T) *Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.shm")
	s, err := Create(path, CreateOptions{MaxPeers: 4, RingCapacity: 8, SlotsPerSizeClass: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.shm")
	s, err := Create(path, CreateOptions{MaxPeers: 4, RingCapacity: 8, SlotsPerSizeClass: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.MaxPeers() != 4 {
		t.Fatalf("MaxPeers = %d, want 4", reopened.MaxPeers())
	}
	if reopened.RingCapacity() != 8 {
		t.Fatalf("RingCapacity = %d, want 8", reopened.RingCapacity())
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	// Corrupt a freshly created file's magic and verify Open refuses it.
	path := filepath.Join(t.TempDir(), "hub.shm")
	seg, err := Create(path, CreateOptions{MaxPeers: 2, RingCapacity: 4, SlotsPerSizeClass: 2})
	if err != nil {
		t.Fatal(err)
	}
	copy(seg.mem[0:8], []byte("GARBAGE\x00"))
	seg.Close()

	if _, err := Open(path); err != ErrBadMagic {
		t.Fatalf("Open() err = %v, want ErrBadMagic", err)
	}
}

func TestAllocFreeLifecycle(t *testing.T) {
	s := newTestSegment(t)

	alloc, err := s.Alloc(100, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if alloc.Class != 0 {
		t.Fatalf("expected smallest class for 100 bytes, got class %d", alloc.Class)
	}

	data, err := s.SlotData(alloc.Class, alloc.GlobalIndex, alloc.Generation)
	if err != nil {
		t.Fatalf("SlotData: %v", err)
	}
	copy(data, []byte("hello"))

	if err := s.MarkInFlight(alloc.Class, alloc.GlobalIndex, alloc.Generation); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}

	readBack, err := s.SlotData(alloc.Class, alloc.GlobalIndex, alloc.Generation)
	if err != nil {
		t.Fatalf("SlotData after MarkInFlight: %v", err)
	}
	if string(readBack[:5]) != "hello" {
		t.Fatalf("slot data = %q, want hello", readBack[:5])
	}

	if err := s.Free(alloc.Class, alloc.GlobalIndex, alloc.Generation); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// Using the stale generation after Free must fail.
	if _, err := s.SlotData(alloc.Class, alloc.GlobalIndex, alloc.Generation); err != ErrStaleGeneration {
		t.Fatalf("SlotData after Free err = %v, want ErrStaleGeneration", err)
	}
}

func TestAllocExhaustionWalksLargerClasses(t *testing.T) {
	s := newTestSegment(t)

	var allocs []Allocated
	for i := 0; i < 4; i++ {
		a, err := s.Alloc(100, 1)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		allocs = append(allocs, a)
	}

	// The smallest class (4 slots) is now exhausted; the next Alloc must
	// walk up to the 16 KiB class instead of failing.
	a, err := s.Alloc(100, 1)
	if err != nil {
		t.Fatalf("Alloc after exhaustion: %v", err)
	}
	if a.Class != 1 {
		t.Fatalf("expected fallback to class 1, got class %d", a.Class)
	}
}

func TestAllocTooLargeFails(t *testing.T) {
	s := newTestSegment(t)
	_, err := s.Alloc(64<<20, 1)
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestPeerLifecycleAndReclaim(t *testing.T) {
	s := newTestSegment(t)

	peer, err := s.AddPeer()
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := s.ActivatePeer(peer); err != nil {
		t.Fatalf("ActivatePeer: %v", err)
	}
	flags, err := s.PeerFlagsOf(peer)
	if err != nil || flags&PeerActive == 0 {
		t.Fatalf("peer not active: flags=%v err=%v", flags, err)
	}

	alloc, err := s.Alloc(100, peer)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := s.RemovePeer(peer); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	flags, _ = s.PeerFlagsOf(peer)
	if flags&PeerDead == 0 {
		t.Fatalf("expected PeerDead after RemovePeer, got %v", flags)
	}

	// The slot the dead peer owned must have been force-freed with a
	// bumped generation.
	if _, err := s.SlotData(alloc.Class, alloc.GlobalIndex, alloc.Generation); err != ErrStaleGeneration {
		t.Fatalf("SlotData after reclaim err = %v, want ErrStaleGeneration", err)
	}
}

func TestScanDeadPeersReclaimsStale(t *testing.T) {
	s := newTestSegment(t)

	peer, err := s.AddPeer()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ActivatePeer(peer); err != nil {
		t.Fatal(err)
	}
	now := int64(1_000_000_000)
	if err := s.Heartbeat(peer, now); err != nil {
		t.Fatal(err)
	}

	reclaimed := s.ScanDeadPeers(now+int64(10*time.Second), 2*time.Second)
	if len(reclaimed) != 1 || reclaimed[0] != peer {
		t.Fatalf("ScanDeadPeers = %v, want [%d]", reclaimed, peer)
	}

	flags, _ := s.PeerFlagsOf(peer)
	if flags&PeerDead == 0 {
		t.Fatalf("peer not marked dead after scan")
	}
}

func TestDescRingPushPop(t *testing.T) {
	s := newTestSegment(t)
	peer, err := s.AddPeer()
	if err != nil {
		t.Fatal(err)
	}

	ring := s.SendRing(peer)
	if ring.Capacity() != 8 {
		t.Fatalf("Capacity = %d, want 8", ring.Capacity())
	}

	var d wire.Descriptor
	d.MsgID = 42
	d.ChannelID = 1
	d.MethodID = 7

	if err := ring.TryPush(&d); err != nil {
		t.Fatalf("TryPush: %v", err)
	}
	if ring.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ring.Len())
	}

	got, err := ring.TryPop()
	if err != nil {
		t.Fatalf("TryPop: %v", err)
	}
	if got.MsgID != 42 || got.ChannelID != 1 || got.MethodID != 7 {
		t.Fatalf("round-tripped descriptor mismatch: %+v", got)
	}
	if ring.Len() != 0 {
		t.Fatalf("Len after pop = %d, want 0", ring.Len())
	}

	if _, err := ring.TryPop(); err != ErrRingEmpty {
		t.Fatalf("TryPop on empty ring err = %v, want ErrRingEmpty", err)
	}
}

func TestDescRingFullness(t *testing.T) {
	s := newTestSegment(t)
	peer, err := s.AddPeer()
	if err != nil {
		t.Fatal(err)
	}
	ring := s.SendRing(peer)

	for i := uint64(0); i < ring.Capacity(); i++ {
		var d wire.Descriptor
		d.MsgID = i
		if err := ring.TryPush(&d); err != nil {
			t.Fatalf("TryPush %d: %v", i, err)
		}
	}

	var d wire.Descriptor
	if err := ring.TryPush(&d); err != ErrRingFull {
		t.Fatalf("TryPush on full ring err = %v, want ErrRingFull", err)
	}
}

func TestDoorbellRingWait(t *testing.T) {
	d, err := NewDoorbell()
	if err != nil {
		t.Fatalf("NewDoorbell: %v", err)
	}
	defer d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	if err := d.Ring(); err != nil {
		t.Fatalf("Ring: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Ring")
	}
}
