package hubtransport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bearcove/rapace/hub"
	"github.com/bearcove/rapace/wire"
)

func newPair(t *testing.T) (host, peer *Transport, seg *hub.Segment) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.shm")
	seg, err := hub.Create(path, hub.CreateOptions{MaxPeers: 2, RingCapacity: 8, SlotsPerSizeClass: 4})
	if err != nil {
		t.Fatalf("hub.Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	peerIndex, err := seg.AddPeer()
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := seg.ActivatePeer(peerIndex); err != nil {
		t.Fatalf("ActivatePeer: %v", err)
	}

	toHost, err := hub.NewDoorbell()
	if err != nil {
		t.Fatal(err)
	}
	toPeer, err := hub.NewDoorbell()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { toHost.Close(); toPeer.Close() })

	host = NewHostSide(seg, peerIndex, toHost, toPeer)
	peer = NewPeerSide(seg, peerIndex, toPeer, toHost)
	return host, peer, seg
}

func TestInlineRoundTrip(t *testing.T) {
	host, peer, _ := newPair(t)

	var f wire.Frame
	if err := f.Desc.SetInlinePayload([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	f.Desc.MsgID = 7
	f.Desc.ChannelID = 1

	ctx := context.Background()
	if err := peer.SendFrame(ctx, &f); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	got, err := host.RecvFrame(ctx)
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if got.Desc.MsgID != 7 {
		t.Fatalf("MsgID = %d, want 7", got.Desc.MsgID)
	}
	if string(got.Payload.Bytes()) != "ping" {
		t.Fatalf("payload = %q, want ping", got.Payload.Bytes())
	}
}

func TestOutOfLinePayloadRoundTrip(t *testing.T) {
	host, peer, _ := newPair(t)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}

	var f wire.Frame
	f.Desc.MsgID = 99
	f.Payload = wire.OwnedPayload(big)

	ctx := context.Background()
	if err := peer.SendFrame(ctx, &f); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	got, err := host.RecvFrame(ctx)
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if len(got.Payload.Bytes()) != len(big) {
		t.Fatalf("payload len = %d, want %d", len(got.Payload.Bytes()), len(big))
	}
	for i, b := range got.Payload.Bytes() {
		if b != big[i] {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
}

func TestRecvBlocksUntilDoorbellRing(t *testing.T) {
	host, peer, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := host.RecvFrame(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)

	var f wire.Frame
	if err := f.Desc.SetInlinePayload([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendFrame(ctx, &f); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	host, _, _ := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := host.RecvFrame(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	host.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrame did not unblock after Close")
	}
}
