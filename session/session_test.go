package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/transport/mem"
	"github.com/bearcove/rapace/wire"
)

func testConfig(role wire.Role) Config {
	return Config{
		Role:              role,
		SupportedFeatures: 0xFF,
		Limits: wire.Limits{
			MaxPayload:     1 << 20,
			MaxChannels:    1024,
			InitialCredits: 8,
			MaxMessageSize: 1 << 20,
		},
		KeepaliveInterval: 0, // disabled, tests drive timing themselves
	}
}

func handshakePair(t *testing.T) (initiator, acceptor *Session) {
	t.Helper()
	a, b := mem.Pair()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		s   *Session
		err error
	}
	initCh := make(chan result, 1)
	go func() {
		s, err := Handshake(ctx, a, testConfig(wire.RoleInitiator))
		initCh <- result{s, err}
	}()

	s, err := Handshake(ctx, b, testConfig(wire.RoleAcceptor))
	if err != nil {
		t.Fatalf("acceptor handshake: %v", err)
	}
	acceptor = s

	r := <-initCh
	if r.err != nil {
		t.Fatalf("initiator handshake: %v", r.err)
	}
	initiator = r.s

	t.Cleanup(func() {
		initiator.Close()
		acceptor.Close()
	})
	return initiator, acceptor
}

func TestHandshakeNegotiatesLimits(t *testing.T) {
	initiator, acceptor := handshakePair(t)

	if initiator.Limits.InitialCredits != 8 {
		t.Fatalf("initiator credits = %d, want 8", initiator.Limits.InitialCredits)
	}
	if acceptor.Limits.InitialCredits != 8 {
		t.Fatalf("acceptor credits = %d, want 8", acceptor.Limits.InitialCredits)
	}
	if initiator.PeerHello.Role != wire.RoleAcceptor {
		t.Fatalf("initiator's peer role = %v, want Acceptor", initiator.PeerHello.Role)
	}
}

func TestHandshakeRejectsMissingRequiredFeature(t *testing.T) {
	a, b := mem.Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfgA := testConfig(wire.RoleInitiator)
	cfgA.RequiredFeatures = 0x01
	cfgA.SupportedFeatures = 0x01

	cfgB := testConfig(wire.RoleAcceptor)
	cfgB.SupportedFeatures = 0 // can't support what A requires

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(ctx, a, cfgA)
		errCh <- err
	}()

	if _, err := Handshake(ctx, b, cfgB); err == nil {
		t.Fatal("expected acceptor handshake to fail on missing required feature")
	}
	<-errCh
}

func TestOpenChannelRoundTrip(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	ch, err := initiator.OpenChannel(ctx, wire.ChannelCall, "Greeter", "SayHello", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	accepted, err := acceptor.AcceptChannel(ctx)
	if err != nil {
		t.Fatalf("AcceptChannel: %v", err)
	}
	if accepted.ID() != ch.ID() {
		t.Fatalf("accepted id = %d, want %d", accepted.ID(), ch.ID())
	}
	if accepted.Kind() != wire.ChannelCall {
		t.Fatalf("accepted kind = %v, want ChannelCall", accepted.Kind())
	}
}

func TestSendDataRoundTrip(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	ch, err := initiator.OpenChannel(ctx, wire.ChannelStream, "", "", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	accepted, err := acceptor.AcceptChannel(ctx)
	if err != nil {
		t.Fatalf("AcceptChannel: %v", err)
	}

	if err := ch.SendData(ctx, wire.OwnedPayload([]byte("hello")), false, false); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	f, err := accepted.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(f.Payload.Bytes()) != "hello" {
		t.Fatalf("payload = %q, want hello", f.Payload.Bytes())
	}
}

func TestSendDataRejectsOversizedPayloadSynchronously(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	ch, err := initiator.OpenChannel(ctx, wire.ChannelStream, "", "", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if _, err := acceptor.AcceptChannel(ctx); err != nil {
		t.Fatalf("AcceptChannel: %v", err)
	}

	// A payload bigger than the whole initial window must be rejected
	// immediately, with no blocking and nothing sent.
	oversized := make([]byte, initiator.Limits.InitialCredits+1)
	err = ch.SendData(ctx, wire.OwnedPayload(oversized), false, false)
	if err == nil {
		t.Fatal("expected SendData to fail once payload exceeds available credits")
	}
	var rpcErr *rpcerr.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcerr.CodeResourceExhausted {
		t.Fatalf("err = %v, want *rpcerr.Error{Code: ResourceExhausted}", err)
	}
}

func TestSendDataDeductsCreditsByByteLength(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	ch, err := initiator.OpenChannel(ctx, wire.ChannelStream, "", "", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	accepted, err := acceptor.AcceptChannel(ctx)
	if err != nil {
		t.Fatalf("AcceptChannel: %v", err)
	}

	// Drain the full initial byte-denominated credit window one byte at a
	// time without the receiver reading, so a further send has to fail.
	for i := uint32(0); i < initiator.Limits.InitialCredits; i++ {
		if err := ch.SendData(ctx, wire.OwnedPayload([]byte{byte(i)}), false, false); err != nil {
			t.Fatalf("SendData #%d: %v", i, err)
		}
	}

	if err := ch.SendData(ctx, wire.OwnedPayload([]byte("y")), false, false); err == nil {
		t.Fatal("expected SendData to fail once the byte-denominated window is exhausted")
	}

	// Draining the receive side replenishes credits via GRANT_CREDITS,
	// unblocking subsequent sends.
	for i := uint32(0); i < initiator.Limits.InitialCredits; i++ {
		if _, err := accepted.Recv(ctx); err != nil {
			t.Fatalf("Recv #%d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		err := ch.SendData(ctx, wire.OwnedPayload([]byte("z")), false, false)
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("SendData never succeeded after credit replenishment: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendDataBlocksWhenOptedIn(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	ch, err := initiator.OpenChannel(ctx, wire.ChannelStream, "", "", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	accepted, err := acceptor.AcceptChannel(ctx)
	if err != nil {
		t.Fatalf("AcceptChannel: %v", err)
	}

	for i := uint32(0); i < initiator.Limits.InitialCredits; i++ {
		if err := ch.SendData(ctx, wire.OwnedPayload([]byte{byte(i)}), false, false); err != nil {
			t.Fatalf("SendData #%d: %v", i, err)
		}
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if err := ch.SendData(blockedCtx, wire.OwnedPayload([]byte("y")), false, true); err == nil {
		t.Fatal("expected blocking SendData to time out while credits remain exhausted")
	}

	done := make(chan error, 1)
	go func() {
		done <- ch.SendData(ctx, wire.OwnedPayload([]byte("y")), false, true)
	}()

	for i := uint32(0); i < initiator.Limits.InitialCredits; i++ {
		if _, err := accepted.Recv(ctx); err != nil {
			t.Fatalf("Recv #%d: %v", i, err)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking SendData: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking SendData never unblocked after credit replenishment")
	}
}

func TestCancelChannelCascadesToAttached(t *testing.T) {
	initiator, acceptor := handshakePair(t)
	ctx := context.Background()

	data, err := initiator.OpenChannel(ctx, wire.ChannelStream, "", "", nil, nil)
	if err != nil {
		t.Fatalf("OpenChannel data: %v", err)
	}
	if _, err := acceptor.AcceptChannel(ctx); err != nil {
		t.Fatalf("AcceptChannel data: %v", err)
	}

	call, err := initiator.OpenChannel(ctx, wire.ChannelCall, "Svc", "Method", nil, []uint32{data.ID()})
	if err != nil {
		t.Fatalf("OpenChannel call: %v", err)
	}
	if _, err := acceptor.AcceptChannel(ctx); err != nil {
		t.Fatalf("AcceptChannel call: %v", err)
	}

	if err := call.Cancel(wire.CancelClientCancel); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !data.IsCancelled() {
		t.Fatal("attached data channel should be cancelled too")
	}
}

func TestPingPong(t *testing.T) {
	initiator, _ := handshakePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := initiator.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCloseUnblocksAcceptChannel(t *testing.T) {
	initiator, acceptor := handshakePair(t)

	done := make(chan error, 1)
	go func() {
		_, err := acceptor.AcceptChannel(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	initiator.Close()
	acceptor.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected AcceptChannel to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptChannel did not unblock after Close")
	}
}
