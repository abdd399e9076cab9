package conformance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bearcove/rapace/bufpool"
	"github.com/bearcove/rapace/hub"
	hubtransport "github.com/bearcove/rapace/transport/hub"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/session"
	"github.com/bearcove/rapace/streaming"
	"github.com/bearcove/rapace/transport/stream"
	"github.com/bearcove/rapace/wire"
)

func defaultLimits() wire.Limits {
	return wire.Limits{
		MaxPayload:     1 << 20,
		MaxChannels:    1 << 16,
		InitialCredits: 32,
		MaxMessageSize: 1 << 20,
	}
}

func dialSession(ctx context.Context, env *Env) (*session.Session, error) {
	if env.Dial == nil {
		return nil, ErrUnsupportedEnv
	}
	conn, err := env.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial subject: %w", err)
	}
	t := stream.New(conn, bufpool.New())
	s, err := session.Handshake(ctx, t, session.Config{
		Role:              wire.RoleInitiator,
		SupportedFeatures: 0xFFFFFFFFFFFFFFFF,
		Limits:            defaultLimits(),
		Logger:            env.Logger,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return s, nil
}

func init() {
	Register(Case{
		Category:    "unary",
		Name:        "echo",
		Description: "a unary call to Echo.Say round-trips the request body unchanged",
		Rules:       []string{"Call sends exactly one request frame and awaits exactly one response frame", "CALL channel closes cleanly after the response"},
		Run:         runUnaryEcho,
	})
	Register(Case{
		Category:    "streaming",
		Name:        "server_stream",
		Description: "a server-streaming call delivers multiple DATA frames terminated by EOS",
		Rules:       []string{"inbound chunks arrive in send order", "the final chunk carries the EOS flag"},
		Run:         runServerStreaming,
	})
	Register(Case{
		Category:    "flow_control",
		Name:        "credit_exhaustion",
		Description: "a DATA frame whose payload exceeds the channel's available send credits is rejected synchronously with ResourceExhausted",
		Rules:       []string{"Send fails immediately with ResourceExhausted when payload_len exceeds available send credits", "no bytes reach the wire for a rejected send"},
		Run:         runCreditExhaustion,
	})
	Register(Case{
		Category:    "cancellation",
		Name:        "race",
		Description: "cancelling a CALL channel while a response is in flight yields a well-defined outcome: either the response or Cancelled, never both",
		Rules:       []string{"CANCEL_CHANNEL can race a concurrent response", "exactly one terminal outcome reaches the caller"},
		Run:         runCancellationRace,
	})
	Register(Case{
		Category:    "liveness",
		Name:        "ping_pong",
		Description: "PING is answered with a matching-token PONG",
		Rules:       []string{"PONG echoes the PING token", "Ping returns once its matching PONG arrives"},
		Run:         runPingPong,
	})
	Register(Case{
		Category:    "hub",
		Name:        "reclaim",
		Description: "slots owned by a dead peer are reclaimed once that peer is swept as dead",
		Rules:       []string{"a peer marked Dead has its outstanding slots freed back to their size class", "subsequent Alloc calls can reuse reclaimed slots"},
		Run:         runHubReclaim,
	})
}

func runUnaryEcho(ctx context.Context, env *Env) error {
	s, err := dialSession(ctx, env)
	if err != nil {
		return err
	}
	defer s.Close()

	req := []byte("conformance-unary-echo")
	resp, err := streaming.Call(ctx, s, "Echo", "Say", req, streaming.CallOptions{})
	if err != nil {
		return fmt.Errorf("Call: %w", err)
	}
	if !bytes.Equal(resp, req) {
		return fmt.Errorf("echo mismatch: got %q, want %q", resp, req)
	}
	return nil
}

func runServerStreaming(ctx context.Context, env *Env) error {
	s, err := dialSession(ctx, env)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := streaming.StartStreamingCall(ctx, s, "Counter", "CountTo", streaming.CallOptions{})
	if err != nil {
		return fmt.Errorf("StartStreamingCall: %w", err)
	}
	if err := st.Send(ctx, []byte("5"), true); err != nil {
		return fmt.Errorf("Send: %w", err)
	}

	var got int
	for {
		_, err := st.Recv(ctx)
		if errors.Is(err, streaming.ErrStreamDone) {
			break
		}
		if err != nil {
			return fmt.Errorf("Recv: %w", err)
		}
		got++
	}
	if got != 5 {
		return fmt.Errorf("received %d chunks, want 5", got)
	}
	return nil
}

func runCreditExhaustion(ctx context.Context, env *Env) error {
	s, err := dialSession(ctx, env)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := streaming.StartStreamingCall(ctx, s, "Sink", "Drain", streaming.CallOptions{})
	if err != nil {
		return fmt.Errorf("StartStreamingCall: %w", err)
	}

	oversized := make([]byte, s.Limits.InitialCredits+1)
	err = st.Send(ctx, oversized, true)
	if err == nil {
		return errors.New("expected Send to fail synchronously once payload exceeds available send credits")
	}
	var rpcErr *rpcerr.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcerr.CodeResourceExhausted {
		return fmt.Errorf("Send error = %v, want *rpcerr.Error{Code: ResourceExhausted}", err)
	}
	return nil
}

func runCancellationRace(ctx context.Context, env *Env) error {
	s, err := dialSession(ctx, env)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := streaming.StartStreamingCall(ctx, s, "Slow", "Compute", streaming.CallOptions{})
	if err != nil {
		return fmt.Errorf("StartStreamingCall: %w", err)
	}
	if err := st.Send(ctx, []byte("go"), true); err != nil {
		return fmt.Errorf("Send: %w", err)
	}

	if err := st.Cancel(wire.CancelClientCancel); err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	_, err = st.Recv(ctx)
	if err == nil {
		return nil // the response won the race; a well-defined, acceptable outcome
	}
	if errors.Is(err, streaming.ErrStreamDone) {
		return nil
	}
	var rpcErr *rpcerr.Error
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcerr.CodeCancelled {
		return nil
	}
	return fmt.Errorf("unexpected outcome after cancel: %w", err)
}

func runPingPong(ctx context.Context, env *Env) error {
	s, err := dialSession(ctx, env)
	if err != nil {
		return err
	}
	defer s.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

func runHubReclaim(ctx context.Context, env *Env) error {
	if env.HubSegmentPath == "" {
		return ErrUnsupportedEnv
	}

	seg, err := hub.Open(env.HubSegmentPath)
	if err != nil {
		return fmt.Errorf("hub.Open: %w", err)
	}
	defer seg.Close()

	peerIndex, err := seg.AddPeer()
	if err != nil {
		return fmt.Errorf("AddPeer: %w", err)
	}
	if err := seg.ActivatePeer(peerIndex); err != nil {
		return fmt.Errorf("ActivatePeer: %w", err)
	}

	toHost, err := hub.NewDoorbell()
	if err != nil {
		return err
	}
	defer toHost.Close()
	toPeer, err := hub.NewDoorbell()
	if err != nil {
		return err
	}
	defer toPeer.Close()

	peerSide := hubtransport.NewPeerSide(seg, peerIndex, toPeer, toHost)
	defer peerSide.Close()

	var f wire.Frame
	f.Payload = wire.OwnedPayload(make([]byte, 8192))
	if err := peerSide.SendFrame(ctx, &f); err != nil {
		return fmt.Errorf("SendFrame: %w", err)
	}

	if err := seg.RemovePeer(peerIndex); err != nil {
		return fmt.Errorf("RemovePeer: %w", err)
	}

	class, ok := seg.FindClassForSize(8192)
	if !ok {
		return errors.New("FindClassForSize: no class fits 8192 bytes")
	}
	status := seg.Status()
	if status[class].Free == 0 {
		return errors.New("RemovePeer did not reclaim the in-flight slot")
	}
	return nil
}
