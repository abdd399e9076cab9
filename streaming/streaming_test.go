package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/session"
	"github.com/bearcove/rapace/transport/mem"
	"github.com/bearcove/rapace/wire"
)

func handshakePair(t *testing.T) (client, server *session.Session) {
	t.Helper()
	a, b := mem.Pair()

	cfg := func(role wire.Role) session.Config {
		return session.Config{
			Role:              role,
			SupportedFeatures: 0xFF,
			Limits: wire.Limits{
				MaxPayload:     1 << 20,
				MaxChannels:    1024,
				InitialCredits: 16,
				MaxMessageSize: 1 << 20,
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		s   *session.Session
		err error
	}
	clientCh := make(chan result, 1)
	go func() {
		s, err := session.Handshake(ctx, a, cfg(wire.RoleInitiator))
		clientCh <- result{s, err}
	}()

	s, err := session.Handshake(ctx, b, cfg(wire.RoleAcceptor))
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	server = s

	r := <-clientCh
	if r.err != nil {
		t.Fatalf("client handshake: %v", r.err)
	}
	client = r.s

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// echoServer accepts one channel, echoes the request back as the response.
func echoServer(t *testing.T, server *session.Session) {
	t.Helper()
	go func() {
		ch, err := server.AcceptChannel(context.Background())
		if err != nil {
			return
		}
		f, err := ch.Recv(context.Background())
		if err != nil {
			return
		}
		_ = ch.Respond(context.Background(), f.Payload.Bytes())
	}()
}

func TestCallEchoRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	echoServer(t, server)

	resp, err := Call(context.Background(), client, "Echo", "Say", []byte("hello there"), CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != "hello there" {
		t.Fatalf("resp = %q, want %q", resp, "hello there")
	}
}

func TestCallPropagatesServerError(t *testing.T) {
	client, server := handshakePair(t)

	go func() {
		ch, err := server.AcceptChannel(context.Background())
		if err != nil {
			return
		}
		if _, err := ch.Recv(context.Background()); err != nil {
			return
		}
		_ = ch.RespondError(context.Background(), rpcerr.New(rpcerr.CodeNotFound, "no such widget"))
	}()

	_, err := Call(context.Background(), client, "Widgets", "Get", []byte("123"), CallOptions{})
	if err == nil {
		t.Fatal("expected error from Call")
	}
	var rpcErr *rpcerr.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error is not *rpcerr.Error: %v", err)
	}
	if rpcErr.Code != rpcerr.CodeNotFound {
		t.Fatalf("code = %v, want NotFound", rpcErr.Code)
	}
}

func TestStreamingCallChunkedRoundTrip(t *testing.T) {
	client, server := handshakePair(t)

	go func() {
		ch, err := server.AcceptChannel(context.Background())
		if err != nil {
			return
		}
		srv := AcceptStreamingCall(server, ch, CallOptions{})
		var chunks [][]byte
		for {
			chunk, err := srv.Recv(context.Background())
			if errors.Is(err, ErrStreamDone) {
				break
			}
			if err != nil {
				return
			}
			chunks = append(chunks, append([]byte(nil), chunk...))
		}
		for i, c := range chunks {
			eos := i == len(chunks)-1
			if err := srv.Send(context.Background(), c, eos); err != nil {
				return
			}
		}
	}()

	st, err := StartStreamingCall(context.Background(), client, "Svc", "Method", CallOptions{})
	if err != nil {
		t.Fatalf("StartStreamingCall: %v", err)
	}

	if err := st.Send(context.Background(), []byte("one"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := st.Send(context.Background(), []byte("two"), true); err != nil {
		t.Fatalf("Send (eos): %v", err)
	}

	var got []string
	for {
		chunk, err := st.Recv(context.Background())
		if errors.Is(err, ErrStreamDone) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, string(chunk))
	}

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("got = %v, want [one two]", got)
	}
}
