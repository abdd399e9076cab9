// Package session implements the Rapace session engine: the Hello
// handshake, channel allocation, control-verb dispatch, credit-based
// flow control, and cancellation/deadline propagation that sit on top of
// a transport.Transport. Grounded on smux's Session (session.go): the
// same die/once shutdown idiom, the same shaper-then-sendLoop priority
// write scheduling via container/heap, and the same per-stream (here,
// per-channel) registry guarded by a single mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bearcove/rapace/transport"
	"github.com/bearcove/rapace/wire"
)

var (
	ErrClosed          = errors.New("session: closed")
	ErrGoAway          = errors.New("session: channel ids exhausted")
	ErrUnknownChannel  = errors.New("session: frame for unknown channel")
	ErrHandshakeFailed = errors.New("session: handshake failed")
)

// Config configures a Session's local side of the handshake.
type Config struct {
	Role              wire.Role
	RequiredFeatures  uint64
	SupportedFeatures uint64
	Limits            wire.Limits
	Methods           []wire.MethodManifestEntry
	Codec             wire.Codec // defaults to wire.MsgpackCodec{}
	Logger            zerolog.Logger
	KeepaliveInterval time.Duration // 0 disables keepalive pings
	KeepaliveTimeout  time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Codec == nil {
		out.Codec = wire.MsgpackCodec{}
	}
	if out.Limits.MaxPayload == 0 {
		out.Limits.MaxPayload = wire.DefaultMaxPayloadSize
	}
	if out.Limits.MaxChannels == 0 {
		out.Limits.MaxChannels = 1 << 16
	}
	if out.Limits.InitialCredits == 0 {
		out.Limits.InitialCredits = 64
	}
	if out.Limits.MaxMessageSize == 0 {
		out.Limits.MaxMessageSize = wire.DefaultMaxPayloadSize
	}
	if out.KeepaliveTimeout == 0 {
		out.KeepaliveTimeout = 90 * time.Second
	}
	return &out
}

// writeClass prioritizes control-channel traffic over data, the way
// smux's CLSCTRL/CLSDATA split prioritizes stream-management frames.
type writeClass int

const (
	classControl writeClass = iota
	classData
)

type writeRequest struct {
	class  writeClass
	seq    uint32
	frame  *wire.Frame
	result chan error
}

type writeHeap []writeRequest

func (h writeHeap) Len() int { return len(h) }
func (h writeHeap) Less(i, j int) bool {
	if h[i].class != h[j].class {
		return h[i].class < h[j].class
	}
	return h[i].seq < h[j].seq
}
func (h writeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *writeHeap) Push(x any)   { *h = append(*h, x.(writeRequest)) }
func (h *writeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

const maxShaperBacklog = 4096

// Session is one negotiated Rapace connection over a transport.Transport:
// handshake state, the channel registry, and the goroutines that drive
// control dispatch and prioritized writes.
type Session struct {
	t      transport.Transport
	config *Config

	PeerHello wire.Hello // populated after handshake completes
	Limits    wire.Limits

	nextChannelID     uint32
	nextChannelIDLock sync.Mutex

	channels   map[uint32]*Channel
	channelsMu sync.Mutex

	acceptCh chan *Channel

	shaper    chan writeRequest
	writes    chan writeRequest
	writeSeq  uint32
	writeSeqMu sync.Mutex

	die     chan struct{}
	dieOnce sync.Once

	readErr     atomic.Value
	chReadErr   chan struct{}
	readErrOnce sync.Once

	pingMu      sync.Mutex
	pingWaiters map[uint64]chan struct{}

	logger zerolog.Logger
}

// Handshake performs the Hello exchange over t and returns a running
// Session. The caller's Config.Role determines channel-id parity: odd
// ids for an Initiator, even ids for an Acceptor.
func Handshake(ctx context.Context, t transport.Transport, cfg Config) (*Session, error) {
	full := cfg.withDefaults()

	s := &Session{
		t:           t,
		config:      full,
		channels:    make(map[uint32]*Channel),
		acceptCh:    make(chan *Channel, 256),
		shaper:      make(chan writeRequest),
		writes:      make(chan writeRequest),
		die:         make(chan struct{}),
		chReadErr:   make(chan struct{}),
		pingWaiters: make(map[uint64]chan struct{}),
		logger:      full.Logger,
	}
	if full.Role == wire.RoleInitiator {
		s.nextChannelID = 1
	} else {
		s.nextChannelID = 0
	}

	local := wire.Hello{
		ProtocolVersionMajor: 1,
		ProtocolVersionMinor: 0,
		Role:                 full.Role,
		RequiredFeatures:     full.RequiredFeatures,
		SupportedFeatures:    full.SupportedFeatures,
		Limits:               full.Limits,
		Methods:              full.Methods,
	}

	// The shaper/send/recv loops don't start until the handshake succeeds,
	// so Hello frames go straight through the transport here rather than
	// through sendControl's queued path (which would block forever with
	// no sendLoop yet running to drain it).
	helloFrame, err := encodeControlFrame(full.Codec, wire.ControlHello, local, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: encode hello: %v", ErrHandshakeFailed, err)
	}
	if err := t.SendFrame(ctx, helloFrame); err != nil {
		return nil, fmt.Errorf("%w: send hello: %v", ErrHandshakeFailed, err)
	}

	f, err := t.RecvFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: recv hello: %v", ErrHandshakeFailed, err)
	}
	if f.Desc.ChannelID != wire.ControlChannelID || f.Desc.MethodID != wire.ControlHello {
		return nil, fmt.Errorf("%w: expected HELLO, got channel=%d method=%d", ErrHandshakeFailed, f.Desc.ChannelID, f.Desc.MethodID)
	}
	var peerHello wire.Hello
	if err := full.Codec.Unmarshal(f.Payload.Bytes(), &peerHello); err != nil {
		return nil, fmt.Errorf("%w: decode hello: %v", ErrHandshakeFailed, err)
	}

	// A required-features mismatch aborts the session; the peer learns
	// why via an ERROR-flagged HELLO reply rather than a bare transport
	// close, so it doesn't just hang in RecvFrame.
	if peerHello.RequiredFeatures&^full.SupportedFeatures != 0 {
		reason := fmt.Sprintf("peer requires unsupported features %#x", peerHello.RequiredFeatures&^full.SupportedFeatures)
		s.abortHandshake(ctx, full.Codec, local, reason)
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, reason)
	}
	if full.RequiredFeatures&^peerHello.SupportedFeatures != 0 {
		reason := fmt.Sprintf("local requires features peer lacks %#x", full.RequiredFeatures&^peerHello.SupportedFeatures)
		s.abortHandshake(ctx, full.Codec, local, reason)
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, reason)
	}

	s.PeerHello = peerHello
	s.Limits = full.Limits.Min(peerHello.Limits)

	go s.shaperLoop()
	go s.sendLoop()
	go s.recvLoop()
	if full.KeepaliveInterval > 0 {
		go s.keepaliveLoop()
	}

	return s, nil
}

// abortHandshake sends an ERROR-flagged HELLO carrying reason, best
// effort, so the peer can log why the session aborted instead of seeing
// a bare transport close. Like the initial HELLO, it bypasses the queued
// write path since the send loop never started.
func (s *Session) abortHandshake(ctx context.Context, codec wire.Codec, local wire.Hello, reason string) {
	errHello := local
	errHello.Params = append(append([]wire.Param(nil), local.Params...), wire.Param{Key: "error", Value: reason})
	f, err := encodeControlFrame(codec, wire.ControlHello, errHello, wire.FlagError)
	if err != nil {
		return
	}
	_ = s.t.SendFrame(ctx, f)
}

// IsClosed reports whether the session has been shut down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

// Close shuts the session down: every open channel is force-closed (not
// cancelled, and without sending CLOSE_CHANNEL), the underlying transport
// is closed, and blocked calls unblock with ErrClosed.
func (s *Session) Close() error {
	var err error
	s.dieOnce.Do(func() {
		close(s.die)
		s.channelsMu.Lock()
		for _, ch := range s.channels {
			ch.forceClose(ErrClosed)
		}
		s.channelsMu.Unlock()
		err = s.t.Close()
	})
	return err
}

func (s *Session) notifyReadError(err error) {
	s.readErrOnce.Do(func() {
		s.readErr.Store(err)
		close(s.chReadErr)
	})
}

// CloseChan lets callers select on session shutdown.
func (s *Session) CloseChan() <-chan struct{} { return s.die }

// Codec returns the negotiated control-plane codec, so callers building on
// top of a Session (e.g. the streaming package) can encode/decode
// application-level payloads like rpcerr.Payload the same way.
func (s *Session) Codec() wire.Codec { return s.config.Codec }
