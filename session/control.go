package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// encodeControlFrame marshals payload with codec and builds a ready-to-send
// control frame for verb on channel 0, with extraFlags OR'd into
// FlagControl (e.g. FlagError for an aborting HELLO reply).
func encodeControlFrame(codec wire.Codec, verb uint32, payload any, extraFlags wire.Flags) (*wire.Frame, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, rpcerr.NewTransport(rpcerr.TransportEncode, err)
	}

	var f wire.Frame
	f.Desc.ChannelID = wire.ControlChannelID
	f.Desc.MethodID = verb
	f.Desc.Flags = wire.FlagControl | extraFlags
	if len(body) <= wire.InlineCapacity {
		if err := f.Desc.SetInlinePayload(body); err != nil {
			return nil, rpcerr.NewTransport(rpcerr.TransportEncode, err)
		}
		f.Payload = wire.InlinePayload(f.Desc.InlineBytes())
	} else {
		f.Payload = wire.OwnedPayload(body)
		f.Desc.PayloadLen = uint32(len(body))
	}
	return &f, nil
}

// sendControl marshals payload with the negotiated codec and queues it as
// a control-class frame on channel 0 with method_id verb.
func (s *Session) sendControl(ctx context.Context, verb uint32, payload any) error {
	return s.sendControlFlagged(ctx, verb, payload, 0)
}

// sendControlFlagged is sendControl with additional descriptor flags
// OR'd in, used for the ERROR-flagged HELLO sent on a handshake mismatch.
func (s *Session) sendControlFlagged(ctx context.Context, verb uint32, payload any, extraFlags wire.Flags) error {
	f, err := encodeControlFrame(s.config.Codec, verb, payload, extraFlags)
	if err != nil {
		return err
	}
	return s.queueWrite(ctx, classControl, f)
}

// dispatch routes one inbound frame. A frame whose deadline has already
// passed is answered with a synthesized DeadlineExceeded error and
// dropped before any further routing; otherwise control-channel frames go
// through handleControl and everything else is delivered to its Channel.
func (s *Session) dispatch(f *wire.Frame) {
	if f.Desc.DeadlineNs != 0 && uint64(time.Now().UnixNano()) > f.Desc.DeadlineNs {
		s.replyDeadlineExceeded(f)
		return
	}

	if f.Desc.ChannelID == wire.ControlChannelID {
		s.handleControl(f)
		return
	}

	s.channelsMu.Lock()
	ch, ok := s.channels[f.Desc.ChannelID]
	s.channelsMu.Unlock()
	if !ok {
		s.logger.Debug().Uint32("channel_id", f.Desc.ChannelID).Msg("frame for unknown channel, dropping")
		return
	}
	ch.deliver(f)
}

// replyDeadlineExceeded synthesizes an ERROR|EOS response on f's channel
// carrying rpcerr.CodeDeadlineExceeded, and drops f itself.
func (s *Session) replyDeadlineExceeded(f *wire.Frame) {
	body, err := s.config.Codec.Marshal(rpcerr.New(rpcerr.CodeDeadlineExceeded, "deadline exceeded before dispatch").ToPayload())
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode DeadlineExceeded response, dropping frame silently")
		return
	}
	var resp wire.Frame
	resp.Desc.ChannelID = f.Desc.ChannelID
	resp.Desc.Flags = wire.FlagError | wire.FlagEOS
	resp.Payload = wire.OwnedPayload(body)
	resp.Desc.PayloadLen = uint32(len(body))
	_ = s.queueWrite(context.Background(), classData, &resp)
}

func (s *Session) handleControl(f *wire.Frame) {
	verb := f.Desc.MethodID
	body := f.Payload.Bytes()

	if !wire.IsKnownControlVerb(verb) {
		if wire.IsExtensionControlVerb(verb) {
			return
		}
		s.logger.Warn().Uint32("verb", verb).Msg("unknown control verb in reserved range, closing session")
		s.Close()
		return
	}

	switch verb {
	case wire.ControlHello:
		if f.Desc.Flags.Has(wire.FlagError) {
			var p wire.Hello
			_ = s.config.Codec.Unmarshal(body, &p)
			s.logger.Warn().Interface("params", p.Params).Msg("peer aborted handshake with an ERROR-flagged HELLO, closing session")
			s.Close()
			return
		}
		s.logger.Debug().Msg("unexpected HELLO after handshake, ignoring")

	case wire.ControlOpenChannel:
		s.handleOpenChannel(body)

	case wire.ControlCloseChannel:
		s.handleCloseChannel(body)

	case wire.ControlCancelChannel:
		s.handleCancelChannel(body)

	case wire.ControlGrantCredits:
		s.handleGrantCredits(body)

	case wire.ControlPing:
		s.handlePing(body)

	case wire.ControlPong:
		s.handlePong(body)

	case wire.ControlGoAway:
		s.handleGoAway(body)
	}
}

func (s *Session) handleOpenChannel(body []byte) {
	var p wire.OpenChannelPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed OPEN_CHANNEL, closing session")
		s.Close()
		return
	}

	ch := newChannel(p.ChannelID, p.Kind, s, p.InitialCredits)
	ch.attach = p.Attach

	s.channelsMu.Lock()
	s.channels[p.ChannelID] = ch
	s.channelsMu.Unlock()

	select {
	case s.acceptCh <- ch:
	default:
		s.logger.Warn().Uint32("channel_id", p.ChannelID).Msg("accept queue full, dropping OPEN_CHANNEL")
		s.channelsMu.Lock()
		delete(s.channels, p.ChannelID)
		s.channelsMu.Unlock()
	}
}

func (s *Session) handleCloseChannel(body []byte) {
	var p wire.CloseChannelPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		return
	}
	s.channelsMu.Lock()
	ch, ok := s.channels[p.ChannelID]
	delete(s.channels, p.ChannelID)
	s.channelsMu.Unlock()
	if ok {
		ch.forceClose(ErrClosed)
	}
}

func (s *Session) handleCancelChannel(body []byte) {
	var p wire.CancelChannelPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		return
	}
	s.channelsMu.Lock()
	ch, ok := s.channels[p.ChannelID]
	s.channelsMu.Unlock()
	if ok {
		ch.markCancelled()
	}
}

func (s *Session) handleGrantCredits(body []byte) {
	var p wire.GrantCreditsPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		return
	}
	s.channelsMu.Lock()
	ch, ok := s.channels[p.ChannelID]
	s.channelsMu.Unlock()
	if ok {
		ch.grantCredits(p.Bytes)
	}
}

func (s *Session) handlePing(body []byte) {
	var p wire.PingPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		return
	}
	_ = s.sendControl(context.Background(), wire.ControlPong, wire.PongPayload{Payload: p.Payload})
}

func (s *Session) handlePong(body []byte) {
	var p wire.PongPayload
	if err := s.config.Codec.Unmarshal(body, &p); err != nil {
		return
	}
	token := binary.LittleEndian.Uint64(p.Payload[:])

	s.pingMu.Lock()
	waiter, ok := s.pingWaiters[token]
	if ok {
		delete(s.pingWaiters, token)
	}
	s.pingMu.Unlock()

	if ok {
		close(waiter)
	}
}

func (s *Session) handleGoAway(body []byte) {
	var p wire.GoAwayPayload
	_ = s.config.Codec.Unmarshal(body, &p)
	s.logger.Info().Uint32("last_channel_id", p.LastChannelID).Str("reason", p.Reason).Msg("peer sent GO_AWAY")
	s.Close()
}

// Ping sends a PING carrying a random token and blocks until the matching
// PONG arrives, the session dies, or ctx is done.
func (s *Session) Ping(ctx context.Context) error {
	var tokenBytes [8]byte
	if _, err := rand.Read(tokenBytes[:]); err != nil {
		return rpcerr.NewTransport(rpcerr.TransportIo, err)
	}
	token := binary.LittleEndian.Uint64(tokenBytes[:])

	waiter := make(chan struct{})
	s.pingMu.Lock()
	s.pingWaiters[token] = waiter
	s.pingMu.Unlock()

	if err := s.sendControl(ctx, wire.ControlPing, wire.PingPayload{Payload: tokenBytes}); err != nil {
		s.pingMu.Lock()
		delete(s.pingWaiters, token)
		s.pingMu.Unlock()
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-s.die:
		return ErrClosed
	case <-ctx.Done():
		s.pingMu.Lock()
		delete(s.pingWaiters, token)
		s.pingMu.Unlock()
		return ctx.Err()
	}
}
