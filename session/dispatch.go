package session

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/bearcove/rapace/wire"
)

// queueWrite hands f to the shaper and blocks until it has actually been
// written (or the session/ctx ends). Grounded on smux's writeFrameInternal:
// callers never touch the transport directly, so every write is ordered
// and prioritized through one chokepoint.
func (s *Session) queueWrite(ctx context.Context, class writeClass, f *wire.Frame) error {
	if s.IsClosed() {
		return ErrClosed
	}

	s.writeSeqMu.Lock()
	seq := s.writeSeq
	s.writeSeq++
	s.writeSeqMu.Unlock()

	req := writeRequest{class: class, seq: seq, frame: f, result: make(chan error, 1)}
	select {
	case s.shaper <- req:
	case <-s.die:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-s.die:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shaperLoop holds pending writes in a priority heap (control before data,
// then FIFO within a class) and feeds the single highest-priority one (the
// heap's minimum) to sendLoop at a time, the same two-goroutine split smux uses to keep
// control traffic (pings, window updates) from queuing behind bulk data.
func (s *Session) shaperLoop() {
	var h writeHeap
	heap.Init(&h)

	for {
		if h.Len() == 0 {
			select {
			case req := <-s.shaper:
				heap.Push(&h, req)
			case <-s.die:
				return
			}
			continue
		}

		next := h[0]
		select {
		case req := <-s.shaper:
			if h.Len() < maxShaperBacklog {
				heap.Push(&h, req)
			} else {
				req.result <- errors.New("session: shaper backlog full")
			}
		case s.writes <- next:
			heap.Pop(&h)
		case <-s.die:
			return
		}
	}
}

// sendLoop is the only goroutine that calls Transport.SendFrame, so writes
// from different channels never interleave mid-frame.
func (s *Session) sendLoop() {
	for {
		select {
		case req := <-s.writes:
			err := s.t.SendFrame(context.Background(), req.frame)
			req.result <- err
			if err != nil {
				s.Close()
				return
			}
		case <-s.die:
			return
		}
	}
}

// recvLoop is the only goroutine that calls Transport.RecvFrame, and hands
// each decoded frame to dispatch.
func (s *Session) recvLoop() {
	for {
		f, err := s.t.RecvFrame(context.Background())
		if err != nil {
			s.notifyReadError(err)
			s.Close()
			return
		}
		s.dispatchRecovered(f)
	}
}

// dispatchRecovered runs dispatch with a recover guard: a panic inside a
// control handler must not take the whole recv loop down with it.
func (s *Session) dispatchRecovered(f *wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered panic in frame dispatch")
		}
	}()
	s.dispatch(f)
}

// keepaliveLoop pings the peer on config.KeepaliveInterval and closes the
// session if a reply doesn't arrive within config.KeepaliveTimeout,
// mirroring smux's keepalive goroutine.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.KeepaliveTimeout)
			err := s.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("keepalive ping failed, closing session")
				s.Close()
				return
			}
		case <-s.die:
			return
		}
	}
}
