// Package bufpool implements the bounded buffer pool used on stream
// receive paths. It hands out zeroed/resized buffers from a
// size-classed free list and falls back to ad-hoc allocation, with a
// logged warning, for sizes the pool doesn't cover.
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultMaxPooledSize caps what the pool will cache; requests larger than
// this always fall back to ad-hoc allocation (grounded on smux's
// defaultAllocator, which likewise only pools up to its configured class
// ceiling and allocates directly above it).
const defaultMaxPooledSize = 64 * 1024

// Pool is a bounded, lock-free-on-the-hot-path cache of reusable byte
// buffers. The zero value is not usable; construct with New.
type Pool struct {
	pool        sync.Pool
	maxPooled   int
	outstanding atomic.Int64
	logger      zerolog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxPooledSize overrides the size above which Get falls back to a
// fresh allocation instead of pulling from the pool.
func WithMaxPooledSize(n int) Option {
	return func(p *Pool) { p.maxPooled = n }
}

// WithLogger attaches a logger used to warn on oversize fallback
// allocations.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a Pool.
func New(opts ...Option) *Pool {
	p := &Pool{maxPooled: defaultMaxPooledSize, logger: log.Logger}
	p.pool.New = func() any {
		b := make([]byte, 0, p.maxPooled)
		return &b
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pooledBuffer implements wire.Releaser so frame decoding can hand a
// buffer straight back to its pool on consume/drop.
type pooledBuffer struct {
	pool *Pool
	buf  []byte
}

func (p *pooledBuffer) Release() {
	p.pool.put(p.buf)
}

// Get returns a buffer of length n. Buffers at or below the pool's size
// ceiling come from (and later return to) the free list; larger requests
// allocate directly and log a warning, since pooling them would bloat the
// steady-state cache for a one-off size.
func (p *Pool) Get(n int) []byte {
	if n > p.maxPooled {
		p.logger.Warn().Int("size", n).Int("max_pooled", p.maxPooled).
			Msg("bufpool: oversize allocation falls back to ad-hoc buffer")
		return make([]byte, n)
	}
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < n {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
		for i := range buf {
			buf[i] = 0
		}
	}
	p.outstanding.Add(1)
	return buf
}

// GetReleasable returns both the buffer and a wire.Releaser whose Release
// returns it to the pool. Release is not guarded: each call puts the
// buffer back again.
func (p *Pool) GetReleasable(n int) ([]byte, *pooledBuffer) {
	buf := p.Get(n)
	return buf, &pooledBuffer{pool: p, buf: buf}
}

func (p *Pool) put(buf []byte) {
	if cap(buf) == 0 || cap(buf) > p.maxPooled {
		return
	}
	p.outstanding.Add(-1)
	b := buf[:0]
	p.pool.Put(&b)
}

// Put returns buf to the pool. Buffers above the pool's ceiling are
// dropped for the GC rather than retained.
func (p *Pool) Put(buf []byte) { p.put(buf) }

// Outstanding returns the number of buffers currently checked out,
// primarily for tests and diagnostics.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }
