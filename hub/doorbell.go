package hub

import (
	"os"
	"sync"
)

// Doorbell is an OS-level wakeup primitive signalling "a ring for you has
// new work" across process boundaries, without polling. The original hub
// uses a socketpair-backed futex; Go has no portable futex wait, so
// Doorbell uses a self-pipe: every Ring writes one byte, and Wait blocks in
// a Read until a byte arrives or the doorbell is closed. Rings are not
// coalesced: each byte written releases exactly one Wait.
type Doorbell struct {
	r, w *os.File

	closeOnce sync.Once
}

// NewDoorbell creates a connected doorbell pair. The returned Doorbell is
// bidirectional in the sense that both Ring and Wait operate on it; hub
// peers typically create one per direction (host-to-peer, peer-to-host).
func NewDoorbell() (*Doorbell, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Doorbell{r: r, w: w}, nil
}

// Ring writes one byte, waking one blocked (or the next) Wait call. It does
// not check whether a byte is already pending, so repeated rings each queue
// a wakeup; the write blocks only once the pipe's buffer is full.
func (d *Doorbell) Ring() error {
	_, err := d.w.Write([]byte{1})
	if err != nil && !os.IsTimeout(err) {
		return err
	}
	return nil
}

// Wait blocks until it reads one byte written by Ring, or the doorbell is
// closed (in which case Wait returns io.EOF, or an *os.PathError wrapping
// os.ErrClosed if the read end was already closed). Each Wait consumes
// exactly one ring, so a ring whose work an earlier wakeup already drained
// still produces a wakeup of its own.
func (d *Doorbell) Wait() error {
	var buf [1]byte
	_, err := d.r.Read(buf[:])
	return err
}

// FD exposes the read end's file descriptor for integration with an
// external poller (epoll/kqueue via golang.org/x/sys/unix), if a caller
// needs to multiplex a doorbell alongside other readiness sources instead
// of dedicating a goroutine to Wait.
func (d *Doorbell) FD() uintptr {
	return d.r.Fd()
}

// Close releases both ends of the pipe. A blocked Wait unblocks with an
// error once Close has run.
func (d *Doorbell) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if e := d.w.Close(); e != nil {
			err = e
		}
		if e := d.r.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}
