package wire

import (
	"bufio"
	"errors"
	"io"
)

// ErrInvalidData is returned by DecodeFrame for any malformed-frame
// condition: a truncated or oversized varint length prefix, a length
// prefix shorter than one descriptor, a descriptor that fails to decode,
// or a payload_len mismatch against the frame's actual length.
var ErrInvalidData = errors.New("wire: invalid data")

// ErrClosed indicates a clean EOF: zero bytes were consumed before the
// stream closed, as opposed to a truncated varint (ErrInvalidData).
var ErrClosed = errors.New("wire: closed")

// DefaultMaxPayloadSize is the default negotiated maximum payload size for
// stream transports (16 MiB), mutable after handshake negotiation.
const DefaultMaxPayloadSize = 16 * 1024 * 1024

// EncodeFrame writes f to w as: varint(desc_size + payload_len) ||
// 64-byte descriptor || payload bytes (only when the payload is not
// already inline, since inline payloads are embedded in the descriptor).
func EncodeFrame(w io.Writer, f *Frame) error {
	var payload []byte
	if !f.Desc.IsInline() {
		payload = f.Payload.Bytes()
	}
	total := uint64(DescriptorSize + len(payload))
	if f.Desc.IsInline() {
		total += uint64(f.Desc.PayloadLen)
	}

	var lenBuf [MaxVarintBytes]byte
	n := PutVarint(lenBuf[:], total)

	var descBuf [DescriptorSize]byte
	f.Desc.Encode(descBuf[:])

	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(descBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// PayloadAllocator supplies a buffer of at least n bytes for the inbound
// payload of a decoded frame, and is used to avoid an allocation per frame
// on the hot receive path (see bufpool.Pool).
type PayloadAllocator interface {
	Get(n int) []byte
	Put(b []byte)
}

// DecodeFrame reads one frame from r (a *bufio.Reader so ReadVarint can
// read a byte at a time without extra buffering), honoring maxPayloadSize
// as the negotiated ceiling on payload_len. alloc, if non-nil, is used to
// obtain the buffer backing the frame's out-of-line payload; callers own
// returning it via alloc.Put when done (frame consume / drop path).
func DecodeFrame(r *bufio.Reader, maxPayloadSize int, alloc PayloadAllocator) (*Frame, error) {
	total, err := ReadVarint(r)
	if err != nil {
		switch {
		case errors.Is(err, ErrVarintTooLong):
			return nil, ErrInvalidData
		case errors.Is(err, ErrVarintTruncated):
			return nil, ErrInvalidData
		case errors.Is(err, io.EOF):
			return nil, ErrClosed
		default:
			return nil, err
		}
	}

	if total < DescriptorSize {
		return nil, ErrInvalidData
	}
	if total > uint64(maxPayloadSize)+DescriptorSize {
		return nil, ErrInvalidData
	}

	var descBuf [DescriptorSize]byte
	if _, err := io.ReadFull(r, descBuf[:]); err != nil {
		return nil, translateReadErr(err)
	}

	var f Frame
	if err := f.Desc.Decode(descBuf[:]); err != nil {
		return nil, ErrInvalidData
	}

	payloadLen := total - DescriptorSize
	if uint64(f.Desc.PayloadLen) != payloadLen {
		return nil, ErrInvalidData
	}

	if f.Desc.IsInline() {
		f.Payload = InlinePayload(f.Desc.InlineBytes())
		return &f, nil
	}

	var buf []byte
	if alloc != nil {
		buf = alloc.Get(int(payloadLen))[:payloadLen]
	} else {
		buf = make([]byte, payloadLen)
	}
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			if alloc != nil {
				alloc.Put(buf)
			}
			return nil, translateReadErr(err)
		}
	}
	if alloc != nil {
		f.Payload = PooledPayload(buf, releaseFunc(func() { alloc.Put(buf) }))
	} else {
		f.Payload = OwnedPayload(buf)
	}
	return &f, nil
}

type releaseFunc func()

func (r releaseFunc) Release() { r() }

func translateReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrInvalidData
	}
	return err
}
