package wire

// PayloadKind discriminates the payload carrier tagged union: Inline,
// Owned, Pooled, or SlotRef.
type PayloadKind uint8

const (
	PayloadInline PayloadKind = iota
	PayloadOwned
	PayloadPooled
	PayloadSlotRef
)

// Releaser is implemented by pooled buffers so a Payload can return them to
// their pool when its last holder is done with it.
type Releaser interface {
	Release()
}

// SlotRef identifies a hub slot by (class, global index, generation) —
// a lookup into the hub's shared memory, not ownership of it; consumers
// MUST verify the generation against live slot metadata before touching
// slot data (see hub package).
type SlotRef struct {
	Class        uint8
	GlobalIndex  uint32
	Generation   uint32
}

// Payload is the tagged union over the four payload carriers. Exactly one
// of the fields is meaningful, selected by Kind.
type Payload struct {
	Kind PayloadKind

	// Inline: payload bytes live in the descriptor itself; Bytes points
	// into the owning Descriptor.Inline array.
	InlineBytes []byte

	// Owned: a heap-allocated buffer owned by this Payload alone.
	Owned []byte

	// Pooled: a buffer borrowed from a bufpool.Pool; Release() must be
	// called exactly once (on frame consume or explicit drop) unless the
	// language runtime provides deterministic destruction.
	Pooled       []byte
	PooledRelease Releaser

	// SlotRef: a reference into the hub's shared slab.
	Slot SlotRef
}

// Bytes returns the payload's bytes regardless of carrier, without
// transferring ownership.
func (p Payload) Bytes() []byte {
	switch p.Kind {
	case PayloadInline:
		return p.InlineBytes
	case PayloadOwned:
		return p.Owned
	case PayloadPooled:
		return p.Pooled
	default:
		return nil
	}
}

// Release returns pooled buffers to their pool. It is a no-op for Inline,
// Owned, and SlotRef payloads (SlotRef release happens via the hub
// allocator's Free, driven by the session/transport layer, not here).
func (p Payload) Release() {
	if p.Kind == PayloadPooled && p.PooledRelease != nil {
		p.PooledRelease.Release()
	}
}

// InlinePayload wraps b as an inline payload view (no copy).
func InlinePayload(b []byte) Payload {
	return Payload{Kind: PayloadInline, InlineBytes: b}
}

// OwnedPayload wraps b as an owned payload.
func OwnedPayload(b []byte) Payload {
	return Payload{Kind: PayloadOwned, Owned: b}
}

// PooledPayload wraps b as a pooled payload with the given releaser.
func PooledPayload(b []byte, release Releaser) Payload {
	return Payload{Kind: PayloadPooled, Pooled: b, PooledRelease: release}
}

// SlotPayload wraps a hub slot reference.
func SlotPayload(ref SlotRef) Payload {
	return Payload{Kind: PayloadSlotRef, Slot: ref}
}

// Frame pairs a Descriptor with its out-of-line payload (when not inline).
type Frame struct {
	Desc    Descriptor
	Payload Payload
}

// EffectivePayloadLen returns the byte length implied by the frame,
// cross-checked against the descriptor's PayloadLen by callers that decode
// from the wire.
func (f *Frame) EffectivePayloadLen() int {
	if f.Desc.IsInline() {
		return int(f.Desc.PayloadLen)
	}
	return len(f.Payload.Bytes())
}
