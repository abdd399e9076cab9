// Package wire implements the Rapace hot descriptor: the fixed 64-byte
// record carried by every frame, plus the varint length-prefix framing
// used on byte-stream transports.
package wire

import (
	"encoding/binary"
	"errors"
)

// DescriptorSize is the fixed, wire-exact size of a hot descriptor.
const DescriptorSize = 64

// InlineSentinel marks payload_slot as "payload bytes live inside the
// descriptor" rather than referencing a hub slot.
const InlineSentinel = 0xFFFFFFFF

// inlineOffset is where the inline payload region begins inside the
// descriptor; everything from there to DescriptorSize is payload/padding.
//
// Layout (little-endian, byte offsets):
//
//	0  msg_id              u64
//	8  channel_id          u32
//	12 method_id           u32
//	16 flags               u16
//	18 _reserved0          u16  (pad, MUST be zero on send)
//	20 payload_slot        u32
//	24 payload_len         u32
//	28 payload_generation  u32
//	32 payload_offset      u32
//	36 deadline_ns         u64
//	44 priority            u8
//	45 _reserved1          [19]byte (pad, MUST be zero on send)
const (
	offMsgID       = 0
	offChannelID   = 8
	offMethodID    = 12
	offFlags       = 16
	offReserved0   = 18
	offPayloadSlot = 20
	offPayloadLen  = 24
	offPayloadGen  = 28
	offPayloadOff  = 32
	offDeadlineNs  = 36
	offPriority    = 44
	inlineOffset   = 45
)

// InlineCapacity is the number of payload bytes that fit directly inside
// the descriptor's inline region.
const InlineCapacity = DescriptorSize - inlineOffset

// Flags is the bit set carried in a descriptor's flags field.
type Flags uint16

const (
	FlagData     Flags = 0x01
	FlagEOS      Flags = 0x02
	FlagError    Flags = 0x04
	FlagControl  Flags = 0x08
	FlagResponse Flags = 0x10
	FlagNoReply  Flags = 0x20
	FlagCancel   Flags = 0x40
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ControlChannelID is the reserved channel for handshake and control verbs.
const ControlChannelID uint32 = 0

// Descriptor is the 64-byte hot descriptor, decoded into Go fields. Zero
// value is a valid, all-zero descriptor (channel 0, inline sentinel unset).
type Descriptor struct {
	MsgID              uint64
	ChannelID          uint32
	MethodID           uint32
	Flags              Flags
	PayloadSlot        uint32
	PayloadLen         uint32
	PayloadGeneration  uint32
	PayloadOffset      uint32
	DeadlineNs         uint64
	Priority           uint8
	Inline             [InlineCapacity]byte
}

// IsInline reports whether this descriptor's payload is carried inline.
func (d *Descriptor) IsInline() bool {
	return d.PayloadSlot == InlineSentinel
}

// SetInlinePayload copies b into the inline region and marks the
// descriptor as carrying an inline payload. If len(b) > InlineCapacity it
// returns an error and leaves d unchanged.
func (d *Descriptor) SetInlinePayload(b []byte) error {
	if len(b) > InlineCapacity {
		return errors.New("wire: inline payload exceeds inline capacity")
	}
	d.PayloadSlot = InlineSentinel
	d.PayloadLen = uint32(len(b))
	copy(d.Inline[:], b)
	return nil
}

// InlineBytes returns the slice of the inline region that holds the
// payload (valid only when IsInline() is true).
func (d *Descriptor) InlineBytes() []byte {
	return d.Inline[:d.PayloadLen]
}

// Encode writes the byte-exact 64-byte wire representation of d into out,
// which must be at least DescriptorSize bytes.
func (d *Descriptor) Encode(out []byte) {
	_ = out[:DescriptorSize] // bounds check hint
	binary.LittleEndian.PutUint64(out[offMsgID:], d.MsgID)
	binary.LittleEndian.PutUint32(out[offChannelID:], d.ChannelID)
	binary.LittleEndian.PutUint32(out[offMethodID:], d.MethodID)
	binary.LittleEndian.PutUint16(out[offFlags:], uint16(d.Flags))
	binary.LittleEndian.PutUint16(out[offReserved0:], 0)
	binary.LittleEndian.PutUint32(out[offPayloadSlot:], d.PayloadSlot)
	binary.LittleEndian.PutUint32(out[offPayloadLen:], d.PayloadLen)
	binary.LittleEndian.PutUint32(out[offPayloadGen:], d.PayloadGeneration)
	binary.LittleEndian.PutUint32(out[offPayloadOff:], d.PayloadOffset)
	binary.LittleEndian.PutUint64(out[offDeadlineNs:], d.DeadlineNs)
	out[offPriority] = d.Priority
	for i := inlineOffset; i < DescriptorSize; i++ {
		out[i] = 0
	}
	if d.IsInline() {
		copy(out[inlineOffset:], d.Inline[:d.PayloadLen])
	}
}

// ToBytes allocates and returns the encoded descriptor.
func (d *Descriptor) ToBytes() [DescriptorSize]byte {
	var out [DescriptorSize]byte
	d.Encode(out[:])
	return out
}

// Decode parses a 64-byte buffer into d. buf must be exactly
// DescriptorSize bytes (callers slice to that length).
func (d *Descriptor) Decode(buf []byte) error {
	if len(buf) != DescriptorSize {
		return errors.New("wire: descriptor must be exactly 64 bytes")
	}
	d.MsgID = binary.LittleEndian.Uint64(buf[offMsgID:])
	d.ChannelID = binary.LittleEndian.Uint32(buf[offChannelID:])
	d.MethodID = binary.LittleEndian.Uint32(buf[offMethodID:])
	d.Flags = Flags(binary.LittleEndian.Uint16(buf[offFlags:]))
	d.PayloadSlot = binary.LittleEndian.Uint32(buf[offPayloadSlot:])
	d.PayloadLen = binary.LittleEndian.Uint32(buf[offPayloadLen:])
	d.PayloadGeneration = binary.LittleEndian.Uint32(buf[offPayloadGen:])
	d.PayloadOffset = binary.LittleEndian.Uint32(buf[offPayloadOff:])
	d.DeadlineNs = binary.LittleEndian.Uint64(buf[offDeadlineNs:])
	d.Priority = buf[offPriority]
	if d.IsInline() {
		if d.PayloadLen > InlineCapacity {
			return errors.New("wire: inline payload_len exceeds inline capacity")
		}
		copy(d.Inline[:], buf[inlineOffset:inlineOffset+int(d.PayloadLen)])
	}
	return nil
}

// IsOddChannel reports whether id is an initiator-opened channel id.
func IsOddChannel(id uint32) bool { return id != 0 && id%2 == 1 }

// IsEvenChannel reports whether id is an acceptor-opened channel id
// (0 itself is reserved for control, not a channel).
func IsEvenChannel(id uint32) bool { return id != 0 && id%2 == 0 }
