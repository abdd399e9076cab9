package wire

import (
	"bytes"
	"testing"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{
		MsgID:             42,
		ChannelID:         3,
		MethodID:          7,
		Flags:             FlagData | FlagEOS,
		PayloadSlot:       InlineSentinel,
		DeadlineNs:        123456789,
		Priority:          1,
	}
	if err := d.SetInlinePayload([]byte("hello")); err != nil {
		t.Fatalf("SetInlinePayload: %v", err)
	}

	buf := d.ToBytes()
	if len(buf) != DescriptorSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), DescriptorSize)
	}

	var got Descriptor
	if err := got.Decode(buf[:]); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.MsgID != d.MsgID || got.ChannelID != d.ChannelID || got.MethodID != d.MethodID ||
		got.Flags != d.Flags || got.DeadlineNs != d.DeadlineNs || got.Priority != d.Priority {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
	if !bytes.Equal(got.InlineBytes(), []byte("hello")) {
		t.Fatalf("inline payload mismatch: got %q", got.InlineBytes())
	}
}

func TestDescriptorReservedBytesZero(t *testing.T) {
	d := Descriptor{ChannelID: 5, Priority: 9}
	buf := d.ToBytes()
	if buf[offReserved0] != 0 || buf[offReserved0+1] != 0 {
		t.Fatalf("reserved0 not zero: %v", buf[offReserved0:offReserved0+2])
	}
	for i := inlineOffset + int(d.PayloadLen); i < DescriptorSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("reserved tail byte %d not zero", i)
		}
	}
}

func TestInlineCapacityExceeded(t *testing.T) {
	var d Descriptor
	big := make([]byte, InlineCapacity+1)
	if err := d.SetInlinePayload(big); err == nil {
		t.Fatal("expected error for oversized inline payload")
	}
}

func TestChannelParity(t *testing.T) {
	if !IsOddChannel(1) || IsOddChannel(2) || IsOddChannel(0) {
		t.Fatal("odd channel classification wrong")
	}
	if !IsEvenChannel(2) || IsEvenChannel(1) || IsEvenChannel(0) {
		t.Fatal("even channel classification wrong")
	}
}
