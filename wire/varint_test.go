package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range cases {
		buf := AppendVarint(nil, v)
		r := bufio.NewReader(bytes.NewReader(buf))
		got, err := ReadVarint(r)
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func TestVarintCleanEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := ReadVarint(r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on clean close, got %v", err)
	}
}

func TestVarintTruncatedMidSequence(t *testing.T) {
	// A single continuation byte with no terminator: distinct from a
	// clean EOF since at least one byte was consumed.
	r := bufio.NewReader(bytes.NewReader([]byte{0x80}))
	_, err := ReadVarint(r)
	if !errors.Is(err, ErrVarintTruncated) {
		t.Fatalf("expected ErrVarintTruncated, got %v", err)
	}
}

func TestVarintTooLong(t *testing.T) {
	buf := bytes.Repeat([]byte{0x80}, 11)
	r := bufio.NewReader(bytes.NewReader(buf))
	_, err := ReadVarint(r)
	if !errors.Is(err, ErrVarintTooLong) {
		t.Fatalf("expected ErrVarintTooLong, got %v", err)
	}
}
