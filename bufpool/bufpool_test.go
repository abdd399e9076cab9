package bufpool

import "testing"

func TestGetZeroed(t *testing.T) {
	p := New()
	buf := p.Get(128)
	if len(buf) != 128 {
		t.Fatalf("len = %d, want 128", len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestPutGetReuse(t *testing.T) {
	p := New()
	buf := p.Get(64)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	got := p.Get(64)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("reused buffer byte %d not zeroed: %d", i, b)
		}
	}
}

func TestOversizeFallback(t *testing.T) {
	p := New(WithMaxPooledSize(16))
	buf := p.Get(1024)
	if len(buf) != 1024 {
		t.Fatalf("len = %d, want 1024", len(buf))
	}
	// Oversize buffers are not tracked as outstanding pooled allocations.
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.Outstanding())
	}
}

func TestOutstandingAccounting(t *testing.T) {
	p := New()
	b1 := p.Get(32)
	b2 := p.Get(32)
	if p.Outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2", p.Outstanding())
	}
	p.Put(b1)
	p.Put(b2)
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.Outstanding())
	}
}
