package rbuf_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/rbuf"
)

func fixedReader(payload []byte) rbuf.ReadFunc {
	return func(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
		n := copy(dst, payload)
		return n, nil
	}
}

func TestConsumeByteAndRefill(t *testing.T) {
	b := rbuf.New()
	if !b.Empty() {
		t.Fatalf("new buffer must be empty")
	}
	if err := b.Refill(context.Background(), fixedReader([]byte("abc")), time.Time{}); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if b.Empty() {
		t.Fatalf("buffer should hold bytes after refill")
	}
	for _, want := range []byte("abc") {
		c, ok := b.ConsumeByte()
		if !ok || c != want {
			t.Fatalf("expected %q, got %q (ok=%v)", want, c, ok)
		}
	}
	if !b.Empty() {
		t.Fatalf("buffer should be empty after consuming every byte")
	}
	if _, ok := b.ConsumeByte(); ok {
		t.Fatalf("ConsumeByte on an empty buffer must report ok=false")
	}
}

func TestConsumeBulk(t *testing.T) {
	b := rbuf.New()
	if err := b.Refill(context.Background(), fixedReader([]byte("hello world")), time.Time{}); err != nil {
		t.Fatalf("refill: %v", err)
	}
	dst := make([]byte, 5)
	n := b.Consume(dst, 5)
	if n != 5 || string(dst) != "hello" {
		t.Fatalf("expected hello, got %q (n=%d)", dst, n)
	}
	rest := make([]byte, 64)
	n = b.Consume(rest, 64)
	if string(rest[:n]) != " world" {
		t.Fatalf("expected remaining ' world', got %q", rest[:n])
	}
	if !b.Empty() {
		t.Fatalf("buffer should be drained")
	}
}

// TestFillOrBypassLargeRead matches the large-transfer optimization: a
// request at or above capacity bypasses the ring buffer entirely.
func TestFillOrBypassLargeRead(t *testing.T) {
	b := rbuf.New()
	big := bytes.Repeat([]byte("x"), rbuf.Capacity)
	dst := make([]byte, rbuf.Capacity)
	n, bypassed, err := b.FillOrBypass(context.Background(), dst, fixedReader(big), time.Time{})
	if err != nil {
		t.Fatalf("FillOrBypass: %v", err)
	}
	if !bypassed {
		t.Fatalf("expected a >=capacity request to bypass the ring buffer")
	}
	if n != rbuf.Capacity {
		t.Fatalf("expected %d bytes, got %d", rbuf.Capacity, n)
	}
}

// TestFillOrBypassSmallReadUsesBuffer matches the opposite path: a small
// request goes through Refill+Consume.
func TestFillOrBypassSmallReadUsesBuffer(t *testing.T) {
	b := rbuf.New()
	dst := make([]byte, 3)
	n, bypassed, err := b.FillOrBypass(context.Background(), dst, fixedReader([]byte("xyz")), time.Time{})
	if err != nil {
		t.Fatalf("FillOrBypass: %v", err)
	}
	if bypassed {
		t.Fatalf("expected a small request to use the ring buffer, not bypass")
	}
	if n != 3 || string(dst) != "xyz" {
		t.Fatalf("expected xyz, got %q (n=%d)", dst, n)
	}
}
