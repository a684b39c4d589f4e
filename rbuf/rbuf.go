// File: rbuf/rbuf.go
// Package rbuf implements the small per-connection receive buffer that
// framers needing to scan for a delimiter (CRLF) consume from without
// lookahead-aware kernel calls (spec §4.12). PFX does not use it: it reads
// its fixed-size header directly from the underlying bytestream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on internal/concurrency/ring.go's RingBuffer[T] (atomic
// head/tail with padding against false sharing), generalized from a
// generic ring-of-T to a single-owner byte ring: a receive buffer is
// consumed only by the owning Recv call (spec §5 "Shared resources"), so
// the atomics of the teacher's cross-goroutine ring are unnecessary here --
// plain ints suffice and are grounded on the same head/tail discipline.

package rbuf

import (
	"context"
	"time"
)

// Capacity is the fixed size of a Buffer, matching spec.md's "~2 KiB".
const Capacity = 2048

// ReadFunc performs one best-effort underlying read into dst, honoring ctx
// cancellation and the absolute deadline. Short reads are allowed.
type ReadFunc func(ctx context.Context, dst []byte, deadline time.Time) (int, error)

// Buffer is a fixed-capacity ring of bytes with two cursors (pos, len)
// exactly as spec.md describes: filled opportunistically by Refill,
// consumed byte-by-byte (or in bulk) by Consume.
type Buffer struct {
	data []byte
	pos  int
	len  int
}

// New allocates an empty receive buffer.
func New() *Buffer {
	return &Buffer{data: make([]byte, Capacity)}
}

// Empty reports whether all buffered bytes have been consumed.
func (b *Buffer) Empty() bool { return b.pos == b.len }

// Consume copies up to n bytes into dst, advancing pos. Returns the number
// of bytes actually copied (<= n, <= buffered bytes available).
func (b *Buffer) Consume(dst []byte, n int) int {
	avail := b.len - b.pos
	if n > avail {
		n = avail
	}
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], b.data[b.pos:b.pos+n])
	b.pos += n
	if b.pos == b.len {
		b.pos, b.len = 0, 0
	}
	return n
}

// ConsumeByte consumes a single buffered byte. ok is false if empty.
func (b *Buffer) ConsumeByte() (byte, bool) {
	if b.Empty() {
		return 0, false
	}
	c := b.data[b.pos]
	b.pos++
	if b.pos == b.len {
		b.pos, b.len = 0, 0
	}
	return c, true
}

// Refill calls read to top the buffer back up to capacity when empty.
// Best-effort: short reads from read are allowed and simply leave fewer
// bytes buffered than capacity.
func (b *Buffer) Refill(ctx context.Context, read ReadFunc, deadline time.Time) error {
	if !b.Empty() {
		return nil
	}
	n, err := read(ctx, b.data, deadline)
	b.pos, b.len = 0, n
	return err
}

// FillOrBypass implements spec.md's large-transfer optimization: when the
// caller's remaining need is >= buffer capacity, bypass the buffer
// entirely and read directly into dst, avoiding the extra memcpy. It
// returns (consumed, usedBypass, err). When usedBypass is true, the ring
// buffer was not touched and remains in whatever state it was in.
func (b *Buffer) FillOrBypass(ctx context.Context, dst []byte, read ReadFunc, deadline time.Time) (int, bool, error) {
	if b.Empty() && len(dst) >= Capacity {
		n, err := read(ctx, dst, deadline)
		return n, true, err
	}
	if err := b.Refill(ctx, read, deadline); err != nil && b.Empty() {
		return 0, false, err
	}
	return b.Consume(dst, len(dst)), false, nil
}
