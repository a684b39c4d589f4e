// File: iovec/iovec.go
// Package iovec provides scatter-gather primitives shared by every adapter:
// size, cut (alias, no copy), and copy helpers between contiguous and
// scattered buffer forms (spec §4.13).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on internal/transport/transport_linux.go's use of
// unix.SendmsgBuffers/RecvmsgBuffers, both of which already operate on
// [][]byte -- List is defined as exactly that so it interoperates with
// those syscalls with zero conversion.

package iovec

// List is an ordered sequence of buffers describing non-contiguous memory,
// the Go-native rendering of a gather/scatter list.
type List [][]byte

// Size returns the total byte count across every entry of list.
func Size(list List) int {
	n := 0
	for _, b := range list {
		n += len(b)
	}
	return n
}

// Of wraps a single contiguous buffer as a one-entry List.
func Of(b []byte) List { return List{b} }

// Cut constructs a new List aliasing exactly `length` bytes starting at
// `offset` in the logical concatenation of src. Entries alias src's
// buffers; no data is copied. Returns fewer aliased bytes than length only
// if src does not contain that many bytes past offset.
func Cut(src List, offset, length int) List {
	out := make(List, 0, len(src))
	pos := 0
	remaining := length
	for _, buf := range src {
		if remaining <= 0 {
			break
		}
		bufLen := len(buf)
		if pos+bufLen <= offset {
			pos += bufLen
			continue
		}
		start := 0
		if offset > pos {
			start = offset - pos
		}
		end := bufLen
		if end-start > remaining {
			end = start + remaining
		}
		if end > start {
			out = append(out, buf[start:end])
			remaining -= end - start
		}
		pos += bufLen
	}
	return out
}

// CopyAllTo flattens src (a single contiguous buffer) into dst, a scattered
// List, spanning as many entries of dst as needed. Returns the number of
// bytes copied.
func CopyAllTo(dst List, src []byte) int {
	copied := 0
	for _, buf := range dst {
		if copied >= len(src) {
			break
		}
		n := copy(buf, src[copied:])
		copied += n
	}
	return copied
}

// CopyAllFrom flattens src, a scattered List, into a single contiguous dst.
// Returns the number of bytes copied.
func CopyAllFrom(dst []byte, src List) int {
	copied := 0
	for _, buf := range src {
		if copied >= len(dst) {
			break
		}
		n := copy(dst[copied:], buf)
		copied += n
		if n < len(buf) {
			break
		}
	}
	return copied
}

// ErrTooSmall is returned by DeepCopy when dst's total capacity is less
// than src's total size.
var ErrTooSmall = errTooSmall{}

type errTooSmall struct{}

func (errTooSmall) Error() string { return "iovec: destination too small" }

// DeepCopy copies every byte of src into dst's buffers, spanning across
// entries on both sides. Fails with ErrTooSmall if dst cannot hold all of
// src; on success returns the number of bytes copied (== Size(src)).
func DeepCopy(dst, src List) (int, error) {
	if Size(dst) < Size(src) {
		return 0, ErrTooSmall
	}
	total := 0
	di, doff := 0, 0
	for _, sbuf := range src {
		soff := 0
		for soff < len(sbuf) {
			if di >= len(dst) {
				return total, ErrTooSmall
			}
			dbuf := dst[di]
			if doff >= len(dbuf) {
				di++
				doff = 0
				continue
			}
			n := copy(dbuf[doff:], sbuf[soff:])
			doff += n
			soff += n
			total += n
		}
	}
	return total, nil
}

// Flatten allocates and returns a single contiguous copy of list's bytes.
// Unlike Cut/CopyAll*, this does allocate -- useful at adapter boundaries
// that must hand a contiguous []byte to an external API (e.g. secretbox,
// lz4) that does not accept scatter-gather input.
func Flatten(list List) []byte {
	out := make([]byte, Size(list))
	CopyAllFrom(out, list)
	return out
}
