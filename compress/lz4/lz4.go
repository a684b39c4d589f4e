// Package lz4 is the message-layer compression transform (spec §4.10):
// each message is compressed into one self-contained LZ4 frame carrying
// its uncompressed size in the frame header, so the receiver can validate
// against its buffer's capacity before fully decompressing. Grounded on
// original_source/lz4.c (lz4_start/_msend/_mrecv/_stop), with the vendored
// LZ4F_* single-shot calls replaced by github.com/pierrec/lz4/v4 (attested
// in nabbar-golib, DataDog-datadog-agent, malbeclabs-doublezero
// manifests) -- a streaming frame codec rather than a single-shot
// compress-into-buffer call, so each message is framed through a
// bytes.Buffer-backed Writer/Reader pair instead of one LZ4F_compressFrame
// call.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package lz4

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/pierrec/lz4/v4"
)

// compressedBound returns a generous upper bound on an LZ4 frame's size
// for n bytes of input, standing in for lz4_msend's
// LZ4F_compressFrameBound(len, NULL) call.
func compressedBound(n int) int {
	return n + n/255 + 16 + 64
}

// Sock is a handle.Object + handle.Message layered atop another
// handle.Message, compressing/decompressing each message as one LZ4
// frame.
type Sock struct {
	reg     *handle.Registry
	underID handle.ID
	under   handle.Message

	state    handle.DuplexState
	detached atomic.Bool
}

var (
	_ handle.Object  = (*Sock)(nil)
	_ handle.Message = (*Sock)(nil)
)

func underlyingMessage(reg *handle.Registry, id handle.ID) (handle.Message, error) {
	iface, ok := reg.Query(id, handle.TagMessage)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	msg, ok := iface.(handle.Message)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	return msg, nil
}

// Start adopts underlying (a message handle) as the LZ4 compression
// layer.
func Start(reg *handle.Registry, underlying handle.ID) (handle.ID, error) {
	if _, err := underlyingMessage(reg, underlying); err != nil {
		return 0, err
	}
	dup, err := handle.Attach(reg, underlying)
	if err != nil {
		return 0, err
	}
	msg, err := underlyingMessage(reg, dup)
	if err != nil {
		_ = reg.Close(dup)
		return 0, err
	}
	return reg.Make(&Sock{reg: reg, underID: dup, under: msg}), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

// Send compresses data into a single LZ4 frame carrying its uncompressed
// size in the frame header, and transmits the frame as one message,
// matching lz4_msend.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	plaintext := iovec.Flatten(data)
	var frame bytes.Buffer
	w := lz4.NewWriter(&frame)
	w.Header = lz4.Header{Size: uint64(len(plaintext))}
	if _, err := w.Write(plaintext); err != nil {
		s.state.Out.SetErr()
		return handle.New(handle.CodeProtocol, "lz4: compress: "+err.Error())
	}
	if err := w.Close(); err != nil {
		s.state.Out.SetErr()
		return handle.New(handle.CodeProtocol, "lz4: compress: "+err.Error())
	}
	if err := s.under.Send(ctx, iovec.Of(frame.Bytes()), deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		s.state.Out.SetErr()
		return err
	}
	return nil
}

// Recv reads one LZ4 frame sized to dst's capacity plus compression
// overhead, inspects the frame header's declared content size before
// decompressing, then decompresses into dst. Matches lz4_mrecv's
// LZ4F_getFrameInfo-then-validate sequence: a declared content size of
// zero (the required field never set) is rejected as ErrConnReset, and a
// declared size exceeding dst's capacity is rejected as ErrMessageTooBig
// without decompressing the rest of the frame.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	cap := iovec.Size(dst)
	wire := make([]byte, compressedBound(cap))
	n, err := s.under.Recv(ctx, iovec.Of(wire), deadline)
	if err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled || err == handle.ErrMessageTooBig {
			return 0, err
		}
		if err == handle.ErrBrokenPipe {
			s.state.In.SetDone()
			return 0, err
		}
		s.state.In.SetErr()
		return 0, err
	}
	r := lz4.NewReader(bytes.NewReader(wire[:n]))

	// The frame header is only populated once the first Read has parsed
	// it, so pull one byte ahead to learn the declared content size
	// before committing to decompressing the rest.
	head := make([]byte, 1)
	hn, herr := r.Read(head)
	if herr != nil && herr != io.EOF {
		s.state.In.SetErr()
		return 0, handle.New(handle.CodeProtocol, "lz4: decompress: "+herr.Error())
	}
	if r.Header.Size == 0 {
		s.state.In.SetErr()
		return 0, handle.ErrConnReset
	}
	if r.Header.Size > uint64(cap) {
		s.state.In.SetErr()
		return 0, handle.ErrMessageTooBig
	}

	var out bytes.Buffer
	out.Write(head[:hn])
	if herr != io.EOF {
		if _, err := io.Copy(&out, io.LimitReader(r, int64(cap)+1-int64(hn))); err != nil {
			s.state.In.SetErr()
			return 0, handle.New(handle.CodeProtocol, "lz4: decompress: "+err.Error())
		}
	}
	if written := int64(out.Len()); written > int64(cap) {
		s.state.In.SetErr()
		return 0, handle.ErrMessageTooBig
	}
	return iovec.CopyAllTo(dst, out.Bytes()), nil
}

// Done is not supported: LZ4 framing has no notion of half-close distinct
// from the underlying message transport's.
func (s *Sock) Done() error { return handle.ErrNotSupported }

// Stop hands back the underlying handle, matching lz4_stop.
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
	s.detached.Store(true)
	return s.underID, nil
}

// Close releases the underlying handle recursively, unless Stop already
// transferred ownership of it back to the caller.
func (s *Sock) Close() error {
	if s.detached.Load() {
		return nil
	}
	return s.reg.Close(s.underID)
}
