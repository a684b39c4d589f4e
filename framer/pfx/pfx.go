// Package pfx is the length-prefixed message framer (spec §4.3): an
// 8-byte big-endian length prefix ahead of every message, with
// 0xFFFFFFFFFFFFFFFF reserved as a graceful-termination sentinel.
// Grounded on original_source/pfx.c (pfx_start/pfx_msendv/pfx_mrecvv/
// pfx_done/pfx_stop) and the hayabusa-cloud-framer length-prefix wire
// idiom, adapted from framer.go's variable-length header to the
// spec's fixed 8-byte header.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package pfx

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// terminator is the sentinel length value signaling graceful shutdown,
// matching original_source/pfx.c's 0xffffffffffffffff.
const terminator uint64 = 0xFFFFFFFFFFFFFFFF

// Sock is a handle.Object + handle.Message layered atop a handle.Bytestream,
// framing each message with an 8-byte big-endian length prefix.
type Sock struct {
	reg      *handle.Registry
	underID  handle.ID
	under    handle.Bytestream
	state    handle.DuplexState
	detached atomic.Bool
}

// Sock's Done/Stop take an explicit deadline (the termination message is a
// send like any other) so it does not implement handle.Doner, whose
// parameterless Done() error fits the plain transports in transport/*
// instead; callers that hold a *Sock call Done directly.
var (
	_ handle.Object  = (*Sock)(nil)
	_ handle.Message = (*Sock)(nil)
)

func underlyingBytestream(reg *handle.Registry, id handle.ID) (handle.Bytestream, error) {
	iface, ok := reg.Query(id, handle.TagBytestream)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	bs, ok := iface.(handle.Bytestream)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	return bs, nil
}

// Start adopts underlying (a bytestream handle), registering a new framer
// handle and surrendering the caller's reference to underlying on success
// (move-on-attach, spec §3 Lifecycle).
func Start(reg *handle.Registry, underlying handle.ID) (handle.ID, error) {
	if _, err := underlyingBytestream(reg, underlying); err != nil {
		return 0, err
	}
	dup, err := handle.Attach(reg, underlying)
	if err != nil {
		return 0, err
	}
	bs, err := underlyingBytestream(reg, dup)
	if err != nil {
		_ = reg.Close(dup)
		return 0, err
	}
	return reg.Make(&Sock{reg: reg, underID: dup, under: bs}), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

// Send prepends the 8-byte length header to data and sends both in one
// gather-list write, matching pfx_msendv's single bsendv call.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(iovec.Size(data)))
	framed := make(iovec.List, 0, len(data)+1)
	framed = append(framed, hdr[:])
	framed = append(framed, data...)
	if err := s.under.Send(ctx, framed, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		s.state.Out.SetErr()
		return err
	}
	return nil
}

// Recv reads the 8-byte length header, validates it against the
// terminator sentinel and dst's capacity, then reads exactly that many
// bytes into dst, matching pfx_mrecvv.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	var hdr [8]byte
	if err := s.under.Recv(ctx, iovec.Of(hdr[:]), deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return 0, err
		}
		s.state.In.SetErr()
		return 0, err
	}
	sz := binary.BigEndian.Uint64(hdr[:])
	if sz == terminator {
		s.state.In.SetDone()
		return 0, handle.ErrBrokenPipe
	}
	if sz > uint64(iovec.Size(dst)) {
		s.state.In.SetErr()
		return 0, handle.ErrMessageTooBig
	}
	payload := iovec.Cut(dst, 0, int(sz))
	if err := s.under.Recv(ctx, payload, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return 0, err
		}
		s.state.In.SetErr()
		return 0, err
	}
	return int(sz), nil
}

// Done sends the termination message and latches the outbound direction
// as done, matching pfx_done.
func (s *Sock) Done(deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], terminator)
	if err := s.under.Send(context.Background(), iovec.Of(hdr[:]), deadline); err != nil {
		s.state.Out.SetErr()
		return err
	}
	s.state.Out.SetDone()
	return nil
}

// Stop sends the termination message (if not already sent) and drains
// inbound messages until the peer's own terminator is observed, then hands
// back the framer's own reference to the underlying handle, matching pfx_stop's
// "stop returns the unwrapped underlying handle" contract. The framer no
// longer owns underID afterwards; a later Close on the framer's own id will
// not touch it.
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
	if !s.state.Out.IsDone() {
		if err := s.Done(deadline); err != nil && !s.state.Out.IsDone() {
			return 0, err
		}
	}
	scratch := make([]byte, 4096)
	for {
		_, err := s.Recv(context.Background(), iovec.Of(scratch), deadline)
		if err == handle.ErrBrokenPipe {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	// Sock already holds the one reference Attach gave it; hand that
	// reference to the caller rather than minting a new one, so no ref is
	// leaked when the framer's own handle is later closed.
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
