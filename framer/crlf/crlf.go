// Package crlf is the CRLF-delimited message framer (spec §4.4): messages
// are arbitrary non-empty octet sequences free of an embedded "\r\n",
// framed on the wire by appending "\r\n"; an empty line is the
// terminator. Grounded on original_source/crlf.c (crlf_msendv/
// crlf_mrecvv/crlf_hdone/crlf_stop), with recv upgraded from the
// original's one-byte-per-syscall loop to reading through the shared
// rbuf.Buffer (spec §4.12), matching spec §4.4's explicit "via the shared
// receive buffer" design.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package crlf

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/rbuf"
)

// Sock is a handle.Object + handle.Message layered atop a handle.Bytestream,
// framing each message by appending "\r\n".
type Sock struct {
	reg      *handle.Registry
	underID  handle.ID
	under    handle.Bytestream
	partial  handle.PartialReader
	buf      *rbuf.Buffer
	state    handle.DuplexState
	detached atomic.Bool
}

// Sock's Done/Stop take an explicit deadline, so it does not implement
// handle.Doner (see framer/pfx's Sock for the same note); callers that hold
// a *Sock call Done directly.
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

// Start adopts underlying (a bytestream handle), caching its
// handle.PartialReader capability if present (the framer's hot-path
// cached-interface-pointer idiom, mirroring crlf_start's obj->uvfs).
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
	pr, _ := bs.(handle.PartialReader)
	return reg.Make(&Sock{reg: reg, underID: dup, under: bs, partial: pr, buf: rbuf.New()}), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

// readByte returns the next byte from the shared receive buffer, refilling
// it (best-effort, short reads allowed) from the underlying connection
// when empty. Falls back to a single-byte Bytestream.Recv when the
// underlying connection does not expose handle.PartialReader.
func (s *Sock) readByte(ctx context.Context, deadline time.Time) (byte, error) {
	if s.partial == nil {
		var one [1]byte
		if err := s.under.Recv(ctx, iovec.Of(one[:]), deadline); err != nil {
			return 0, err
		}
		return one[0], nil
	}
	for {
		if b, ok := s.buf.ConsumeByte(); ok {
			return b, nil
		}
		read := func(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
			return s.partial.RecvSome(ctx, dst, deadline)
		}
		if err := s.buf.Refill(ctx, read, deadline); err != nil {
			return 0, err
		}
	}
}

// Send appends "\r\n" to data and writes both in one gather-list write,
// rejecting messages that embed "\r\n" or are empty (spec §4.4), matching
// crlf_msendv.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	sz := iovec.Size(data)
	if sz == 0 {
		s.state.Out.SetErr()
		return handle.ErrInvalidArgument
	}
	var prev byte
	for _, buf := range data {
		for _, c := range buf {
			if prev == '\r' && c == '\n' {
				s.state.Out.SetErr()
				return handle.ErrInvalidArgument
			}
			prev = c
		}
	}
	framed := make(iovec.List, 0, len(data)+1)
	framed = append(framed, data...)
	framed = append(framed, []byte("\r\n"))
	if err := s.under.Send(ctx, framed, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		s.state.Out.SetErr()
		return err
	}
	return nil
}

// Recv reads one byte at a time (through the shared receive buffer) until
// "\r\n" is observed, writing payload bytes into dst as they arrive. An
// empty line (no payload bytes before "\r\n") marks the inbound direction
// done, matching crlf_mrecvv.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	var payload bytes.Buffer
	var prev byte
	for {
		c, err := s.readByte(ctx, deadline)
		if err != nil {
			if err == handle.ErrTimedOut || err == handle.ErrCanceled {
				return 0, err
			}
			s.state.In.SetErr()
			return 0, err
		}
		if prev == '\r' && c == '\n' {
			break
		}
		payload.WriteByte(c)
		prev = c
	}
	if payload.Len() == 0 {
		s.state.In.SetDone()
		return 0, handle.ErrBrokenPipe
	}
	if payload.Len() > iovec.Size(dst) {
		s.state.In.SetErr()
		return 0, handle.ErrMessageTooBig
	}
	n := iovec.CopyAllTo(dst, payload.Bytes())
	return n, nil
}

// Done sends the termination line ("\r\n" with no payload), matching
// crlf_hdone.
func (s *Sock) Done(deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	if err := s.under.Send(context.Background(), iovec.Of([]byte("\r\n")), deadline); err != nil {
		s.state.Out.SetErr()
		return err
	}
	s.state.Out.SetDone()
	return nil
}

// Stop sends the termination line if not already sent, drains inbound
// messages until the peer's terminator is observed, then hands back the
// underlying handle, matching crlf_stop.
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
	if s.state.Out.IsErr() || s.state.In.IsErr() {
		return 0, handle.ErrConnReset
	}
	if !s.state.Out.IsDone() {
		if err := s.Done(deadline); err != nil {
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
