// Package ws is the WebSocket message framer (spec §4.5): the RFC 6455
// binary-frame subset needed for message exchange plus control-frame
// servicing (ping/pong/close). Grounded on
// momentics-hioload-ws/core/protocol/frame_codec.go's header bit layout
// (DecodeFrameFromBytes/EncodeFrameToBytes) and constants.go's opcode
// table, generalized from a single-frame decode/encode pair into the
// fragmentation-aware, role-masked state machine spec §4.5 requires.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package ws

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// Opcodes recognized on receive, per spec §4.5.
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// maskChunk bounds the staging buffer used to XOR an outgoing payload
// against the 4-byte mask key, avoiding one large allocation for big
// messages (spec §4.5 "2 KiB staging buffer").
const maskChunk = 2048

// maxControlPayload is RFC 6455's control-frame payload ceiling.
const maxControlPayload = 125

// Role selects which side of the connection this Sock plays: it governs
// which direction masks frames and which direction is expected to.
type Role int

const (
	// RoleClient sends masked frames and expects unmasked frames from the
	// peer.
	RoleClient Role = iota
	// RoleServer sends unmasked frames and expects masked frames from the
	// peer.
	RoleServer
)

// Sock is a handle.Object + handle.Message layered atop a handle.Bytestream,
// implementing the WebSocket binary-frame subset.
type Sock struct {
	reg       *handle.Registry
	underID   handle.ID
	under     handle.Bytestream
	role      Role
	state     handle.DuplexState
	detached  atomic.Bool
	closeSent atomic.Bool
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

// Start adopts underlying (a bytestream handle, normally already past the
// HTTP Upgrade handshake -- that handshake is a thin collaborator per spec
// §1 and lives outside this package) as the given role.
func Start(reg *handle.Registry, underlying handle.ID, role Role) (handle.ID, error) {
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
	return reg.Make(&Sock{reg: reg, underID: dup, under: bs, role: role}), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

func buildHeader(opcode byte, fin bool, payloadLen int, masked bool) []byte {
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	var b1 byte
	if masked {
		b1 |= 0x80
	}
	switch {
	case payloadLen <= 125:
		return []byte{b0, b1 | byte(payloadLen)}
	case payloadLen <= 0xFFFF:
		hdr := make([]byte, 4)
		hdr[0], hdr[1] = b0, b1|126
		binary.BigEndian.PutUint16(hdr[2:], uint16(payloadLen))
		return hdr
	default:
		hdr := make([]byte, 10)
		hdr[0], hdr[1] = b0, b1|127
		binary.BigEndian.PutUint64(hdr[2:], uint64(payloadLen))
		return hdr
	}
}

// maskInChunks copies data, XORing each byte against key (rotating every 4
// bytes per RFC 6455), into a list of <=maskChunk-sized owned buffers.
func maskInChunks(data iovec.List, key [4]byte) iovec.List {
	total := iovec.Size(data)
	out := make(iovec.List, 0, total/maskChunk+2)
	var staging []byte
	idx := 0
	flush := func() {
		if len(staging) > 0 {
			out = append(out, staging)
			staging = nil
		}
	}
	for _, buf := range data {
		for _, c := range buf {
			if staging == nil {
				staging = make([]byte, 0, maskChunk)
			}
			staging = append(staging, c^key[idx%4])
			idx++
			if len(staging) == maskChunk {
				flush()
			}
		}
	}
	flush()
	return out
}

// unmaskInPlace XORs list's bytes against key in place, the zero-copy
// receive-side counterpart of maskInChunks.
func unmaskInPlace(list iovec.List, key [4]byte) {
	idx := 0
	for _, buf := range list {
		for i := range buf {
			buf[i] ^= key[idx%4]
			idx++
		}
	}
}

func (s *Sock) isClient() bool { return s.role == RoleClient }

// sendFrame writes one complete frame (header, optional mask key, payload)
// in a single gather-list Send call.
func (s *Sock) sendFrame(ctx context.Context, opcode byte, payload iovec.List, deadline time.Time) error {
	masked := s.isClient()
	hdr := buildHeader(opcode, true, iovec.Size(payload), masked)
	framed := make(iovec.List, 0, len(payload)+2)
	framed = append(framed, hdr)
	if masked {
		var key [4]byte
		_, _ = rand.Read(key[:])
		framed = append(framed, key[:])
		framed = append(framed, maskInChunks(payload, key)...)
	} else {
		framed = append(framed, payload...)
	}
	return s.under.Send(ctx, framed, deadline)
}

// Send writes data as a single FIN binary frame.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	if err := s.sendFrame(ctx, opBinary, data, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		s.state.Out.SetErr()
		return err
	}
	return nil
}

func (s *Sock) sendClose(ctx context.Context, deadline time.Time) error {
	if s.closeSent.Swap(true) {
		return nil
	}
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], 1000) // normal closure, RFC 6455 §5.5.1
	return s.sendFrame(ctx, opClose, iovec.Of(code[:]), deadline)
}

func (s *Sock) readHeader(ctx context.Context, deadline time.Time) (fin bool, opcode byte, masked bool, payloadLen int64, key [4]byte, err error) {
	var h2 [2]byte
	if err = s.under.Recv(ctx, iovec.Of(h2[:]), deadline); err != nil {
		return
	}
	fin = h2[0]&0x80 != 0
	rsv := h2[0] & 0x70
	opcode = h2[0] & 0x0F
	masked = h2[1]&0x80 != 0
	payloadLen = int64(h2[1] & 0x7F)
	if rsv != 0 {
		err = handle.ErrProtocol
		return
	}
	switch payloadLen {
	case 126:
		var ext [2]byte
		if err = s.under.Recv(ctx, iovec.Of(ext[:]), deadline); err != nil {
			return
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if err = s.under.Recv(ctx, iovec.Of(ext[:]), deadline); err != nil {
			return
		}
		payloadLen = int64(binary.BigEndian.Uint64(ext[:]))
	}
	expectMasked := s.role == RoleServer
	if masked != expectMasked {
		err = handle.ErrProtocol
		return
	}
	if masked {
		var k [4]byte
		if err = s.under.Recv(ctx, iovec.Of(k[:]), deadline); err != nil {
			return
		}
		key = k
	}
	return
}

func (s *Sock) drainControlPayload(ctx context.Context, n int64, deadline time.Time) ([]byte, error) {
	if n > maxControlPayload {
		return nil, handle.ErrProtocol
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := s.under.Recv(ctx, iovec.Of(buf), deadline); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Recv reassembles a possibly-fragmented data message into dst, servicing
// control frames inline: ping is answered with pong, pong is consumed and
// ignored, close triggers the RFC 6455 §5.5.1 closing handshake and marks
// the inbound direction done.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	written := 0
	for {
		fin, opcode, masked, plen, key, err := s.readHeader(ctx, deadline)
		if err != nil {
			if err == handle.ErrTimedOut || err == handle.ErrCanceled {
				return written, err
			}
			s.state.In.SetErr()
			return written, err
		}
		switch opcode {
		case opClose:
			if _, err := s.drainControlPayload(ctx, plen, deadline); err != nil {
				s.state.In.SetErr()
				return written, err
			}
			_ = s.sendClose(context.Background(), deadline)
			s.state.In.SetDone()
			return written, handle.ErrBrokenPipe
		case opPing:
			payload, err := s.drainControlPayload(ctx, plen, deadline)
			if err != nil {
				s.state.In.SetErr()
				return written, err
			}
			if err := s.sendFrame(ctx, opPong, iovec.Of(payload), deadline); err != nil {
				s.state.In.SetErr()
				return written, err
			}
			continue
		case opPong:
			if _, err := s.drainControlPayload(ctx, plen, deadline); err != nil {
				s.state.In.SetErr()
				return written, err
			}
			continue
		case opContinuation, opText, opBinary:
			if plen > 0 {
				if written+int(plen) > iovec.Size(dst) {
					s.state.In.SetErr()
					return written, handle.ErrMessageTooBig
				}
				sub := iovec.Cut(dst, written, int(plen))
				if err := s.under.Recv(ctx, sub, deadline); err != nil {
					if err == handle.ErrTimedOut || err == handle.ErrCanceled {
						return written, err
					}
					s.state.In.SetErr()
					return written, err
				}
				if masked {
					unmaskInPlace(sub, key)
				}
				written += int(plen)
			}
			if fin {
				return written, nil
			}
		default:
			s.state.In.SetErr()
			return written, handle.ErrProtocol
		}
	}
}

// Done initiates the RFC 6455 §5.5.1 closing handshake by sending a close
// frame and latching the outbound direction done.
func (s *Sock) Done(deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	if err := s.sendClose(context.Background(), deadline); err != nil {
		s.state.Out.SetErr()
		return err
	}
	s.state.Out.SetDone()
	return nil
}

// Stop sends the closing frame if not already sent, drains inbound frames
// until the peer's close frame is observed, then hands back the
// underlying handle.
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
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
