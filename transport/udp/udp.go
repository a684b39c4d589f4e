// Package udp is the UDP raw transport (spec §4.14): a message handle over
// a datagram socket. UDP produces a message surface, not a bytestream one
// — each send is one outgoing packet, each recv returns exactly one
// incoming packet, grounded on original_source/udp.c's udpsend/udprecv.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package udp

import (
	"context"
	"net"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// maxDatagram bounds the scratch buffer used for a single recv; UDP
// datagrams on IPv4/IPv6 networks never exceed this in practice.
const maxDatagram = 65536

// Sock is a handle.Object + handle.Message over a UDP socket. It may be
// "connected" (remote fixed at construction, matching original_source's
// hasremote/remote) or unconnected (remote supplied out-of-band is not
// part of the message contract; see spec §4.14 note).
type Sock struct {
	conn  *net.UDPConn
	state handle.DuplexState
}

var (
	_ handle.Object  = (*Sock)(nil)
	_ handle.Message = (*Sock)(nil)
	_ handle.Doner   = (*Sock)(nil)
)

func wrap(conn *net.UDPConn) *Sock { return &Sock{conn: conn} }

// Dial creates a connected UDP socket: every Send targets addr, every
// Recv only admits datagrams from addr (kernel-enforced on connected UDP).
func Dial(ctx context.Context, address string) (handle.ID, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return 0, handle.New(handle.CodeInvalidArgument, "udp: resolve: "+err.Error())
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return 0, handle.New(handle.CodeConnReset, "udp: dial: "+err.Error())
	}
	return handle.Default.Make(wrap(conn)), nil
}

// Listen creates an unconnected UDP socket bound to address, able to
// exchange datagrams with any peer.
func Listen(address string) (handle.ID, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return 0, handle.New(handle.CodeInvalidArgument, "udp: resolve: "+err.Error())
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return 0, handle.New(handle.CodeInvalidArgument, "udp: listen: "+err.Error())
	}
	return handle.Default.Make(wrap(conn)), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

// Send transmits data as a single datagram. A write that misses the
// deadline returns ErrTimedOut; any other write error latches the outbound
// direction and returns a connection-reset error. A full send buffer is not
// treated as a drop: the write waits for room until the deadline.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	if !deadline.IsZero() {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	buf := iovec.Flatten(data)
	_, err := s.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return handle.ErrTimedOut
		}
		s.state.Out.SetErr()
		return handle.New(handle.CodeConnReset, "udp: send: "+err.Error())
	}
	return nil
}

// Recv reads exactly one datagram into dst, returning the number of bytes
// written. The datagram is read whole into a maxDatagram-sized scratch
// buffer; if it is larger than dst's total capacity it is dropped and
// ErrMessageTooBig is returned, matching the PFX/inproc "message too big"
// contract used throughout the framing layer.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	if !deadline.IsZero() {
		_ = s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	scratch := make([]byte, maxDatagram)
	n, err := s.conn.Read(scratch)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, handle.ErrTimedOut
		}
		s.state.In.SetErr()
		return 0, handle.New(handle.CodeConnReset, "udp: recv: "+err.Error())
	}
	cap := iovec.Size(dst)
	if n > cap {
		return 0, handle.ErrMessageTooBig
	}
	return iovec.CopyAllTo(dst, scratch[:n]), nil
}

func (s *Sock) Done() error { return handle.ErrNotSupported }

func (s *Sock) Close() error { return s.conn.Close() }
