// Package netshim is the portable (non-Linux) fallback rendering of the FD
// adapter's Send/Recv contract atop a stdlib net.Conn, used by
// transport/tcp and transport/unixsock on platforms where fdconn's
// x/sys/unix-based implementation is unavailable, and by unixsock.Pair on
// every platform.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on transport/tcp/listener.go, which already uses the plain net
// package for accept/connect (raw transports are explicitly thin
// collaborators per spec §1); gather sends use net.Buffers, the stdlib's
// own scatter-gather primitive (writev under the hood for *net.TCPConn /
// *net.UnixConn), so no data is copied on the send path either.
package netshim

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// Conn adapts a net.Conn to the Send/Recv/Close shape fdconn.FD exposes.
type Conn struct {
	net.Conn
}

// New wraps an established net.Conn.
func New(c net.Conn) *Conn { return &Conn{Conn: c} }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return handle.ErrBrokenPipe
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return handle.ErrTimedOut
	}
	if errors.Is(err, net.ErrClosed) {
		return handle.ErrCanceled
	}
	return handle.New(handle.CodeConnReset, "netshim: "+err.Error())
}

// Send writes every buffer in data using net.Buffers' gather-write.
func (c *Conn) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return handle.ErrCanceled
	}
	if !deadline.IsZero() {
		_ = c.Conn.SetWriteDeadline(deadline)
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	bufs := make(net.Buffers, len(data))
	for i, b := range data {
		bufs[i] = b
	}
	_, err := bufs.WriteTo(c.Conn)
	return classify(err)
}

// Recv fills dst completely, reading entry by entry.
func (c *Conn) Recv(ctx context.Context, dst iovec.List, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return handle.ErrCanceled
	}
	if !deadline.IsZero() {
		_ = c.Conn.SetReadDeadline(deadline)
		defer c.Conn.SetReadDeadline(time.Time{})
	}
	for _, buf := range dst {
		if _, err := io.ReadFull(c.Conn, buf); err != nil {
			return classify(err)
		}
	}
	return nil
}

// RecvSome performs a single best-effort read, returning as soon as any
// bytes arrive (short reads allowed), the Conn half of handle.PartialReader.
func (c *Conn) RecvSome(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, handle.ErrCanceled
	}
	if !deadline.IsZero() {
		_ = c.Conn.SetReadDeadline(deadline)
		defer c.Conn.SetReadDeadline(time.Time{})
	}
	n, err := c.Conn.Read(dst)
	if n > 0 {
		return n, nil
	}
	return 0, classify(err)
}

// Listener wraps a net.Listener for the portable accept path.
type Listener struct {
	net.Listener
}

func NewListener(ln net.Listener) *Listener { return &Listener{Listener: ln} }

// Accept accepts one connection honoring ctx and deadline via SetDeadline
// where the listener supports it (TCPListener/UnixListener both do).
func (l *Listener) Accept(ctx context.Context, deadline time.Time) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, handle.ErrCanceled
	}
	type dl interface{ SetDeadline(time.Time) error }
	if d, ok := l.Listener.(dl); ok && !deadline.IsZero() {
		_ = d.SetDeadline(deadline)
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}
