// Package tcp is the TCP raw transport (spec §4.14): a bytestream handle
// over a kernel TCP socket. Platform-specific files supply the actual
// connect/accept/send/recv mechanism (fdconn on Linux, net.Conn elsewhere);
// this file holds the portable handle.Object wiring shared by both.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on transport/tcp/listener.go (address handling, accept loop
// shape) generalized from a fixed WebSocket-upgrade handler to a generic
// handle.Bytestream.
package tcp

import (
	"context"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// rawConn is the minimal non-blocking I/O surface either platform backend
// provides; it matches fdconn.FD's Send/Recv/Close signatures exactly.
type rawConn interface {
	Send(ctx context.Context, data iovec.List, deadline time.Time) error
	Recv(ctx context.Context, dst iovec.List, deadline time.Time) error
	Close() error
}

// halfCloser is implemented by backends that can shut down the write side
// independently (TCP supports this at the kernel level).
type halfCloser interface {
	CloseWrite() error
}

// Conn is a handle.Object + handle.Bytestream wrapping one TCP connection.
type Conn struct {
	raw   rawConn
	state handle.DuplexState
}

var (
	_ handle.Object        = (*Conn)(nil)
	_ handle.Bytestream    = (*Conn)(nil)
	_ handle.Doner         = (*Conn)(nil)
	_ handle.PartialReader = (*Conn)(nil)
)

func wrap(raw rawConn) *Conn { return &Conn{raw: raw} }

// Query answers the Bytestream capability tag.
func (c *Conn) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagBytestream {
		return c, true
	}
	return nil, false
}

// Send transfers data, observing the sticky out-direction error/done flags.
func (c *Conn) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := c.state.Out.Err(); err != nil {
		return err
	}
	if err := c.raw.Send(ctx, data, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		c.state.Out.SetErr()
		return err
	}
	return nil
}

// Recv fills dst, observing the sticky in-direction error/done flags.
func (c *Conn) Recv(ctx context.Context, dst iovec.List, deadline time.Time) error {
	if err := c.state.In.Err(); err != nil {
		return err
	}
	if err := c.raw.Recv(ctx, dst, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		if err == handle.ErrBrokenPipe {
			c.state.In.SetDone()
			return err
		}
		c.state.In.SetErr()
		return err
	}
	return nil
}

// RecvSome forwards to the underlying connection's best-effort partial
// read, satisfying handle.PartialReader for framers (CRLF) that consume a
// shared receive buffer.
func (c *Conn) RecvSome(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
	pr, ok := c.raw.(handle.PartialReader)
	if !ok {
		return 0, handle.ErrNotSupported
	}
	return pr.RecvSome(ctx, dst, deadline)
}

// Done shuts down the write half of the TCP connection, if supported.
func (c *Conn) Done() error {
	if hc, ok := c.raw.(halfCloser); ok {
		c.state.Out.SetDone()
		return hc.CloseWrite()
	}
	return handle.ErrNotSupported
}

// Close tears down the connection unconditionally.
func (c *Conn) Close() error { return c.raw.Close() }

// Listener exposes only Accept, per spec's Listener capability.
type Listener struct {
	raw rawListener
}

type rawListener interface {
	Accept(ctx context.Context, deadline time.Time) (rawConn, error)
	Close() error
}

var _ handle.Listener = (*Listener)(nil)

// Accept accepts a new connection and registers it, returning its id.
func (l *Listener) Accept(ctx context.Context, deadline time.Time) (handle.ID, error) {
	raw, err := l.raw.Accept(ctx, deadline)
	if err != nil {
		return 0, err
	}
	return handle.Default.Make(wrap(raw)), nil
}

// Close shuts down the listening socket.
func (l *Listener) Close() error { return l.raw.Close() }

// Query answers the Listener capability tag.
func (l *Listener) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagListener {
		return l, true
	}
	return nil, false
}
