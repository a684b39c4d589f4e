// Package unixsock is the Unix-domain raw transport (spec §4.14): a
// bytestream handle over a Unix-domain stream socket, sharing the FD
// adapter with transport/tcp.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package unixsock

import (
	"context"
	"net"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/netshim"
)

type rawConn interface {
	Send(ctx context.Context, data iovec.List, deadline time.Time) error
	Recv(ctx context.Context, dst iovec.List, deadline time.Time) error
	Close() error
}

type halfCloser interface {
	CloseWrite() error
}

// Conn is a handle.Object + handle.Bytestream over a Unix-domain socket.
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

func (c *Conn) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagBytestream {
		return c, true
	}
	return nil, false
}

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

func (c *Conn) Done() error {
	if hc, ok := c.raw.(halfCloser); ok {
		c.state.Out.SetDone()
		return hc.CloseWrite()
	}
	return handle.ErrNotSupported
}

func (c *Conn) Close() error { return c.raw.Close() }

type rawListener interface {
	Accept(ctx context.Context, deadline time.Time) (rawConn, error)
	Close() error
}

// Listener exposes only Accept.
type Listener struct{ raw rawListener }

var _ handle.Listener = (*Listener)(nil)

func (l *Listener) Accept(ctx context.Context, deadline time.Time) (handle.ID, error) {
	raw, err := l.raw.Accept(ctx, deadline)
	if err != nil {
		return 0, err
	}
	return handle.Default.Make(wrap(raw)), nil
}

func (l *Listener) Close() error { return l.raw.Close() }

func (l *Listener) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagListener {
		return l, true
	}
	return nil, false
}

// Pair returns two connected handle.IDs, each exposing Bytestream, backed
// by an in-memory net.Pipe. This is the portable realization of spec §8
// scenario 1's "Build unix-pair": a synchronous, full-duplex, connected
// pair usable in tests on every platform without a real filesystem socket.
func Pair() (a, b handle.ID) {
	ca, cb := net.Pipe()
	a = handle.Default.Make(wrap(netshim.New(ca)))
	b = handle.Default.Make(wrap(netshim.New(cb)))
	return a, b
}
