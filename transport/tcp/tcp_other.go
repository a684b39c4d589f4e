//go:build !linux
// +build !linux

// File: transport/tcp/tcp_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable backend for platforms without the x/sys/unix-based fdconn
// implementation: connect/accept via net, send/recv via netshim.

package tcp

import (
	"context"
	"net"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/transport/netshim"
)

type netConn struct{ *netshim.Conn }

func (c *netConn) CloseWrite() error {
	if cw, ok := c.Conn.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return handle.ErrNotSupported
}

// Dial connects to address (host:port).
func Dial(ctx context.Context, address string, deadline time.Time) (handle.ID, error) {
	d := net.Dialer{}
	if !deadline.IsZero() {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, handle.New(handle.CodeConnReset, "tcp: dial: "+err.Error())
	}
	_ = conn.(*net.TCPConn).SetNoDelay(true)
	return handle.Default.Make(wrap(&netConn{netshim.New(conn)})), nil
}

type otherListener struct{ ln *netshim.Listener }

func (l *otherListener) Accept(ctx context.Context, deadline time.Time) (rawConn, error) {
	conn, err := l.ln.Accept(ctx, deadline)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &netConn{netshim.New(conn)}, nil
}

func (l *otherListener) Close() error { return l.ln.Close() }

// Listen binds address and returns a Listener exposing Accept.
func Listen(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, handle.New(handle.CodeInvalidArgument, "tcp: listen: "+err.Error())
	}
	return &Listener{raw: &otherListener{ln: netshim.NewListener(ln)}}, nil
}
