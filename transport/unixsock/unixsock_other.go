//go:build !linux
// +build !linux

// File: transport/unixsock/unixsock_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable backend for platforms without the x/sys/unix-based fdconn
// implementation: connect/accept via net, send/recv via netshim.

package unixsock

import (
	"context"
	"net"
	"os"
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

// Dial connects to the Unix-domain socket at path.
func Dial(ctx context.Context, path string, deadline time.Time) (handle.ID, error) {
	d := net.Dialer{}
	if !deadline.IsZero() {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return 0, handle.New(handle.CodeConnReset, "unixsock: dial: "+err.Error())
	}
	return handle.Default.Make(wrap(&netConn{netshim.New(conn)})), nil
}

type otherListener struct {
	ln   *netshim.Listener
	path string
}

func (l *otherListener) Accept(ctx context.Context, deadline time.Time) (rawConn, error) {
	conn, err := l.ln.Accept(ctx, deadline)
	if err != nil {
		return nil, err
	}
	return &netConn{netshim.New(conn)}, nil
}

func (l *otherListener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// Listen binds a Unix-domain socket at path and returns a Listener.
func Listen(path string) (*Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, handle.New(handle.CodeInvalidArgument, "unixsock: listen: "+err.Error())
	}
	return &Listener{raw: &otherListener{ln: netshim.NewListener(ln), path: path}}, nil
}
