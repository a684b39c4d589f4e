//go:build linux
// +build linux

// File: transport/unixsock/unixsock_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package unixsock

import (
	"context"
	"os"
	"time"

	"github.com/momentics/hioload-dsock/fdconn"
	"github.com/momentics/hioload-dsock/handle"
	"golang.org/x/sys/unix"
)

// Dial connects to the Unix-domain socket at path.
func Dial(ctx context.Context, path string, deadline time.Time) (handle.ID, error) {
	fd, err := fdconn.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := fd.Connect(ctx, sa, deadline); err != nil {
		fd.Close()
		return 0, err
	}
	return handle.Default.Make(wrap(fd)), nil
}

type linuxListener struct {
	fd   *fdconn.FD
	path string
}

func (l *linuxListener) Accept(ctx context.Context, deadline time.Time) (rawConn, error) {
	nfd, _, err := l.fd.Accept(ctx, deadline)
	if err != nil {
		return nil, err
	}
	return nfd, nil
}

func (l *linuxListener) Close() error {
	err := l.fd.Close()
	_ = os.Remove(l.path)
	return err
}

// Listen binds a Unix-domain socket at path and returns a Listener.
func Listen(path string) (*Listener, error) {
	fd, err := fdconn.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := fd.Bind(sa); err != nil {
		fd.Close()
		return nil, err
	}
	if err := fd.Listen(128); err != nil {
		fd.Close()
		return nil, err
	}
	return &Listener{raw: &linuxListener{fd: fd, path: path}}, nil
}
