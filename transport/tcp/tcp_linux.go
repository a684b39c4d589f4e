//go:build linux
// +build linux

// File: transport/tcp/tcp_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux backend: address resolution via net (thin collaborator, spec §1),
// actual connect/accept/send/recv via fdconn (core, spec §4.15).

package tcp

import (
	"context"
	"net"
	"time"

	"github.com/momentics/hioload-dsock/fdconn"
	"github.com/momentics/hioload-dsock/handle"
	"golang.org/x/sys/unix"
)

func sockaddrOf(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

// Dial connects to address (host:port) and returns a registered handle.ID
// exposing the Bytestream capability.
func Dial(ctx context.Context, address string, deadline time.Time) (handle.ID, error) {
	raddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return 0, handle.New(handle.CodeInvalidArgument, "tcp: resolve: "+err.Error())
	}
	sa, domain := sockaddrOf(raddr)
	fd, err := fdconn.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, err
	}
	if err := fd.SetTCPNoDelay(1); err != nil {
		fd.Close()
		return 0, handle.New(handle.CodeInvalidArgument, "tcp: nodelay: "+err.Error())
	}
	if err := fd.Connect(ctx, sa, deadline); err != nil {
		fd.Close()
		return 0, err
	}
	return handle.Default.Make(wrap(fd)), nil
}

type linuxListener struct{ fd *fdconn.FD }

func (l *linuxListener) Accept(ctx context.Context, deadline time.Time) (rawConn, error) {
	nfd, _, err := l.fd.Accept(ctx, deadline)
	if err != nil {
		return nil, err
	}
	_ = nfd.SetTCPNoDelay(1)
	return nfd, nil
}

func (l *linuxListener) Close() error { return l.fd.Close() }

// Listen binds address and returns a Listener exposing Accept.
func Listen(address string) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, handle.New(handle.CodeInvalidArgument, "tcp: resolve: "+err.Error())
	}
	sa, domain := sockaddrOf(laddr)
	fd, err := fdconn.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := fd.Bind(sa); err != nil {
		fd.Close()
		return nil, err
	}
	if err := fd.Listen(128); err != nil {
		fd.Close()
		return nil, err
	}
	return &Listener{raw: &linuxListener{fd: fd}}, nil
}
