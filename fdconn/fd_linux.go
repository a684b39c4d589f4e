//go:build linux
// +build linux

// File: fdconn/fd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux FD adapter: non-blocking socket configuration plus scatter-gather
// send/recv via SendmsgBuffers/RecvmsgBuffers, grounded directly on
// internal/transport/transport_linux.go.

package fdconn

import (
	"context"
	"errors"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("fdconn: would block")

// NewFromRawFD wraps an already-created, already-connected (or about-to-
// connect) socket descriptor. It puts the descriptor into non-blocking
// mode. Ownership of fd transfers to the returned *FD on success.
func NewFromRawFD(fd int) (*FD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, handle.New(handle.CodeNoMemory, "fdconn: set nonblock: "+err.Error())
	}
	return &FD{raw: fd}, nil
}

// Socket creates a new non-blocking socket of the given domain/type/proto
// and configures SO_REUSEADDR. SIGPIPE is suppressed per call by Send's
// MSG_NOSIGNAL flag instead (EPIPE is returned, matching spec §7's
// "kernel pipe-closed as connection-reset").
func Socket(domain, typ, proto int) (*FD, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK, proto)
	if err != nil {
		return nil, handle.New(handle.CodeNoMemory, "fdconn: socket: "+err.Error())
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, handle.New(handle.CodeInvalidArgument, "fdconn: reuseaddr: "+err.Error())
	}
	return &FD{raw: fd}, nil
}

func pollTimeoutMs(deadline time.Time) int {
	if deadline.IsZero() {
		d := maxWaitSlice
		return int(d / time.Millisecond)
	}
	remain := time.Until(deadline)
	if remain <= 0 {
		return 0
	}
	if remain > maxWaitSlice {
		remain = maxWaitSlice
	}
	return int(remain / time.Millisecond)
}

func (f *FD) wait(events int16, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return handle.ErrTimedOut
	}
	pfd := []unix.PollFd{{Fd: int32(f.raw), Events: events}}
	for {
		n, err := unix.Poll(pfd, pollTimeoutMs(deadline))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return handle.New(handle.CodeConnReset, "fdconn: poll: "+err.Error())
		}
		if n == 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return handle.ErrTimedOut
			}
			// woke on our bounded slice without the caller's deadline
			// expiring yet; caller re-checks ctx in the retry loop.
			return nil
		}
		if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return handle.ErrConnReset
		}
		return nil
	}
}

func (f *FD) waitReadable(deadline time.Time) error { return f.wait(unix.POLLIN, deadline) }
func (f *FD) waitWritable(deadline time.Time) error { return f.wait(unix.POLLOUT, deadline) }

// Send transfers every byte in data to the peer, retrying on EAGAIN by
// waiting for writability, honoring ctx and deadline.
func (f *FD) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	write := func(chunk [][]byte) (int, error) {
		n, err := unix.SendmsgBuffers(f.raw, chunk, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, errWouldBlock
			}
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return 0, handle.ErrConnReset
			}
			return 0, handle.New(handle.CodeConnReset, "fdconn: send: "+err.Error())
		}
		return n, nil
	}
	return sendAll(write, f.waitWritable, ctx, data, deadline)
}

// Recv fills dst completely, retrying on EAGAIN by waiting for readability.
func (f *FD) Recv(ctx context.Context, dst iovec.List, deadline time.Time) error {
	read := func(chunk [][]byte) (int, error) {
		n, _, _, _, err := unix.RecvmsgBuffers(f.raw, chunk, nil, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, errWouldBlock
			}
			if err == unix.ECONNRESET {
				return 0, handle.ErrConnReset
			}
			return 0, handle.New(handle.CodeConnReset, "fdconn: recv: "+err.Error())
		}
		return n, nil
	}
	return recvAll(read, f.waitReadable, ctx, dst, deadline)
}

// RecvSome performs a single best-effort read, retrying only while EAGAIN
// indicates no data is ready yet, and returning as soon as any bytes
// arrive rather than looping to fill dst completely (the CRLF framer's
// shared receive buffer wants short reads, unlike Recv's all-or-nothing
// contract).
func (f *FD) RecvSome(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
	for {
		if _, err := deadlineOrCtx(ctx, deadline); err != nil {
			return 0, err
		}
		n, _, _, _, err := unix.RecvmsgBuffers(f.raw, [][]byte{dst}, nil, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if werr := f.waitReadable(deadline); werr != nil {
					return 0, werr
				}
				continue
			}
			if err == unix.ECONNRESET {
				return 0, handle.ErrConnReset
			}
			return 0, handle.New(handle.CodeConnReset, "fdconn: recv: "+err.Error())
		}
		return n, nil
	}
}

// Connect connects the socket to addr (a sockaddr already resolved by the
// calling transport package; name resolution stays out of core per spec
// §1), retrying on EINPROGRESS by waiting for writability then checking
// SO_ERROR.
func (f *FD) Connect(ctx context.Context, sa unix.Sockaddr, deadline time.Time) error {
	err := unix.Connect(f.raw, sa)
	if err != nil && err != unix.EINPROGRESS {
		return handle.New(handle.CodeConnReset, "fdconn: connect: "+err.Error())
	}
	if err == unix.EINPROGRESS {
		for {
			if _, err := deadlineOrCtx(ctx, deadline); err != nil {
				return err
			}
			if werr := f.waitWritable(deadline); werr != nil {
				return werr
			}
			soerr, gerr := unix.GetsockoptInt(f.raw, unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				return handle.New(handle.CodeConnReset, "fdconn: getsockopt: "+gerr.Error())
			}
			if soerr == 0 {
				return nil
			}
			if soerr == int(unix.EINPROGRESS) || soerr == int(unix.EALREADY) {
				continue
			}
			return handle.ErrConnReset
		}
	}
	return nil
}

// Accept accepts one connection, retrying on EAGAIN (wait readable) and on
// ECONNABORTED (spec §7: "retries on ECONNABORTED in accept"), returning a
// new non-blocking *FD owning the accepted descriptor.
func (f *FD) Accept(ctx context.Context, deadline time.Time) (*FD, unix.Sockaddr, error) {
	for {
		if _, err := deadlineOrCtx(ctx, deadline); err != nil {
			return nil, nil, err
		}
		nfd, sa, err := unix.Accept4(f.raw, unix.SOCK_NONBLOCK)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				if werr := f.waitReadable(deadline); werr != nil {
					return nil, nil, werr
				}
				continue
			case unix.ECONNABORTED:
				continue
			default:
				return nil, nil, handle.New(handle.CodeConnReset, "fdconn: accept: "+err.Error())
			}
		}
		return &FD{raw: nfd}, sa, nil
	}
}

// SetTCPNoDelay configures TCP_NODELAY, matching transport_linux.go.
func (f *FD) SetTCPNoDelay(on int) error {
	v := 0
	if on != 0 {
		v = 1
	}
	return unix.SetsockoptInt(f.raw, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// CloseWrite shuts down the write half only, leaving reads possible until
// the peer's own close is observed (spec §3 graceful half-close).
func (f *FD) CloseWrite() error {
	if err := unix.Shutdown(f.raw, unix.SHUT_WR); err != nil {
		return handle.New(handle.CodeInvalidArgument, "fdconn: shutdown: "+err.Error())
	}
	return nil
}

// Bind binds the socket to sa.
func (f *FD) Bind(sa unix.Sockaddr) error {
	if err := unix.Bind(f.raw, sa); err != nil {
		return handle.New(handle.CodeInvalidArgument, "fdconn: bind: "+err.Error())
	}
	return nil
}

// Listen marks the socket as a listening socket with the given backlog.
func (f *FD) Listen(backlog int) error {
	if err := unix.Listen(f.raw, backlog); err != nil {
		return handle.New(handle.CodeInvalidArgument, "fdconn: listen: "+err.Error())
	}
	return nil
}

// Close releases the underlying descriptor. Idempotent.
func (f *FD) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	unix.Close(f.raw)
	return nil
}
