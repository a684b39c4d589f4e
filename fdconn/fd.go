// Package fdconn implements the FD adapter (spec §4.15): non-blocking
// send/recv/accept/connect over a raw kernel socket descriptor, built atop
// a deadline-driven readability/writability wait. It is shared by the TCP
// and Unix transports (spec §4.14).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on internal/transport/transport_linux.go (non-blocking socket
// creation, TCP_NODELAY, scatter-gather send/recv via SendmsgBuffers /
// RecvmsgBuffers) and reactor/epoll_reactor.go (deadline-driven readiness
// wait). Address resolution, binding, and accept-loop management stay in
// the transport/* packages (spec §1 places them out of core scope); this
// package only drives a single already-connected or already-accepted
// descriptor. Unlike the reactor's multi-fd epoll set (which multiplexes
// many connections and is explicitly out of core scope per spec §1), a
// single FD adapter instance watches exactly one descriptor, so a plain
// unix.Poll call per wait is used instead of standing up a whole epoll
// instance per connection.
package fdconn

import (
	"context"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// maxWaitSlice bounds how long a single readiness wait blocks before
// re-checking ctx.Done(), so Close()/cancellation is observed promptly
// even when the caller's deadline is far in the future.
const maxWaitSlice = 200 * time.Millisecond

// FD is the non-blocking socket handle. Platform-specific constructors
// (NewFromRawFD on Linux) populate it; the generic send/recv retry loops
// (sendAll, recvAll) live here in terms of the platform hooks, while
// Send/Recv/Accept/Connect themselves are in the platform file.
type FD struct {
	raw    int
	closed bool
}

// RawFD returns the underlying OS file descriptor, mirroring api.NetConn's
// RawFD() contract in the teacher for interop with external pollers.
func (f *FD) RawFD() uintptr { return uintptr(f.raw) }

var _ handle.Bytestream = (*FD)(nil)

func deadlineOrCtx(ctx context.Context, deadline time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return deadline, handle.ErrCanceled
	}
	return deadline, nil
}

// sendAll drives Send to completion, re-cutting the gather list's remaining
// suffix after every partial write (spec §4.8 describes the same cutting
// discipline for the throttler; the FD adapter needs it for plain partial
// writes too).
func sendAll(write func([][]byte) (int, error), waitWritable func(time.Time) error, ctx context.Context, data iovec.List, deadline time.Time) error {
	remaining := data
	for iovec.Size(remaining) > 0 {
		if _, err := deadlineOrCtx(ctx, deadline); err != nil {
			return err
		}
		n, err := write(remaining)
		if n > 0 {
			remaining = iovec.Cut(remaining, n, iovec.Size(remaining)-n)
		}
		if err == errWouldBlock {
			if werr := waitWritable(deadline); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func recvAll(read func([][]byte) (int, error), waitReadable func(time.Time) error, ctx context.Context, dst iovec.List, deadline time.Time) error {
	need := iovec.Size(dst)
	got := 0
	for got < need {
		if _, err := deadlineOrCtx(ctx, deadline); err != nil {
			return err
		}
		window := iovec.Cut(dst, got, need-got)
		n, err := read(window)
		got += n
		if err == errWouldBlock {
			if werr := waitReadable(deadline); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 && err == nil {
			return handle.ErrBrokenPipe
		}
	}
	return nil
}
