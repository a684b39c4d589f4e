//go:build !linux
// +build !linux

// File: fdconn/fd_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for unsupported platforms, mirroring
// internal/concurrency/affinity_stub.go's convention: the FD adapter's
// non-blocking syscall plumbing is Linux-specific (SendmsgBuffers,
// RecvmsgBuffers, POLLIN/POLLOUT); other platforms get transport/tcp and
// transport/unixsock built on net.Conn deadlines instead (see those
// packages' portable fallback), and never construct an fdconn.FD directly.

package fdconn

import "github.com/momentics/hioload-dsock/handle"

// NewFromRawFD is not supported outside Linux.
func NewFromRawFD(fd int) (*FD, error) {
	return nil, handle.ErrNotSupported
}
