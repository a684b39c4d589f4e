// File: handle/contract.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bytestream and Message capability contracts (spec §4.2). Both are
// all-or-nothing: Send/Recv return only once every requested byte/message
// has moved, the deadline expires, or a fatal error occurs.

package handle

import (
	"context"
	"time"

	"github.com/momentics/hioload-dsock/iovec"
)

// Bytestream is an ordered, reliable octet stream capability.
type Bytestream interface {
	// Send transfers every byte of data or fails; never partial on success.
	Send(ctx context.Context, data iovec.List, deadline time.Time) error
	// Recv fills dst completely or fails; short reads on graceful close
	// return ErrBrokenPipe, never a partial-fill success.
	Recv(ctx context.Context, dst iovec.List, deadline time.Time) error
}

// Message is an atomic, bounded datagram capability. Each call moves
// exactly one message.
type Message interface {
	Send(ctx context.Context, data iovec.List, deadline time.Time) error
	// Recv returns the message length. If the incoming message exceeds
	// dst's capacity, ErrMessageTooBig is returned but the bytes are still
	// consumed (or the connection is dropped) so the stream stays aligned.
	Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error)
}

// Listener exposes only Accept to generic users.
type Listener interface {
	Accept(ctx context.Context, deadline time.Time) (ID, error)
}

// PartialReader is an optional capability a Bytestream's underlying
// transport may additionally expose for consumers of the shared receive
// buffer (spec §4.12): unlike Bytestream.Recv, RecvSome may return fewer
// bytes than len(dst) on success ("best-effort, short reads allowed"). The
// CRLF framer uses this to fill rbuf.Buffer without requiring a full
// buffer's worth of bytes to be available up front.
type PartialReader interface {
	RecvSome(ctx context.Context, dst []byte, deadline time.Time) (int, error)
}
