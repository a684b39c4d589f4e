//go:build linux
// +build linux

package fdconn_test

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-dsock/fdconn"
	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

func newPair(t *testing.T) (*fdconn.FD, *fdconn.FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, err := fdconn.NewFromRawFD(fds[0])
	if err != nil {
		t.Fatalf("NewFromRawFD a: %v", err)
	}
	b, err := fdconn.NewFromRawFD(fds[1])
	if err != nil {
		t.Fatalf("NewFromRawFD b: %v", err)
	}
	return a, b
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	payload := []byte("the quick brown fox")
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(context.Background(), iovec.Of(payload), deadline) }()

	buf := make([]byte, len(payload))
	if err := b.Recv(context.Background(), iovec.Of(buf), deadline); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, buf)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}

// TestRecvBlocksUntilDeadline matches the non-blocking-with-poll design:
// a Recv on an fd with no data ready waits for readability until the
// deadline, then returns ErrTimedOut rather than blocking forever.
func TestRecvBlocksUntilDeadline(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	buf := make([]byte, 4)
	start := time.Now()
	err := b.Recv(context.Background(), iovec.Of(buf), deadline)
	elapsed := time.Since(start)
	if err != handle.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("expected timeout around 150ms, took %v", elapsed)
	}
}

// TestPeerCloseSurfacesAsBrokenPipe matches spec §7: a closed peer's empty
// read is reported as ErrBrokenPipe rather than a silent zero-byte success.
func TestPeerCloseSurfacesAsBrokenPipe(t *testing.T) {
	a, b := newPair(t)
	defer b.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4)
	err := b.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != handle.ErrBrokenPipe {
		t.Fatalf("expected ErrBrokenPipe after peer close, got %v", err)
	}
}

func TestRecvSomeShortRead(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(context.Background(), iovec.Of([]byte("abc")), deadline) }()

	buf := make([]byte, 64)
	n, err := b.RecvSome(context.Background(), buf, deadline)
	if err != nil {
		t.Fatalf("RecvSome: %v", err)
	}
	if n != 3 || string(buf[:n]) != "abc" {
		t.Fatalf("expected abc (3 bytes), got %q (n=%d)", buf[:n], n)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}
