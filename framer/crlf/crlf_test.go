package crlf_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/framer/crlf"
	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/unixsock"
)

func messageOf(t *testing.T, reg *handle.Registry, id handle.ID) handle.Message {
	t.Helper()
	iface, ok := reg.Query(id, handle.TagMessage)
	if !ok {
		t.Fatalf("handle %d does not expose Message", id)
	}
	return iface.(handle.Message)
}

func buildCrlfPair(t *testing.T) (handle.Message, handle.Message) {
	t.Helper()
	reg := handle.Default
	baseA, baseB := unixsock.Pair()
	aID, err := crlf.Start(reg, baseA)
	if err != nil {
		t.Fatalf("crlf.Start a: %v", err)
	}
	bID, err := crlf.Start(reg, baseB)
	if err != nil {
		t.Fatalf("crlf.Start b: %v", err)
	}
	return messageOf(t, reg, aID), messageOf(t, reg, bID)
}

// TestEmbeddedCRLFRejected matches scenario 3: a message containing an
// embedded "\r\n" is rejected rather than silently framed.
func TestEmbeddedCRLFRejected(t *testing.T) {
	a, _ := buildCrlfPair(t)
	deadline := time.Now().Add(time.Second)
	err := a.Send(context.Background(), iovec.Of([]byte("line one\r\nline two")), deadline)
	if err != handle.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for embedded CRLF, got %v", err)
	}
}

func TestEmptySendRejected(t *testing.T) {
	a, _ := buildCrlfPair(t)
	deadline := time.Now().Add(time.Second)
	if err := a.Send(context.Background(), iovec.List{}, deadline); err != handle.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty send, got %v", err)
	}
}

func TestRoundTripAndTerminator(t *testing.T) {
	reg := handle.Default
	baseA, baseB := unixsock.Pair()
	aID, err := crlf.Start(reg, baseA)
	if err != nil {
		t.Fatalf("crlf.Start a: %v", err)
	}
	bID, err := crlf.Start(reg, baseB)
	if err != nil {
		t.Fatalf("crlf.Start b: %v", err)
	}
	ifaceA, _ := reg.Query(aID, handle.TagMessage)
	a := ifaceA.(*crlf.Sock)
	b := messageOf(t, reg, bID)

	deadline := time.Now().Add(2 * time.Second)
	errCh := make(chan error, 1)
	go func() {
		if err := a.Send(context.Background(), iovec.Of([]byte("hello")), deadline); err != nil {
			errCh <- err
			return
		}
		errCh <- a.Done(deadline)
	}()

	buf := make([]byte, 64)
	n, err := b.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected hello, got %q", buf[:n])
	}
	if _, err := b.Recv(context.Background(), iovec.Of(buf), deadline); err != handle.ErrBrokenPipe {
		t.Fatalf("expected ErrBrokenPipe after empty line, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("side a: %v", err)
	}
}

// TestMessageTooBig matches the "payload exceeds dst capacity" edge case.
func TestMessageTooBig(t *testing.T) {
	a, b := buildCrlfPair(t)
	deadline := time.Now().Add(2 * time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(context.Background(), iovec.Of([]byte("0123456789")), deadline) }()

	small := make([]byte, 4)
	_, err := b.Recv(context.Background(), iovec.Of(small), deadline)
	if err != handle.ErrMessageTooBig {
		t.Fatalf("expected ErrMessageTooBig, got %v", err)
	}
	<-errCh
}
