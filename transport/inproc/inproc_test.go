package inproc_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/inproc"
)

func messageOf(t *testing.T, id handle.ID) handle.Message {
	t.Helper()
	iface, ok := handle.Default.Query(id, handle.TagMessage)
	if !ok {
		t.Fatalf("handle %d does not expose Message", id)
	}
	return iface.(handle.Message)
}

func TestSendBlocksUntilRecv(t *testing.T) {
	aID, bID := inproc.Pair()
	defer handle.Default.Close(aID)
	defer handle.Default.Close(bID)
	a, b := messageOf(t, aID), messageOf(t, bID)

	deadline := time.Now().Add(2 * time.Second)
	sendDone := make(chan struct{})
	go func() {
		if err := a.Send(context.Background(), iovec.Of([]byte("rendezvous")), deadline); err != nil {
			t.Errorf("send: %v", err)
		}
		close(sendDone)
	}()

	select {
	case <-sendDone:
		t.Fatal("Send must block until the peer calls Recv")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 32)
	n, err := b.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "rendezvous" {
		t.Fatalf("expected rendezvous, got %q", buf[:n])
	}
	<-sendDone
}

func TestMessageTooBigAck(t *testing.T) {
	aID, bID := inproc.Pair()
	defer handle.Default.Close(aID)
	defer handle.Default.Close(bID)
	a, b := messageOf(t, aID), messageOf(t, bID)

	deadline := time.Now().Add(2 * time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(context.Background(), iovec.Of([]byte("0123456789")), deadline) }()

	small := make([]byte, 4)
	_, err := b.Recv(context.Background(), iovec.Of(small), deadline)
	if err != handle.ErrMessageTooBig {
		t.Fatalf("expected ErrMessageTooBig, got %v", err)
	}
	if err := <-errCh; err != handle.ErrMessageTooBig {
		t.Fatalf("expected sender to also observe ErrMessageTooBig, got %v", err)
	}
}

func TestSendTimesOutWithoutAPeer(t *testing.T) {
	aID, _ := inproc.Pair()
	defer handle.Default.Close(aID)
	a := messageOf(t, aID)

	deadline := time.Now().Add(50 * time.Millisecond)
	err := a.Send(context.Background(), iovec.Of([]byte("x")), deadline)
	if err != handle.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}
