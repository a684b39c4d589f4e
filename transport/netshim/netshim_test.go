package netshim_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/netshim"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ca, cb := net.Pipe()
	a, b := netshim.New(ca), netshim.New(cb)
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	payload := []byte("shimmed payload")
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

func TestRecvClassifiesEOFAsBrokenPipe(t *testing.T) {
	ca, cb := net.Pipe()
	a, b := netshim.New(ca), netshim.New(cb)
	defer b.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	buf := make([]byte, 4)
	err := b.Recv(context.Background(), iovec.Of(buf), time.Time{})
	if err != handle.ErrBrokenPipe {
		t.Fatalf("expected ErrBrokenPipe, got %v", err)
	}
}

func TestListenerAcceptRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	shimLn := netshim.NewListener(ln)
	defer shimLn.Close()

	deadline := time.Now().Add(2 * time.Second)
	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := shimLn.Accept(context.Background(), deadline)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case conn := <-acceptCh:
		defer conn.Close()
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}
