package tcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/tcp"
)

func bytestreamOf(t *testing.T, id handle.ID) handle.Bytestream {
	t.Helper()
	iface, ok := handle.Default.Query(id, handle.TagBytestream)
	if !ok {
		t.Fatalf("handle %d does not expose Bytestream", id)
	}
	return iface.(handle.Bytestream)
}

// TestDialListenRoundTrip exercises a real loopback TCP connection: Listen
// on a fixed loopback port, Dial it, and move bytes both ways.
func TestDialListenRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:18573"
	ln, err := tcp.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	deadline := time.Now().Add(2 * time.Second)
	acceptCh := make(chan handle.ID, 1)
	errCh := make(chan error, 1)
	go func() {
		id, err := ln.Accept(context.Background(), deadline)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- id
	}()

	clientID, err := tcp.Dial(context.Background(), addr, deadline)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer handle.Default.Close(clientID)
	client := bytestreamOf(t, clientID)

	var serverID handle.ID
	select {
	case serverID = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer handle.Default.Close(serverID)
	server := bytestreamOf(t, serverID)

	payload := []byte("loopback payload")
	sendErr := make(chan error, 1)
	go func() { sendErr <- client.Send(context.Background(), iovec.Of(payload), deadline) }()

	buf := make([]byte, len(payload))
	if err := server.Recv(context.Background(), iovec.Of(buf), deadline); err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, buf)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("client send: %v", err)
	}
}
