package udp_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/transport/udp"
)

func messageOf(t *testing.T, id handle.ID) handle.Message {
	t.Helper()
	iface, ok := handle.Default.Query(id, handle.TagMessage)
	if !ok {
		t.Fatalf("handle %d does not expose Message", id)
	}
	return iface.(handle.Message)
}

func TestFixedPortRoundTrip(t *testing.T) {
	serverID, err := udp.Listen("127.0.0.1:19092")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer handle.Default.Close(serverID)
	server := messageOf(t, serverID)

	clientID, err := udp.Dial(context.Background(), "127.0.0.1:19092")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer handle.Default.Close(clientID)
	client := messageOf(t, clientID)

	deadline := time.Now().Add(2 * time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(context.Background(), iovec.Of([]byte("datagram")), deadline) }()

	buf := make([]byte, 64)
	n, err := server.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "datagram" {
		t.Fatalf("expected datagram, got %q", buf[:n])
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRecvTimesOut(t *testing.T) {
	serverID, err := udp.Listen("127.0.0.1:19093")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer handle.Default.Close(serverID)
	server := messageOf(t, serverID)

	deadline := time.Now().Add(100 * time.Millisecond)
	buf := make([]byte, 64)
	if _, err := server.Recv(context.Background(), iovec.Of(buf), deadline); err != handle.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}
