package ws_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/framer/ws"
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

func buildWsPair(t *testing.T) (handle.Message, handle.Message) {
	t.Helper()
	reg := handle.Default
	baseA, baseB := unixsock.Pair()
	clientID, err := ws.Start(reg, baseA, ws.RoleClient)
	if err != nil {
		t.Fatalf("ws.Start client: %v", err)
	}
	serverID, err := ws.Start(reg, baseB, ws.RoleServer)
	if err != nil {
		t.Fatalf("ws.Start server: %v", err)
	}
	return messageOf(t, reg, clientID), messageOf(t, reg, serverID)
}

// TestClientServerRoundTrip matches scenario 4: a masked client frame is
// correctly unmasked by the server, and an unmasked server frame is
// correctly accepted by the client.
func TestClientServerRoundTrip(t *testing.T) {
	client, server := buildWsPair(t)
	deadline := time.Now().Add(2 * time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Send(context.Background(), iovec.Of([]byte("hello from client")), deadline)
	}()
	buf := make([]byte, 128)
	n, err := server.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if string(buf[:n]) != "hello from client" {
		t.Fatalf("expected %q, got %q", "hello from client", buf[:n])
	}
	if err := <-errCh; err != nil {
		t.Fatalf("client send: %v", err)
	}

	go func() { errCh <- server.Send(context.Background(), iovec.Of([]byte("hi back")), deadline) }()
	n, err = client.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if string(buf[:n]) != "hi back" {
		t.Fatalf("expected %q, got %q", "hi back", buf[:n])
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server send: %v", err)
	}
}

// TestCloseHandshakeBothSidesSeeBrokenPipe matches the RFC 6455 §5.5.1
// closing handshake: Done on one side produces ErrBrokenPipe on both
// sides' next Recv once the peer echoes its own close frame.
func TestCloseHandshakeBothSidesSeeBrokenPipe(t *testing.T) {
	reg := handle.Default
	baseA, baseB := unixsock.Pair()
	clientID, err := ws.Start(reg, baseA, ws.RoleClient)
	if err != nil {
		t.Fatalf("ws.Start client: %v", err)
	}
	serverID, err := ws.Start(reg, baseB, ws.RoleServer)
	if err != nil {
		t.Fatalf("ws.Start server: %v", err)
	}
	ifaceC, _ := reg.Query(clientID, handle.TagMessage)
	client := ifaceC.(*ws.Sock)
	server := messageOf(t, reg, serverID)

	deadline := time.Now().Add(2 * time.Second)
	doneCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		_, err := server.Recv(context.Background(), iovec.Of(buf), deadline)
		doneCh <- err
	}()

	if err := client.Done(deadline); err != nil {
		t.Fatalf("client Done: %v", err)
	}
	if err := <-doneCh; err != handle.ErrBrokenPipe {
		t.Fatalf("expected server to see ErrBrokenPipe, got %v", err)
	}

	buf := make([]byte, 64)
	if _, err := client.Recv(context.Background(), iovec.Of(buf), deadline); err != handle.ErrBrokenPipe {
		t.Fatalf("expected client to see ErrBrokenPipe from the echoed close, got %v", err)
	}
}

// TestPingAnsweredWithPongTransparently matches the control-frame servicing
// note in spec §4.5: a ping is answered inline and never surfaces to the
// message-level Recv caller. The client side is a raw bytestream here so a
// hand-built ping frame can be injected ahead of a real data frame.
func TestPingAnsweredWithPongTransparently(t *testing.T) {
	reg := handle.Default
	rawClientID, baseB := unixsock.Pair()
	rawIface, ok := reg.Query(rawClientID, handle.TagBytestream)
	if !ok {
		t.Fatalf("raw client handle does not expose Bytestream")
	}
	rawClient := rawIface.(handle.Bytestream)
	serverID, err := ws.Start(reg, baseB, ws.RoleServer)
	if err != nil {
		t.Fatalf("ws.Start server: %v", err)
	}
	server := messageOf(t, reg, serverID)
	deadline := time.Now().Add(2 * time.Second)

	// A masked, unfragmented ping frame with no payload.
	ping := []byte{0x89, 0x80, 0, 0, 0, 0}
	if err := rawClient.Send(context.Background(), iovec.Of(ping), deadline); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	// A masked, unfragmented binary frame carrying "hi".
	data := []byte("hi")
	masked := make([]byte, len(data))
	for i, c := range data {
		masked[i] = c // key is all-zero, so masking is a no-op here
	}
	frame := append([]byte{0x82, 0x80 | byte(len(data)), 0, 0, 0, 0}, masked...)
	if err := rawClient.Send(context.Background(), iovec.Of(frame), deadline); err != nil {
		t.Fatalf("send data frame: %v", err)
	}

	buf := make([]byte, 64)
	n, err := server.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("expected ping to be serviced transparently, leaving %q, got %q", "hi", buf[:n])
	}

	// The server must have answered with a pong frame (opcode 0xA), unmasked.
	var pong [2]byte
	if err := rawClient.Recv(context.Background(), iovec.Of(pong[:]), deadline); err != nil {
		t.Fatalf("recv pong header: %v", err)
	}
	if pong[0]&0x0F != 0xA {
		t.Fatalf("expected pong opcode 0xA, got %#x", pong[0])
	}
}
