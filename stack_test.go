// Root-level assembly test: builds the full example stack from spec §8
// scenario 1 (unix-pair -> PFX -> keepalive -> NaCl -> LZ4, with a
// tracing adapter, logging to a no-op logger, inserted between PFX and
// keepalive) and exercises it end to end. It does not check that
// keep-alive beacons were exchanged.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package dsock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-dsock/compress/lz4"
	"github.com/momentics/hioload-dsock/crypt/nacl"
	"github.com/momentics/hioload-dsock/framer/pfx"
	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/shaping/keepalive"
	"github.com/momentics/hioload-dsock/trace"
	"github.com/momentics/hioload-dsock/transport/unixsock"
)

func buildSide(t *testing.T, reg *handle.Registry, base handle.ID, key []byte, label string) handle.Message {
	t.Helper()
	framed, err := pfx.Start(reg, base)
	if err != nil {
		t.Fatalf("%s: pfx.Start: %v", label, err)
	}
	traced, err := trace.StartMessage(reg, framed, zerolog.Nop(), label)
	if err != nil {
		t.Fatalf("%s: trace.StartMessage: %v", label, err)
	}
	alive, err := keepalive.Start(reg, traced, 50*time.Millisecond, 150*time.Millisecond, []byte("\x00"))
	if err != nil {
		t.Fatalf("%s: keepalive.Start: %v", label, err)
	}
	sealed, err := nacl.Start(reg, alive, key)
	if err != nil {
		t.Fatalf("%s: nacl.Start: %v", label, err)
	}
	compressed, err := lz4.Start(reg, sealed)
	if err != nil {
		t.Fatalf("%s: lz4.Start: %v", label, err)
	}
	iface, ok := reg.Query(compressed, handle.TagMessage)
	if !ok {
		t.Fatalf("%s: final head does not expose Message", label)
	}
	return iface.(handle.Message)
}

func recvString(t *testing.T, sock handle.Message, deadline time.Time) string {
	t.Helper()
	buf := make([]byte, 256)
	n, err := sock.Recv(context.Background(), iovec.Of(buf), deadline)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return string(buf[:n])
}

func TestFullStackScenario(t *testing.T) {
	reg := handle.Default
	baseA, baseB := unixsock.Pair()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	a := buildSide(t, reg, baseA, key, "side-a")
	b := buildSide(t, reg, baseB, key, "side-b")

	deadline := time.Now().Add(2 * time.Second)
	errCh := make(chan error, 2)

	go func() {
		errCh <- a.Send(context.Background(), iovec.Of([]byte("ABC")), deadline)
	}()
	if got := recvString(t, b, deadline); got != "ABC" {
		t.Fatalf("expected ABC, got %q", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("side-a send ABC: %v", err)
	}

	go func() {
		errCh <- a.Send(context.Background(), iovec.Of([]byte("DEF")), deadline)
	}()
	if got := recvString(t, b, deadline); got != "DEF" {
		t.Fatalf("expected DEF, got %q", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("side-a send DEF: %v", err)
	}

	go func() {
		errCh <- b.Send(context.Background(), iovec.Of([]byte("GHI")), deadline)
	}()
	time.Sleep(500 * time.Millisecond)
	if got := recvString(t, a, time.Now().Add(2*time.Second)); got != "GHI" {
		t.Fatalf("expected GHI, got %q", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("side-b send GHI: %v", err)
	}
}
