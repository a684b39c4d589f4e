package nagle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/shaping/nagle"
)

// countingSock is a minimal handle.Object + handle.Bytestream recording
// every Send call's flattened payload, so tests can assert on the exact
// number and shape of underlying writes nagle produces.
type countingSock struct {
	mu    sync.Mutex
	sends [][]byte
	recvQ [][]byte
}

func (c *countingSock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagBytestream {
		return c, true
	}
	return nil, false
}

func (c *countingSock) Close() error { return nil }

func (c *countingSock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, iovec.Flatten(data))
	return nil
}

func (c *countingSock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) error {
	return handle.ErrNotSupported
}

func (c *countingSock) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *countingSock) concatenated() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, s := range c.sends {
		out = append(out, s...)
	}
	return out
}

var (
	_ handle.Object     = (*countingSock)(nil)
	_ handle.Bytestream = (*countingSock)(nil)
)

// TestCoalescesSubBatchSends matches invariant #7: two sends, each well
// under batch, issued within interval, must produce exactly one
// underlying write containing both payloads concatenated.
func TestCoalescesSubBatchSends(t *testing.T) {
	reg := handle.NewRegistry()
	under := &countingSock{}
	underID := reg.Make(under)

	id, err := nagle.Start(reg, underID, 4096, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("nagle.Start: %v", err)
	}
	iface, _ := reg.Query(id, handle.TagBytestream)
	sock := iface.(handle.Bytestream)

	deadline := time.Now().Add(time.Second)
	if err := sock.Send(context.Background(), iovec.Of([]byte("ABC")), deadline); err != nil {
		t.Fatalf("send ABC: %v", err)
	}
	if err := sock.Send(context.Background(), iovec.Of([]byte("DEF")), deadline); err != nil {
		t.Fatalf("send DEF: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // let the interval timer flush

	if got := under.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 underlying write, got %d", got)
	}
	if got := string(under.concatenated()); got != "ABCDEF" {
		t.Fatalf("expected concatenated ABCDEF, got %q", got)
	}
}

// TestOversizedSendBypassesBatching matches nagle_sender's
// oversized-bypass rule: a chunk at or above batch goes straight through
// as its own write rather than waiting to be coalesced.
func TestOversizedSendBypassesBatching(t *testing.T) {
	reg := handle.NewRegistry()
	under := &countingSock{}
	underID := reg.Make(under)

	id, err := nagle.Start(reg, underID, 4, -1)
	if err != nil {
		t.Fatalf("nagle.Start: %v", err)
	}
	iface, _ := reg.Query(id, handle.TagBytestream)
	sock := iface.(handle.Bytestream)

	deadline := time.Now().Add(time.Second)
	if err := sock.Send(context.Background(), iovec.Of([]byte("ABCDE")), deadline); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := under.callCount(); got != 1 {
		t.Fatalf("expected 1 immediate write for an oversized chunk, got %d", got)
	}
	if got := string(under.concatenated()); got != "ABCDE" {
		t.Fatalf("expected ABCDE, got %q", got)
	}
}
