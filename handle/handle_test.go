package handle_test

import (
	"testing"

	"github.com/momentics/hioload-dsock/handle"
)

type closeCounter struct{ closes int }

func (c *closeCounter) Query(tag handle.Tag) (any, bool) { return nil, false }
func (c *closeCounter) Close() error                      { c.closes++; return nil }

var _ handle.Object = (*closeCounter)(nil)

// TestDupSharesUnderlyingObjectUntilLastClose matches the refcounting
// correction: Dup must not clone the object, and Close must only invoke
// the object's real Close once every referencing id has been closed.
func TestDupSharesUnderlyingObjectUntilLastClose(t *testing.T) {
	reg := handle.NewRegistry()
	obj := &closeCounter{}
	id := reg.Make(obj)

	dup, err := reg.Dup(id)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if dup == id {
		t.Fatalf("Dup must return a distinct id")
	}

	if err := reg.Close(id); err != nil {
		t.Fatalf("Close(id): %v", err)
	}
	if obj.closes != 0 {
		t.Fatalf("expected object not yet closed while dup is live, closes=%d", obj.closes)
	}
	if _, ok := reg.Lookup(id); ok {
		t.Fatalf("closed id must no longer be looked up")
	}
	if _, ok := reg.Lookup(dup); !ok {
		t.Fatalf("dup id must still resolve to the shared object")
	}

	if err := reg.Close(dup); err != nil {
		t.Fatalf("Close(dup): %v", err)
	}
	if obj.closes != 1 {
		t.Fatalf("expected exactly one real Close once the last reference drops, got %d", obj.closes)
	}
}

// TestAttachMoveOnSuccessSurrendersOriginal matches move-on-attach: on
// success the caller's original id is closed (but the object survives via
// the new id), and a second Close on the original id is a harmless no-op.
func TestAttachMoveOnSuccessSurrendersOriginal(t *testing.T) {
	reg := handle.NewRegistry()
	obj := &closeCounter{}
	id := reg.Make(obj)

	newID, err := handle.Attach(reg, id)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, ok := reg.Lookup(id); ok {
		t.Fatalf("original id should no longer be registered after Attach")
	}
	if _, ok := reg.Lookup(newID); !ok {
		t.Fatalf("new id should resolve to the surviving object")
	}
	if obj.closes != 0 {
		t.Fatalf("Attach must not tear down the object while the new id lives")
	}

	if err := reg.Close(id); err != nil {
		t.Fatalf("second close of the original id must be a harmless no-op: %v", err)
	}
	if obj.closes != 0 {
		t.Fatalf("no-op close must not invoke the object's Close")
	}
}

func TestAttachFailureKeepsCallerOwnership(t *testing.T) {
	reg := handle.NewRegistry()
	if _, err := handle.Attach(reg, handle.ID(99999)); err == nil {
		t.Fatalf("expected Attach on an unregistered id to fail")
	}
}

// TestDirStateStickiness matches Testable Property #4: once a direction
// latches an error, it stays latched.
func TestDirStateStickiness(t *testing.T) {
	var d handle.DirState
	if err := d.Err(); err != nil {
		t.Fatalf("expected no error before latching, got %v", err)
	}
	d.SetErr()
	if err := d.Err(); err != handle.ErrConnReset {
		t.Fatalf("expected ErrConnReset after SetErr, got %v", err)
	}
	d.SetDone() // a later SetDone must not un-latch or change the erred verdict
	if err := d.Err(); err != handle.ErrConnReset {
		t.Fatalf("expected ErrConnReset to remain sticky, got %v", err)
	}
}
