// File: handle/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sticky per-direction error/done flags (spec §3 Invariants, §7). Modelled
// as two booleans per direction plus two done booleans, per SPEC_FULL.md
// DESIGN NOTES -- the only mutation the error path performs is flipping
// these, and every further operation checks them first.

package handle

import "sync/atomic"

// DirState holds the sticky error/done flags for one direction (in or out)
// of a stateful adapter. Safe for concurrent use.
type DirState struct {
	erred atomic.Bool
	done  atomic.Bool
}

// Err returns the sticky fatal error for this direction, if any has latched.
func (d *DirState) Err() error {
	if d.erred.Load() {
		return ErrConnReset
	}
	if d.done.Load() {
		return ErrBrokenPipe
	}
	return nil
}

// SetErr latches the fatal-error flag. Once set it never clears.
func (d *DirState) SetErr() { d.erred.Store(true) }

// SetDone latches the graceful half-close flag. Once set it never clears.
func (d *DirState) SetDone() { d.done.Store(true) }

// IsErr reports whether the fatal-error flag has latched.
func (d *DirState) IsErr() bool { return d.erred.Load() }

// IsDone reports whether the graceful half-close flag has latched.
func (d *DirState) IsDone() bool { return d.done.Load() }

// DuplexState is the in/out pair every framer/shaping adapter embeds.
type DuplexState struct {
	In  DirState
	Out DirState
}
