// File: handle/attach.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Move-on-attach ownership helper (spec §3 Lifecycle, §9 DESIGN NOTES).
// "start" semantics are "the caller surrenders the underlying handle on
// success, keeps it on failure". Implemented as an atomic dup-then-close-
// original sequence so a wrapper's bookkeeping is never half-updated.

package handle

// Attach duplicates underlying (registered in reg) into a fresh id owned by
// the new wrapper, then closes the caller's original id. On success the
// caller no longer owns underlying; on failure (underlying not found) the
// caller keeps it and must clean up themselves.
func Attach(reg *Registry, underlying ID) (ID, error) {
	dup, err := reg.Dup(underlying)
	if err != nil {
		return 0, err
	}
	_ = reg.Close(underlying)
	return dup, nil
}

// Detach hands back a fresh id referencing the same underlying object (an
// extra reference, via Dup). The adapters' Stop methods do not call it:
// they return the id Attach gave them and mark themselves detached so their
// own Close leaves that id alone.
func Detach(reg *Registry, underlying ID) (ID, error) {
	return reg.Dup(underlying)
}
