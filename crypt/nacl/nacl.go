// Package nacl is the message-layer encrypt/authenticate transform (spec
// §4.9): every message is sealed with NaCl secretbox under a shared key
// and a per-direction nonce that increments (little-endian, byte 0 first)
// before each send, transmitted on the wire ahead of the ciphertext.
// Grounded on original_source/nacl.c (nacl_start/_msend/_mrecv/_stop),
// with the hand-written tweetnacl crypto_secretbox call replaced by
// golang.org/x/crypto/nacl/secretbox (attested in nabbar-golib and
// malbeclabs-doublezero manifests).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package nacl

import (
	"context"
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Sock is a handle.Object + handle.Message layered atop another
// handle.Message, sealing/opening each message with secretbox.
type Sock struct {
	reg     *handle.Registry
	underID handle.ID
	under   handle.Message

	key   [keySize]byte
	nonce [nonceSize]byte

	state    handle.DuplexState
	detached atomic.Bool
}

var (
	_ handle.Object  = (*Sock)(nil)
	_ handle.Message = (*Sock)(nil)
)

func underlyingMessage(reg *handle.Registry, id handle.ID) (handle.Message, error) {
	iface, ok := reg.Query(id, handle.TagMessage)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	msg, ok := iface.(handle.Message)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	return msg, nil
}

// Start adopts underlying (a message handle) and generates a fresh random
// initial nonce, matching nacl_start reading /dev/urandom. key must be
// exactly 32 bytes.
func Start(reg *handle.Registry, underlying handle.ID, key []byte) (handle.ID, error) {
	if len(key) != keySize {
		return 0, handle.ErrInvalidArgument
	}
	if _, err := underlyingMessage(reg, underlying); err != nil {
		return 0, err
	}
	dup, err := handle.Attach(reg, underlying)
	if err != nil {
		return 0, err
	}
	msg, err := underlyingMessage(reg, dup)
	if err != nil {
		_ = reg.Close(dup)
		return 0, err
	}
	s := &Sock{reg: reg, underID: dup, under: msg}
	copy(s.key[:], key)
	if _, err := rand.Read(s.nonce[:]); err != nil {
		_ = reg.Close(dup)
		return 0, handle.New(handle.CodeNoMemory, "nacl: rand: "+err.Error())
	}
	return reg.Make(s), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

// incrementNonce carries out a little-endian increment of nonce starting
// at byte 0, matching nacl_msend's `for(i...) { nonce[i]++; if(nonce[i])
// break; }`.
func incrementNonce(nonce *[nonceSize]byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}

// Send increments the send nonce, seals data under key, and transmits
// nonce||ciphertext as one message, matching nacl_msend.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	incrementNonce(&s.nonce)
	plaintext := iovec.Flatten(data)
	wire := secretbox.Seal(append([]byte(nil), s.nonce[:]...), plaintext, &s.nonce, &s.key)
	if err := s.under.Send(ctx, iovec.Of(wire), deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		s.state.Out.SetErr()
		return err
	}
	return nil
}

// Recv reads a nonce||ciphertext message sized to dst's capacity plus
// secretbox overhead (matching nacl_mrecv's "nonce bytes + len" receive
// buffer, so an oversized incoming message is rejected by the underlying
// transport's own ErrMessageTooBig), opens it, and copies the plaintext
// into dst. A failed authentication check yields ErrPermissionDenied,
// matching nacl_mrecv's EACCES.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	wire := make([]byte, nonceSize+secretbox.Overhead+iovec.Size(dst))
	n, err := s.under.Recv(ctx, iovec.Of(wire), deadline)
	if err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled || err == handle.ErrMessageTooBig {
			return 0, err
		}
		if err == handle.ErrBrokenPipe {
			s.state.In.SetDone()
			return 0, err
		}
		s.state.In.SetErr()
		return 0, err
	}
	if n < nonceSize+secretbox.Overhead {
		s.state.In.SetErr()
		return 0, handle.ErrProtocol
	}
	var peerNonce [nonceSize]byte
	copy(peerNonce[:], wire[:nonceSize])
	opened, ok := secretbox.Open(nil, wire[nonceSize:n], &peerNonce, &s.key)
	if !ok {
		s.state.In.SetErr()
		return 0, handle.ErrPermissionDenied
	}
	return iovec.CopyAllTo(dst, opened), nil
}

// Done is not supported: NaCl has no notion of half-close distinct from
// the underlying message transport's, per spec's "assertion-stub Done
// methods return ErrNotSupported" decision.
func (s *Sock) Done() error { return handle.ErrNotSupported }

// Stop hands back the underlying handle, matching nacl_stop.
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
	s.detached.Store(true)
	return s.underID, nil
}

// Close releases the underlying handle recursively, unless Stop already
// transferred ownership of it back to the caller.
func (s *Sock) Close() error {
	if s.detached.Load() {
		return nil
	}
	return s.reg.Close(s.underID)
}
