// Package inproc is the in-process raw transport (spec §4.14): a message
// handle pair backed by a pair of Go channels: a data channel carrying a
// flattened copy of each message's bytes (the gather list itself is not
// passed by reference) and a length-ack round trip, grounded on
// original_source/inproc.c (inproc_msendv/inproc_mrecvv, the data+ack
// channel pair duplicated between both ends of a pair_start).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package inproc

import (
	"context"
	"time"

	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// msgTooBig is the ack sentinel sent back when the receiver's buffer is
// too small, mirroring original_source/inproc.c's MSG2BIG (UINT64_MAX).
const msgTooBig int64 = -1

// shared is the rendezvous state duplicated between both ends of a Pair:
// one data channel, one ack channel, exactly as original_source dups a
// single chmake'd channel handle to both sockets instead of wiring two
// independent directional channels.
type shared struct {
	data chan []byte
	ack  chan int64
}

// Sock is a handle.Object + handle.Message backed by a shared rendezvous
// pair. Both ends of a Pair send on and receive from the SAME channels;
// whichever side calls Send first blocks until the other calls Recv.
type Sock struct {
	ch    *shared
	state handle.DuplexState
}

var (
	_ handle.Object  = (*Sock)(nil)
	_ handle.Message = (*Sock)(nil)
	_ handle.Doner   = (*Sock)(nil)
)

// Pair creates two connected message handles sharing one data/ack
// channel pair, the portable realization of original_source's
// inproc_pair_start.
func Pair() (a, b handle.ID) {
	sh := &shared{data: make(chan []byte), ack: make(chan int64)}
	sockA := &Sock{ch: sh}
	sockB := &Sock{ch: sh}
	a = handle.Default.Make(sockA)
	b = handle.Default.Make(sockB)
	return a, b
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagMessage {
		return s, true
	}
	return nil, false
}

func waitDone(ctx context.Context, deadline time.Time) <-chan time.Time {
	if deadline.IsZero() {
		return nil
	}
	return time.After(time.Until(deadline))
}

// Send hands data to whichever peer next calls Recv, then waits for the
// length-ack, matching inproc_msendv's chsend(data)+chrecv(ack) sequence.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	payload := iovec.Flatten(data)
	select {
	case s.ch.data <- payload:
	case <-ctx.Done():
		return handle.ErrCanceled
	case <-waitDone(ctx, deadline):
		return handle.ErrTimedOut
	}
	select {
	case ack := <-s.ch.ack:
		if ack == msgTooBig {
			return handle.ErrMessageTooBig
		}
		if int(ack) != len(payload) {
			return handle.ErrProtocol
		}
		return nil
	case <-ctx.Done():
		return handle.ErrCanceled
	case <-waitDone(ctx, deadline):
		return handle.ErrTimedOut
	}
}

// Recv waits for a peer Send, copies the payload into dst, and replies
// with the length-ack, matching inproc_mrecvv's chrecv(data)+chsend(ack)
// sequence, including the message-too-big rejection path.
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) (int, error) {
	if err := s.state.In.Err(); err != nil {
		return 0, err
	}
	var payload []byte
	select {
	case payload = <-s.ch.data:
	case <-ctx.Done():
		return 0, handle.ErrCanceled
	case <-waitDone(ctx, deadline):
		return 0, handle.ErrTimedOut
	}
	if len(payload) > iovec.Size(dst) {
		select {
		case s.ch.ack <- msgTooBig:
		case <-ctx.Done():
		case <-waitDone(ctx, deadline):
		}
		return 0, handle.ErrMessageTooBig
	}
	n := iovec.CopyAllTo(dst, payload)
	select {
	case s.ch.ack <- int64(n):
		return n, nil
	case <-ctx.Done():
		return 0, handle.ErrCanceled
	case <-waitDone(ctx, deadline):
		return 0, handle.ErrTimedOut
	}
}

func (s *Sock) Done() error { return handle.ErrNotSupported }

func (s *Sock) Close() error { return nil }
