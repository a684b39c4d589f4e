// Package nagle is the byte-layer Nagle batching adapter (spec §4.7): a
// background sender coalesces small writes into a batch-sized buffer,
// flushing on a timer or whenever a chunk would overflow it. Grounded on
// original_source/nagle.c (nagle_start/_sender/_bsend/_brecv/_stop), with
// the C original's single memcpy'd staging buffer generalized to an
// eapache/queue-backed list of owned chunks flushed as one gather-list
// write.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package nagle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
)

// sendReq is one queued outbound chunk awaiting the sender goroutine.
type sendReq struct {
	data     iovec.List
	deadline time.Time
	result   chan error
}

// flushReq asks the sender goroutine to flush any buffered bytes now,
// regardless of the batch/interval thresholds (used by Done/Stop).
type flushReq struct {
	result chan error
}

// Sock is a handle.Object + handle.Bytestream layered atop another
// handle.Bytestream, coalescing small sends into batch-sized writes.
type Sock struct {
	reg     *handle.Registry
	underID handle.ID
	under   handle.Bytestream

	batch    int
	interval time.Duration

	sendCh  chan *sendReq
	flushCh chan flushReq

	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    handle.DuplexState
	detached atomic.Bool
}

var (
	_ handle.Object     = (*Sock)(nil)
	_ handle.Bytestream = (*Sock)(nil)
)

func underlyingBytestream(reg *handle.Registry, id handle.ID) (handle.Bytestream, error) {
	iface, ok := reg.Query(id, handle.TagBytestream)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	bs, ok := iface.(handle.Bytestream)
	if !ok {
		return nil, handle.ErrNotSupported
	}
	return bs, nil
}

// Start adopts underlying (a bytestream handle). batch bounds the buffered
// byte count before a forced flush; interval < 0 disables the timer-driven
// flush (buffered bytes then only flush when a chunk would overflow batch,
// or on Done/Stop).
func Start(reg *handle.Registry, underlying handle.ID, batch int, interval time.Duration) (handle.ID, error) {
	if _, err := underlyingBytestream(reg, underlying); err != nil {
		return 0, err
	}
	dup, err := handle.Attach(reg, underlying)
	if err != nil {
		return 0, err
	}
	bs, err := underlyingBytestream(reg, dup)
	if err != nil {
		_ = reg.Close(dup)
		return 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sock{
		reg:      reg,
		underID:  dup,
		under:    bs,
		batch:    batch,
		interval: interval,
		sendCh:   make(chan *sendReq),
		flushCh:  make(chan flushReq),
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.senderLoop(ctx)
	return reg.Make(s), nil
}

func (s *Sock) Query(tag handle.Tag) (any, bool) {
	if tag == handle.TagBytestream {
		return s, true
	}
	return nil, false
}

// senderLoop owns the pending-chunk queue exclusively, so no locking is
// needed around it: every mutation happens on this goroutine, matching
// nagle_sender's single-threaded buffer ownership.
func (s *Sock) senderLoop(ctx context.Context) {
	defer s.wg.Done()
	pending := queue.New()
	pendingLen := 0
	last := time.Now()

	flush := func() error {
		if pending.Length() == 0 {
			return nil
		}
		chunks := make(iovec.List, 0, pending.Length())
		for pending.Length() > 0 {
			chunks = append(chunks, pending.Remove().([]byte))
		}
		pendingLen = 0
		return s.under.Send(context.Background(), chunks, time.Time{})
	}

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if pendingLen > 0 && s.interval >= 0 {
			wait := time.Until(last.Add(s.interval))
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case fr := <-s.flushCh:
			if timer != nil {
				timer.Stop()
			}
			err := flush()
			if err == nil {
				last = time.Now()
			}
			fr.result <- err

		case req := <-s.sendCh:
			if timer != nil {
				timer.Stop()
			}
			chunkLen := iovec.Size(req.data)
			switch {
			case pendingLen+chunkLen < s.batch:
				pending.Add(iovec.Flatten(req.data))
				pendingLen += chunkLen
				req.result <- nil
			case pendingLen > 0:
				if err := flush(); err != nil {
					req.result <- err
					continue
				}
				last = time.Now()
				if chunkLen < s.batch {
					pending.Add(iovec.Flatten(req.data))
					pendingLen = chunkLen
					req.result <- nil
				} else {
					err := s.under.Send(context.Background(), req.data, req.deadline)
					if err == nil {
						last = time.Now()
					}
					req.result <- err
				}
			default:
				err := s.under.Send(context.Background(), req.data, req.deadline)
				if err == nil {
					last = time.Now()
				}
				req.result <- err
			}

		case <-timerC:
			_ = flush()
			last = time.Now()
		}
	}
}

// Send hands data to the sender goroutine for coalescing and waits for its
// outcome, matching nagle_bsend's rendezvous.
func (s *Sock) Send(ctx context.Context, data iovec.List, deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	req := &sendReq{data: data, deadline: deadline, result: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-ctx.Done():
		return handle.ErrCanceled
	}
	select {
	case err := <-req.result:
		if err != nil && err != handle.ErrTimedOut && err != handle.ErrCanceled {
			s.state.Out.SetErr()
		}
		return err
	case <-ctx.Done():
		return handle.ErrCanceled
	}
}

// Recv is a pure passthrough to the underlying stream, matching
// nagle_brecv (Nagle only shapes the outbound direction).
func (s *Sock) Recv(ctx context.Context, dst iovec.List, deadline time.Time) error {
	if err := s.state.In.Err(); err != nil {
		return err
	}
	if err := s.under.Recv(ctx, dst, deadline); err != nil {
		if err == handle.ErrTimedOut || err == handle.ErrCanceled {
			return err
		}
		if err == handle.ErrBrokenPipe {
			s.state.In.SetDone()
			return err
		}
		s.state.In.SetErr()
		return err
	}
	return nil
}

func (s *Sock) flushNow() error {
	fr := flushReq{result: make(chan error, 1)}
	s.flushCh <- fr
	return <-fr.result
}

// Done flushes any buffered bytes, then half-closes the underlying stream
// if it supports that, matching the flush the C original's nagle_stop
// acknowledged (via a TODO) it never performed.
func (s *Sock) Done(deadline time.Time) error {
	if err := s.state.Out.Err(); err != nil {
		return err
	}
	if err := s.flushNow(); err != nil {
		s.state.Out.SetErr()
		return err
	}
	d, ok := s.under.(handle.Doner)
	if !ok {
		return handle.ErrNotSupported
	}
	if err := d.Done(); err != nil {
		s.state.Out.SetErr()
		return err
	}
	s.state.Out.SetDone()
	return nil
}

// Stop flushes any buffered bytes, tears down the sender goroutine, and
// hands back the underlying handle, matching nagle_stop (plus the flush
// the original never got around to).
func (s *Sock) Stop(deadline time.Time) (handle.ID, error) {
	if err := s.flushNow(); err != nil {
		return 0, err
	}
	s.cancel()
	s.wg.Wait()
	s.detached.Store(true)
	return s.underID, nil
}

// Close tears down the sender goroutine, then releases the underlying
// handle recursively unless Stop already transferred ownership of it.
func (s *Sock) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.detached.Load() {
		return nil
	}
	return s.reg.Close(s.underID)
}
