// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/ctxsync"
)

// key identifies a single point-to-point mailbox: a message sent from
// src to dst under tag.
type key struct {
	src, dst, tag int
}

// round accumulates one collective call (Barrier, Bcast, Allreduce, or
// Gather) across every rank in a broker. The last rank to arrive
// computes the shared result and releases every waiter; all ranks,
// including the one that computed it, read the result out of the round
// after it is released, so there is exactly one code path that produces
// the answer.
type round struct {
	values   []int64
	payloads [][]byte
	arrived  int
	done     chan struct{}
}

// broker is the shared state behind a group of Local communicators. It
// implements point-to-point delivery as per-(src,dst,tag) FIFO queues,
// which is sufficient to model MPI-style two-sided messaging within a
// single process.
type broker struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queues map[key][][]byte
	size   int

	collmu sync.Mutex
	cur    *round
}

func newBroker(size int) *broker {
	b := &broker{queues: make(map[key][][]byte), size: size}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// NewLocal returns n Communicators that exchange messages in-process.
// It is used by tests and by single-binary deployments where compute
// and I/O tasks share an address space; a production deployment backs
// Communicator with a real transport instead (out of scope here, see
// the package doc).
func NewLocal(n int) []Communicator {
	if n <= 0 {
		panic("comm.NewLocal: n must be positive")
	}
	b := newBroker(n)
	comms := make([]Communicator, n)
	for i := range comms {
		comms[i] = &local{rank: i, b: b}
	}
	return comms
}

type local struct {
	rank int
	b    *broker
}

func (l *local) Rank() int { return l.rank }
func (l *local) Size() int { return l.b.size }

func (l *local) Send(ctx context.Context, dst, tag int, data []byte) error {
	if dst < 0 || dst >= l.b.size {
		return errors.E(errors.Invalid, "comm.Send", "destination rank out of range")
	}
	cp := append([]byte(nil), data...)
	l.b.mu.Lock()
	k := key{src: l.rank, dst: dst, tag: tag}
	l.b.queues[k] = append(l.b.queues[k], cp)
	l.b.cond.Broadcast()
	l.b.mu.Unlock()
	return nil
}

// RSend behaves identically to Send here: the in-process broker queues
// messages regardless of whether the receiver has already posted a
// matching receive, so there is no rendezvous handshake to short-circuit.
// A transport-backed Communicator would use the ready-send assertion
// (dst has already posted its receive) to skip that handshake.
func (l *local) RSend(ctx context.Context, dst, tag int, data []byte) error {
	return l.Send(ctx, dst, tag, data)
}

func (l *local) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= l.b.size {
		return nil, errors.E(errors.Invalid, "comm.Recv", "source rank out of range")
	}
	k := key{src: src, dst: l.rank, tag: tag}
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	for len(l.b.queues[k]) == 0 {
		if err := l.b.cond.Wait(ctx); err != nil {
			return nil, errors.E(errors.Net, "comm.Recv", err)
		}
	}
	q := l.b.queues[k]
	data := q[0]
	if len(q) == 1 {
		delete(l.b.queues, k)
	} else {
		l.b.queues[k] = q[1:]
	}
	return data, nil
}

type sendRequest struct{}

func (sendRequest) Wait(ctx context.Context) ([]byte, error) { return nil, nil }

func (l *local) ISend(ctx context.Context, dst, tag int, data []byte) (Request, error) {
	if err := l.Send(ctx, dst, tag, data); err != nil {
		return nil, err
	}
	return sendRequest{}, nil
}

type recvRequest struct {
	l        *local
	src, tag int
}

func (r recvRequest) Wait(ctx context.Context) ([]byte, error) {
	return r.l.Recv(ctx, r.src, r.tag)
}

func (l *local) IRecv(ctx context.Context, src, tag int) (Request, error) {
	if src < 0 || src >= l.b.size {
		return nil, errors.E(errors.Invalid, "comm.IRecv", "source rank out of range")
	}
	return recvRequest{l: l, src: src, tag: tag}, nil
}

// arrive joins the in-flight round for b (starting one if this is the
// first rank to arrive), records this rank's contribution, and blocks
// until every rank has arrived. It returns the round so the caller can
// read the (by then fully computed) shared result.
func (b *broker) arrive(ctx context.Context, rank int, value int64, payload []byte) (*round, error) {
	b.collmu.Lock()
	if b.cur == nil {
		b.cur = &round{
			values:   make([]int64, b.size),
			payloads: make([][]byte, b.size),
			done:     make(chan struct{}),
		}
	}
	r := b.cur
	r.values[rank] = value
	r.payloads[rank] = payload
	r.arrived++
	last := r.arrived == b.size
	if last {
		b.cur = nil
	}
	b.collmu.Unlock()
	if last {
		close(r.done)
		return r, nil
	}
	select {
	case <-r.done:
		return r, nil
	case <-ctx.Done():
		return nil, errors.E(errors.Net, "comm.collective", ctx.Err())
	}
}

func (l *local) Barrier(ctx context.Context) error {
	_, err := l.b.arrive(ctx, l.rank, 0, nil)
	return err
}

func (l *local) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	r, err := l.b.arrive(ctx, l.rank, 0, data)
	if err != nil {
		return nil, err
	}
	return r.payloads[root], nil
}

func (l *local) Allreduce(ctx context.Context, local int64, op Op) (int64, error) {
	r, err := l.b.arrive(ctx, l.rank, local, nil)
	if err != nil {
		return 0, err
	}
	result := r.values[0]
	for _, v := range r.values[1:] {
		switch op {
		case Max:
			if v > result {
				result = v
			}
		case Sum:
			result += v
		}
	}
	return result, nil
}

func (l *local) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	r, err := l.b.arrive(ctx, l.rank, 0, data)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	if l.rank == root {
		out = append([][]byte(nil), r.payloads...)
	}
	return out, nil
}
