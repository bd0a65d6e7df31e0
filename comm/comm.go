// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm defines the point-to-point and collective communication
// contract that swapm, the flush controller, and the write orchestrator
// are built against. Constructing the process groups that back a
// Communicator — pairing up compute and I/O tasks, wiring up an actual
// transport — is out of scope for this module (see the package doc for
// pario); comm only fixes the interface that the rest of the write path
// relies on, plus a channel-based implementation suitable for tests and
// single-binary deployments.
package comm

import "context"

// Op names a reduction operator for Allreduce.
type Op int

const (
	// Max computes the elementwise maximum across ranks.
	Max Op = iota
	// Sum computes the elementwise sum across ranks.
	Sum
)

// Request represents an outstanding non-blocking operation, as returned
// by ISend and IRecv. Wait blocks until the operation completes; for a
// receive, it returns the received payload.
type Request interface {
	// Wait blocks until the request completes, returning the received
	// payload (nil for a send request) or an error.
	Wait(ctx context.Context) ([]byte, error)
}

// Communicator is the point-to-point and collective interface that the
// exchange engine (swapm), the flush controller, and the write
// orchestrator use to coordinate compute and I/O tasks. A Communicator
// is scoped to a single process group: implementations must guarantee
// that Rank/Size are stable for the group's lifetime.
type Communicator interface {
	// Rank returns this task's rank within the communicator, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of tasks participating in the communicator.
	Size() int

	// Send blocks until data has been handed off to the transport for
	// delivery to dst under tag.
	Send(ctx context.Context, dst, tag int, data []byte) error
	// RSend is a ready-send: the caller asserts that dst has already
	// posted a matching receive. Implementations that cannot take
	// advantage of this may treat it identically to Send.
	RSend(ctx context.Context, dst, tag int, data []byte) error
	// Recv blocks until a message from src under tag is available, and
	// returns its payload.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// ISend starts a non-blocking send and returns immediately.
	ISend(ctx context.Context, dst, tag int, data []byte) (Request, error)
	// IRecv posts a non-blocking receive and returns immediately; the
	// payload is available once Request.Wait returns.
	IRecv(ctx context.Context, src, tag int) (Request, error)

	// Barrier blocks until every rank in the communicator has called Barrier.
	Barrier(ctx context.Context) error
	// Bcast sends data from root to every rank (root included) and
	// returns the broadcast payload. Non-root callers pass a nil data.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Allreduce combines the local value from every rank with op and
	// returns the combined result to all ranks.
	Allreduce(ctx context.Context, local int64, op Op) (int64, error)
	// Gather collects data from every rank to root; the return value is
	// non-nil only on root, and is ordered by rank.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
}
