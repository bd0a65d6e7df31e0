// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool implements the process-wide buffer pool that backs
// write-multi-buffers, scratch I/O buffers, and holegrid fill buffers.
// It is shared across every open file in a process, not allocated
// per-file, and exposes live statistics that the flush controller
// depends on to decide when a write-multi-buffer must drain.
package pool

import (
	"expvar"
	"fmt"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

var (
	poolGets     = expvar.NewInt("pario.pool.gets")
	poolReleases = expvar.NewInt("pario.pool.releases")
)

// Block is a handle to a pool-managed allocation. Its zero value is not
// usable; Blocks are minted by Acquire and consumed by Grow/Release.
type Block struct {
	data  []byte
	size  int // logical length requested by the caller
	class int // owning size class index in a Slab pool, -1 elsewhere
}

// Bytes returns the block's storage, truncated to the size last
// requested via Acquire or Grow. The returned slice aliases the pool's
// backing array and must not be retained past Release.
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[:b.size]
}

// Len returns the block's current logical size in bytes.
func (b *Block) Len() int { return b.size }

// Stats is a snapshot of a Pool's live memory usage. It is deliberately
// a plain value type (not an accessor interface) so that callers, in
// particular the flush controller, can hold a stable snapshot across the
// several checks that make up a single flush decision.
type Stats struct {
	// CurAlloc is the number of bytes currently handed out to callers.
	CurAlloc int64
	// TotFree is the total number of bytes held in the pool's free
	// lists, available for reuse without growing the process's memory
	// footprint.
	TotFree int64
	// MaxFree is the size of the largest single contiguous free block.
	// The flush controller's IO_FLUSH heuristic depends on this being a
	// tight bound, not merely an upper bound.
	MaxFree int64
	// Gets and Releases count calls to Acquire and Release respectively,
	// including those that failed.
	Gets, Releases uint64
}

// String renders s using human-readable byte sizes, in the idiom used
// elsewhere in this codebase for memory-pressure log lines.
func (s Stats) String() string {
	return fmt.Sprintf("curalloc:%s totfree:%s maxfree:%s gets:%d releases:%d",
		data.Size(s.CurAlloc), data.Size(s.TotFree), data.Size(s.MaxFree), s.Gets, s.Releases)
}

// Pool is a process-wide slab allocator. Two variants are provided:
// Slab (the default, an integrated free-list allocator) and Malloc
// (delegates to the Go runtime allocator). Both variants are safe for
// concurrent use by multiple goroutines, but a single Pool is expected
// to be touched only by the tasks running in one process — there is no
// cross-process sharing.
type Pool interface {
	// Acquire returns a Block backed by a zero-filled contiguous region
	// of at least n bytes, or fails with an Invalid/OOM error.
	Acquire(n int) (*Block, error)
	// Grow resizes b in place to at least n bytes, preserving its
	// existing contents. On failure b is left valid at its old size.
	Grow(b *Block, n int) error
	// Release returns b to the pool. Releasing the same Block twice, or
	// a Block acquired from a different Pool, is a bug: the pool does
	// not attempt to detect it.
	Release(b *Block)
	// Stats returns a snapshot of the pool's current usage.
	Stats() Stats
}

func newOOM(op string, n int) error {
	return errors.E(errors.OOM, errors.Fatal, op, fmt.Sprintf("out of memory: requested %s", data.Size(n)))
}

func newInvalid(op, msg string) error {
	return errors.E(errors.Invalid, op, msg)
}

func trackGet() {
	poolGets.Add(1)
}

func trackRelease() {
	poolReleases.Add(1)
}

func logAcquire(n int, err error) {
	if err != nil {
		log.Printf("pool: acquire %s failed: %v", data.Size(n), err)
		return
	}
	log.Debug.Printf("pool: acquired %s", data.Size(n))
}
