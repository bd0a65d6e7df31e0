// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wmb implements the write-multi-buffer: the in-memory
// aggregation cache that a compute task uses to batch several
// variables' worth of a decomposition-shaped array before the flush
// controller rearranges and drains it to the I/O side. A file may hold
// several buffers, one per (ioid, recordvar) pair, all backed by a
// single process-wide pool.Pool.
package wmb

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/pool"
)

// key identifies a write-multi-buffer within a Cache: a decomposition
// and whether it aggregates record (unlimited-dimension) variables,
// which never share a buffer with non-record variables.
type key struct {
	ioid      int
	recordvar bool
}

// Buffer is a single write-multi-buffer. Every payload appended to a
// Buffer must share the same decomposition, element size, and record
// flag (invariant W1); Buffer enforces this rather than trusting
// callers, since a violation here would silently corrupt the eventual
// rearrangement.
type Buffer struct {
	IOID      int
	RecordVar bool

	mu        sync.Mutex
	pool      pool.Pool
	block     *pool.Block
	arraylen  int // elements per payload slot, fixed by the first Append
	elemSize  int // bytes per element, fixed by the first Append
	slots     int // number of payload slots currently packed into block
	vid       []int
	fillvalue [][]byte
	frame     []int
}

// NumArrays returns the number of payload slots appended into b so far
// — the length of its parallel vid/frame/fillvalue/data arrays. It
// grows by one on every Append, including repeat appends of the same
// variable across record frames; the flush controller's budget
// projection uses it to estimate the buffer's footprint after one more
// append.
func (b *Buffer) NumArrays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots
}

// ArrayLen returns the per-slot element count fixed by this buffer's
// first Append, or 0 if the buffer is still empty.
func (b *Buffer) ArrayLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arraylen
}

// Bytes returns the packed payload data appended so far. The returned
// slice aliases the buffer's pool-managed storage and must not be
// retained past a Reset or Release.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block == nil {
		return nil
	}
	return b.block.Bytes()
}

// Vars returns the per-slot variable ids, fill values, and record
// frames appended so far, in append order.
func (b *Buffer) Vars() (vid []int, fillvalue [][]byte, frame []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.vid...), append([][]byte(nil), b.fillvalue...), append([]int(nil), b.frame...)
}

// Append packs one variable's payload into b, growing the buffer's
// backing storage by exactly one slot of arraylen*elemSize bytes (W2).
// The first Append on an empty buffer fixes arraylen and elemSize for
// its lifetime; subsequent calls must agree or Append fails Invalid.
func (b *Buffer) Append(varid, arraylen, elemSize int, payload, fillvalue []byte, frame int) error {
	const op = "wmb.Buffer.Append"
	if len(payload) != arraylen*elemSize {
		return errors.E(errors.Invalid, op, "payload length must equal arraylen*elemSize")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block == nil {
		blk, err := b.pool.Acquire(arraylen * elemSize)
		if err != nil {
			return errors.E(op, err)
		}
		b.block = blk
		b.arraylen = arraylen
		b.elemSize = elemSize
	} else if arraylen != b.arraylen || elemSize != b.elemSize {
		return errors.E(errors.Invalid, op, "arraylen/elemSize mismatch within a write-multi-buffer")
	} else {
		want := (b.slots + 1) * b.arraylen * b.elemSize
		if err := b.pool.Grow(b.block, want); err != nil {
			return errors.E(op, err)
		}
	}

	off := b.slots * b.arraylen * b.elemSize
	copy(b.block.Bytes()[off:off+len(payload)], payload)
	b.slots++
	b.vid = append(b.vid, varid)
	b.fillvalue = append(b.fillvalue, append([]byte(nil), fillvalue...))
	b.frame = append(b.frame, frame)
	return nil
}

// Reset releases b's backing storage back to its pool and clears its
// per-slot state, so that a flushed buffer can be reused for the next
// aggregation cycle instead of being discarded.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block != nil {
		b.pool.Release(b.block)
	}
	b.block = nil
	b.arraylen = 0
	b.elemSize = 0
	b.slots = 0
	b.vid = nil
	b.fillvalue = nil
	b.frame = nil
}

// Cache holds the write-multi-buffers open on a file, one per (ioid,
// recordvar) pair.
type Cache struct {
	mu      sync.Mutex
	pool    pool.Pool
	buffers map[key]*Buffer
}

// NewCache returns an empty Cache whose buffers acquire storage from p.
func NewCache(p pool.Pool) *Cache {
	return &Cache{pool: p, buffers: make(map[key]*Buffer)}
}

// Lookup returns the buffer for (ioid, recordvar), or nil if none has
// been created yet.
func (c *Cache) Lookup(ioid int, recordvar bool) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers[key{ioid, recordvar}]
}

// Create allocates and registers a new, empty buffer for (ioid,
// recordvar). It fails with Exists if one is already registered.
func (c *Cache) Create(ioid int, recordvar bool) (*Buffer, error) {
	const op = "wmb.Cache.Create"
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{ioid, recordvar}
	if _, ok := c.buffers[k]; ok {
		return nil, errors.E(errors.Exists, op, "write-multi-buffer already exists for this (ioid, recordvar)")
	}
	b := &Buffer{IOID: ioid, RecordVar: recordvar, pool: c.pool}
	c.buffers[k] = b
	return b, nil
}

// Delete removes and resets the buffer for (ioid, recordvar), releasing
// its storage. It is a no-op if none exists.
func (c *Cache) Delete(ioid int, recordvar bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{ioid, recordvar}
	if b, ok := c.buffers[k]; ok {
		b.Reset()
		delete(c.buffers, k)
	}
}

// All returns every buffer currently registered in c, for use by the
// flush controller when a global flush must drain every open buffer at
// once (e.g. on file close).
func (c *Cache) All() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		out = append(out, b)
	}
	return out
}
