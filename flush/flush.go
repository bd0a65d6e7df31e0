// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flush implements the flush controller: the collective
// decision, made after every intended write-multi-buffer append, of
// whether to keep aggregating, rearrange and start a backend write, or
// rearrange and block until that write reaches disk.
package flush

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/pool"
)

// Code is the flush decision returned by NeedsFlush.
type Code int

const (
	// NoFlush means the append may proceed in place.
	NoFlush Code = iota
	// IOFlush means the write-multi-buffer must be rearranged and handed
	// to the backend, freeing the compute-side cache, before the append
	// proceeds.
	IOFlush
	// DiskFlush means the same as IOFlush, and additionally that the
	// backend write must complete (reach disk) before the append
	// proceeds, freeing the I/O-side cache too.
	DiskFlush
)

func (c Code) String() string {
	switch c {
	case NoFlush:
		return "NO_FLUSH"
	case IOFlush:
		return "IO_FLUSH"
	case DiskFlush:
		return "DISK_FLUSH"
	default:
		return "UNKNOWN"
	}
}

// ioFlushSlack is the multiplier applied to the projected next-append
// footprint in the IO_FLUSH heuristic. The original source leaves this
// constant unexplained; it is preserved as-is rather than re-derived.
const ioFlushSlack = 1.1

// DefaultBufferSizeLimit is pio_buffer_size_limit's default: 10 MiB of
// I/O-side cache per file before a disk flush is forced.
const DefaultBufferSizeLimit int64 = 10 << 20

// DefaultMaxCachedIORegions bounds the projected number of contiguous
// I/O-side regions before a disk flush is forced in preference to
// handing the backend an increasingly fragmented request. No default
// is prescribed by this system's origin; 128 is chosen as a
// conservative starting point for a single backend write.
const DefaultMaxCachedIORegions = 128

var globalBufferSizeLimit = struct {
	mu  sync.Mutex
	val int64
}{val: DefaultBufferSizeLimit}

// SetBufferSizeLimit changes the process-wide default for
// pio_buffer_size_limit and returns the previous value. This only
// affects Controllers created after the call: an already-running
// Controller keeps whatever limit it captured at NewController time.
func SetBufferSizeLimit(n int64) int64 {
	globalBufferSizeLimit.mu.Lock()
	defer globalBufferSizeLimit.mu.Unlock()
	old := globalBufferSizeLimit.val
	globalBufferSizeLimit.val = n
	return old
}

func currentBufferSizeLimit() int64 {
	globalBufferSizeLimit.mu.Lock()
	defer globalBufferSizeLimit.mu.Unlock()
	return globalBufferSizeLimit.val
}

// Controller makes and synchronizes flush decisions for one open file.
type Controller struct {
	bufferSizeLimit    int64
	maxCachedIORegions int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxCachedIORegions overrides PIO_MAX_CACHED_IO_REGIONS for this
// Controller.
func WithMaxCachedIORegions(n int) Option {
	return func(c *Controller) { c.maxCachedIORegions = n }
}

// NewController returns a Controller that captures the process-wide
// pio_buffer_size_limit as of this call.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		bufferSizeLimit:    currentBufferSizeLimit(),
		maxCachedIORegions: DefaultMaxCachedIORegions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decision bundles the inputs NeedsFlush's heuristics need. NumArrays
// and Arraylen come from the write-multi-buffer under consideration;
// MaxRegions/MaxFillRegions come from the file's decomposition;
// PoolStats comes from the process-wide buffer pool.
type Decision struct {
	PoolStats      pool.Stats
	NumArrays      int
	Arraylen       int
	MPITypeSize    int
	MaxRegions     int
	MaxFillRegions int
}

// NeedsFlush returns the local (pre-synchronization) flush decision for
// d: an IO_FLUSH check on projected memory pressure, then two
// independent DISK_FLUSH checks
// (I/O-side cache over pio_buffer_size_limit, or too many projected
// contiguous regions). Wherever multiple thresholds are crossed at
// once, the strongest applicable code wins, since NeedsFlush's result
// still has to survive an all-reduce MAX across every compute task.
func (c *Controller) NeedsFlush(d Decision) Code {
	code := NoFlush

	projected := ioFlushSlack * float64(1+d.NumArrays) * float64(d.Arraylen) * float64(d.MPITypeSize)
	if float64(d.PoolStats.MaxFree) <= projected {
		code = IOFlush
	}

	if d.PoolStats.CurAlloc >= c.bufferSizeLimit {
		code = DiskFlush
	}

	maxRegions := d.MaxRegions
	if d.MaxFillRegions > maxRegions {
		maxRegions = d.MaxFillRegions
	}
	if (1+d.NumArrays)*maxRegions > c.maxCachedIORegions {
		code = DiskFlush
	}

	return code
}

// Synchronize all-reduces local across the compute communicator with
// MAX, so that every compute task agrees on the same flush decision —
// a hard requirement for the downstream collective rearrangement, which
// would deadlock if tasks disagreed about whether a flush is happening
// at all.
func Synchronize(ctx context.Context, c comm.Communicator, local Code) (Code, error) {
	const op = "flush.Synchronize"
	v, err := c.Allreduce(ctx, int64(local), comm.Max)
	if err != nil {
		return NoFlush, errors.E(op, err)
	}
	return Code(v), nil
}
