// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the write orchestrator and async dispatcher:
// the multi-variable write coordinator that allocates I/O-side scratch,
// drives rearrangement, dispatches to a backend, and runs the
// sparse-decomposition holegrid fill pass, plus the message loop that
// lets disjoint compute and I/O task groups cooperate on a write.
package exec

import (
	"sync"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/metrics"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/rearrange"
	"github.com/grailbio/pario/swapm"
	"github.com/grailbio/pario/wmb"
)

// Package-wide metrics, merged into a File's Metrics scope: one Counter
// per file-write outcome, counted the same way regardless of which
// File instance is doing the counting.
var (
	metricFlushes       = metrics.NewCounter()
	metricDiskFlushes   = metrics.NewCounter()
	metricBytesWritten  = metrics.NewCounter()
	metricHoleFills     = metrics.NewCounter()
	metricAsyncDispatch = metrics.NewCounter()
)

// Mode is a bitmask of the permissions a File was opened with.
type Mode int

const (
	// Read permits read_darray calls.
	Read Mode = 1 << iota
	// Write permits write_darray/write_darray_multi calls.
	Write
)

// decomp bundles a decomposition descriptor with the rearrangement
// geometry (Map) that goes with it; a File may have several open at
// once, one per ioid in use.
type decomp struct {
	desc *iodesc.Desc
	m    *rearrange.Map
}

// File is a single open file's handle: its backend binding, mode,
// registered decompositions and variables, the chain of per-(ioid,
// recordvar) write-multi-buffers, and the transient I/O-side scratch
// buffers a write allocates. At most one iobuf may be outstanding at a
// time; the write path asserts this.
type File struct {
	// NCID is this file's numeric handle, carried on the wire by the
	// async dispatcher the way a real netCDF id would be.
	NCID    int
	ID      string
	Sys     *iosystem.IOSystem
	Backend backend.Backend
	Mode    Mode
	Pool    pool.Pool
	Flush   *flush.Controller
	WMB     *wmb.Cache

	// Exchange configures every swapm.Exchange this file's rearrangements
	// issue. The zero value serializes the exchange, which is always
	// correct if not always fastest.
	Exchange swapm.Options

	// Metrics accumulates this file's flush/write/hole-fill counters.
	// Its zero value is a valid, empty scope; a host application that
	// wants per-run totals across many files merges each File's Metrics
	// into one Scope with Scope.Merge.
	Metrics metrics.Scope

	mu      sync.Mutex
	decomps map[int]*decomp
	vars    map[int]*Variable

	iobuf   *pool.Block
	fillbuf *pool.Block
}

// NewFile returns an empty File bound to be, using p for every buffer
// it allocates (write-multi-buffers, iobuf, fillbuf) and ctrl for its
// flush decisions.
func NewFile(ncid int, id string, sys *iosystem.IOSystem, be backend.Backend, mode Mode, p pool.Pool, ctrl *flush.Controller) *File {
	return &File{
		NCID:    ncid,
		ID:      id,
		Sys:     sys,
		Backend: be,
		Mode:    mode,
		Pool:    p,
		Flush:   ctrl,
		WMB:     wmb.NewCache(p),
		decomps: make(map[int]*decomp),
		vars:    make(map[int]*Variable),
	}
}

// Writable reports whether f was opened for writing.
func (f *File) Writable() bool { return f.Mode&Write != 0 }

// Readable reports whether f was opened for reading.
func (f *File) Readable() bool { return f.Mode&Read != 0 }

// RegisterDecomp associates ioid with a decomposition and its
// rearrangement geometry. It must be called before any write or read
// that names ioid.
func (f *File) RegisterDecomp(ioid int, m *rearrange.Map) error {
	const op = "exec.File.RegisterDecomp"
	if m == nil || m.Desc == nil {
		return errors.E(errors.Invalid, op, "nil map or descriptor")
	}
	if m.Desc.Rearranger() != iodesc.Box && m.Desc.Rearranger() != iodesc.Subset {
		return errors.E(errors.Invalid, op, "decomposition must be BOX or SUBSET")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decomps[ioid] = &decomp{desc: m.Desc, m: m}
	return nil
}

func (f *File) lookupDecomp(op string, ioid int) (*decomp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decomps[ioid]
	if !ok {
		return nil, errors.E(errors.NotExist, op, "unknown decomposition id")
	}
	return d, nil
}

// RegisterVar adds v to f's set of known variables, keyed by v.ID.
func (f *File) RegisterVar(v *Variable) error {
	const op = "exec.File.RegisterVar"
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vars[v.ID]; ok {
		return errors.E(errors.Exists, op, "variable already registered")
	}
	f.vars[v.ID] = v
	return nil
}

func (f *File) lookupVar(op string, id int) (*Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[id]
	if !ok {
		return nil, errors.E(errors.NotExist, op, "unknown variable id")
	}
	return v, nil
}

// setIOBuf records the outstanding iobuf, asserting the at-most-one
// invariant.
func (f *File) setIOBuf(op string, b *pool.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iobuf != nil {
		return errors.E(errors.Invalid, op, "iobuf already outstanding for this file")
	}
	f.iobuf = b
	return nil
}

func (f *File) clearIOBuf() {
	f.mu.Lock()
	f.iobuf = nil
	f.mu.Unlock()
}

// HasOutstandingIOBuf reports whether f currently owns an iobuf,
// e.g. from a previously buffered PARALLEL_V3 write.
func (f *File) HasOutstandingIOBuf() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iobuf != nil
}

// FlushCount returns the number of write-multi-buffer flushes f has
// performed so far (both IO_FLUSH and DISK_FLUSH).
func (f *File) FlushCount() int64 { return metricFlushes.Value(&f.Metrics) }

// DiskFlushCount returns the subset of FlushCount that additionally
// waited for the backend write to reach disk.
func (f *File) DiskFlushCount() int64 { return metricDiskFlushes.Value(&f.Metrics) }

// BytesWritten returns the total payload bytes f has flushed to its
// backend so far, across every write-multi-buffer.
func (f *File) BytesWritten() int64 { return metricBytesWritten.Value(&f.Metrics) }

// HoleFillCount returns the number of Subset holegrid fill passes f has
// issued so far.
func (f *File) HoleFillCount() int64 { return metricHoleFills.Value(&f.Metrics) }
