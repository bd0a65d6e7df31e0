// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package backend defines the narrow write/read contract the write
// orchestrator dispatches to once data has been rearranged into I/O
// layout. The actual file-format adapters (classic and parallel
// variants of the storage format) are external collaborators outside
// this module's scope; this package fixes the interface plus an
// in-memory implementation for tests.
package backend

import (
	"context"

	"github.com/grailbio/pario/comm"
)

// Type identifies which file-format adapter a File is bound to. The
// write orchestrator's dispatch and buffer-sizing decisions depend on
// which of these four a File uses.
type Type int

const (
	// SerialV3 funnels every I/O task's payload through the I/O master,
	// which issues one classic-format write per record.
	SerialV3 Type = iota
	// SerialV4 is SerialV3 against the newer classic-format revision.
	SerialV4
	// ParallelV3 writes independently from every I/O task using
	// nonblocking parallel I/O; it owns its scratch buffers until an
	// explicit FlushOutputBuffer call completes them.
	ParallelV3
	// ParallelV4 is ParallelV3 against the newer parallel-format revision.
	ParallelV4
)

func (t Type) String() string {
	switch t {
	case SerialV3:
		return "SERIAL_V3"
	case SerialV4:
		return "SERIAL_V4"
	case ParallelV3:
		return "PARALLEL_V3"
	case ParallelV4:
		return "PARALLEL_V4"
	default:
		return "UNKNOWN"
	}
}

// IsSerial reports whether t funnels writes through an I/O master.
func (t Type) IsSerial() bool { return t == SerialV3 || t == SerialV4 }

// IsParallel reports whether t writes independently from every I/O task.
func (t Type) IsParallel() bool { return t == ParallelV3 || t == ParallelV4 }

// IsNonblocking reports whether t defers write completion to an
// explicit FlushOutputBuffer call.
func (t Type) IsNonblocking() bool { return t == ParallelV3 }

// Mode selects which half of a decomposition's coverage a write
// targets: the data itself, or the fill value written into a Subset
// decomposition's uncovered holegrid slots.
type Mode int

const (
	// Data writes the rearranged array payload.
	Data Mode = iota
	// Fill writes the fill value into holegrid slots.
	Fill
)

func (m Mode) String() string {
	if m == Fill {
		return "FILL"
	}
	return "DATA"
}

// WriteRequest describes one write_darray_multi-equivalent backend
// call. Data holds this task's contribution: PerVarElems elements per
// variable in VarIDs, contiguous and in the same order, each PerVarElems
// long (the decomposition's MaxIOBufLen for Mode == Data, the
// appropriate holegrid length for Mode == Fill).
type WriteRequest struct {
	FileID      string
	FNDims      int
	VarIDs      []int
	Frame       []int // per-variable record frame, -1 for non-record vars
	Mode        Mode
	PerVarElems int
	ElemSize    int
	Data        []byte
}

// ReadRequest is WriteRequest's read-side counterpart: it names what to
// retrieve rather than carrying payload.
type ReadRequest struct {
	FileID      string
	VarID       int
	Frame       int
	PerVarElems int
	ElemSize    int
}

// Backend is the file-format adapter contract the write orchestrator
// dispatches to. Root is the I/O master's rank within c, meaningful
// only for a serial Backend: parallel backends write independently and
// ignore it. A Backend is bound to one open file's Type for its
// lifetime.
type Backend interface {
	Type() Type
	// WriteDarrayMulti writes req's payload. For a serial Backend, every
	// participating rank must call this together: it collects each
	// rank's contribution to the I/O master (root) over c before issuing
	// the actual write.
	WriteDarrayMulti(ctx context.Context, c comm.Communicator, root int, req WriteRequest) error
	// ReadDarrayMulti retrieves the payload identified by req for the
	// calling rank. For a serial Backend, every participating rank must
	// call this together.
	ReadDarrayMulti(ctx context.Context, c comm.Communicator, root int, req ReadRequest) ([]byte, error)
	// FlushOutputBuffer completes any writes this Backend has deferred.
	// It is a no-op for every Type except ParallelV3, whose nonblocking
	// writes are only guaranteed complete once this returns.
	FlushOutputBuffer(ctx context.Context, waitForDisk bool) error
}
