// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/swapm"
)

// regionKey identifies one I/O task's persisted contribution to one
// variable's data, the in-memory analogue of a hyperslab written to a
// real backing file.
type regionKey struct {
	rank, varid, frame int
	mode               Mode
}

// Memory is an in-memory Backend, standing in for a real file-format
// adapter in tests. It keeps one buffer per (rank, varid, frame, mode)
// rather than reconstructing a single shared array, since nothing in
// this module needs to read back a file's global layout — only what
// each I/O task wrote, which is exactly what ReadDarrayMulti hands
// back. This mirrors the map-of-buffers idiom used elsewhere in this
// codebase for other in-memory test doubles, keyed here on the
// (rank, variable, frame, mode) tuple a write can't collide on rather
// than on (task, partition).
type Memory struct {
	typ Type

	mu      sync.Mutex
	regions map[regionKey][]byte
}

// NewMemory returns an in-memory Backend of the given Type.
func NewMemory(typ Type) *Memory {
	return &Memory{typ: typ, regions: make(map[regionKey][]byte)}
}

func (m *Memory) Type() Type { return m.typ }

func (m *Memory) put(rank int, varid, frame int, mode Mode, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[regionKey{rank, varid, frame, mode}] = append([]byte(nil), data...)
}

func (m *Memory) get(rank, varid, frame int, mode Mode) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.regions[regionKey{rank, varid, frame, mode}]
	return data, ok
}

// WriteDarrayMulti stores req.Data. Parallel backends store each rank's
// contribution directly, mirroring independent hyperslab writes;
// serial backends first collect every rank's contribution to root via
// swapm.Gather, which collects to the I/O-master and writes one record
// at a time, and only root actually persists anything.
func (m *Memory) WriteDarrayMulti(ctx context.Context, c comm.Communicator, root int, req WriteRequest) error {
	const op = "backend.Memory.WriteDarrayMulti"
	if err := validateWriteRequest(req); err != nil {
		return errors.E(op, err)
	}

	if m.typ.IsParallel() {
		m.storeSplit(c.Rank(), req)
		return nil
	}

	gathered, err := swapm.Gather(ctx, c, root, req.Data, swapm.MaxGatherBlockSize)
	if err != nil {
		return errors.E(op, err)
	}
	if c.Rank() != root {
		return nil
	}
	for rank, data := range gathered {
		m.storeSplit(rank, WriteRequest{
			VarIDs:      req.VarIDs,
			Frame:       req.Frame,
			Mode:        req.Mode,
			PerVarElems: req.PerVarElems,
			ElemSize:    req.ElemSize,
			Data:        data,
		})
	}
	return nil
}

func (m *Memory) storeSplit(rank int, req WriteRequest) {
	slot := req.PerVarElems * req.ElemSize
	for i, varid := range req.VarIDs {
		frame := -1
		if i < len(req.Frame) {
			frame = req.Frame[i]
		}
		off := i * slot
		if off+slot > len(req.Data) {
			continue
		}
		m.put(rank, varid, frame, req.Mode, req.Data[off:off+slot])
	}
}

// ReadDarrayMulti retrieves the calling rank's own contribution to
// req.VarID/req.Frame. For a serial Backend, only root actually holds
// the data (it was collected there on write), so root looks it up and
// distributes it back to every rank over c; a parallel Backend's data
// already lives with the rank that wrote it.
func (m *Memory) ReadDarrayMulti(ctx context.Context, c comm.Communicator, root int, req ReadRequest) ([]byte, error) {
	const op = "backend.Memory.ReadDarrayMulti"
	mode := Data

	if m.typ.IsParallel() {
		data, ok := m.get(c.Rank(), req.VarID, req.Frame, mode)
		if !ok {
			return nil, errors.E(errors.NotExist, op, fmt.Sprintf("no data for var %d frame %d", req.VarID, req.Frame))
		}
		return data, nil
	}

	// Serial: root looks up every rank's region and sends it back;
	// non-root ranks simply wait to receive theirs. This mirrors the
	// original serial read path's rank-by-rank distribution from the
	// I/O master.
	const readTag = 1 << 20
	if c.Rank() == root {
		for rank := 0; rank < c.Size(); rank++ {
			data, ok := m.get(rank, req.VarID, req.Frame, mode)
			if !ok {
				return nil, errors.E(errors.NotExist, op, fmt.Sprintf("no data for rank %d var %d frame %d", rank, req.VarID, req.Frame))
			}
			if rank == root {
				continue
			}
			if err := c.Send(ctx, rank, readTag, data); err != nil {
				return nil, errors.E(op, err)
			}
		}
		data, _ := m.get(root, req.VarID, req.Frame, mode)
		return data, nil
	}
	data, err := c.Recv(ctx, root, readTag)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return data, nil
}

// Region exposes one stored (rank, varid, frame, mode) contribution,
// for tests that need to verify which of a Subset write's two backend
// calls — DATA or FILL — a given byte range actually landed in.
func (m *Memory) Region(rank, varid, frame int, mode Mode) ([]byte, bool) {
	return m.get(rank, varid, frame, mode)
}

// FlushOutputBuffer is a no-op: Memory never defers a write past
// WriteDarrayMulti's return, so there is nothing for ParallelV3's
// nonblocking-completion contract to complete.
func (m *Memory) FlushOutputBuffer(ctx context.Context, waitForDisk bool) error { return nil }

func validateWriteRequest(req WriteRequest) error {
	const op = "backend.WriteRequest"
	if len(req.VarIDs) == 0 {
		return errors.E(errors.Invalid, op, "no variables in request")
	}
	if req.PerVarElems < 0 || req.ElemSize <= 0 {
		return errors.E(errors.Invalid, op, "invalid element sizing")
	}
	if len(req.Data) != len(req.VarIDs)*req.PerVarElems*req.ElemSize {
		return errors.E(errors.Invalid, op, "Data length does not match VarIDs*PerVarElems*ElemSize")
	}
	return nil
}
