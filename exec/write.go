// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/rearrange"
	"github.com/grailbio/pario/swapm"
	"github.com/grailbio/pario/wmb"
)

func (f *File) recordFlush(code flush.Code, n int) {
	metricFlushes.Incr(&f.Metrics, 1)
	if code == flush.DiskFlush {
		metricDiskFlushes.Incr(&f.Metrics, 1)
	}
	metricBytesWritten.Incr(&f.Metrics, int64(n))
}

// WriteRequest describes one write_darray_multi call: nvars variables,
// all sharing one decomposition and element count, written together so
// the backend sees one region-cap-bounded batch instead of nvars
// separate ones.
type WriteRequest struct {
	NCID        int
	VarIDs      []int
	IOID        int
	Arraylen    int
	Data        []byte   // len(VarIDs) * Arraylen * decomp element size, contiguous
	Frame       []int    // nil unless at least one variable is a record variable
	FillValue   [][]byte // nil unless at least one variable needs fill
	FlushToDisk bool
	FNDims      int
}

func fillvalueFor(req WriteRequest, i, elemSize int) []byte {
	if i < len(req.FillValue) && len(req.FillValue[i]) == elemSize {
		return req.FillValue[i]
	}
	return nil
}

// fillRegion writes fv into count consecutive elemSize-byte elements of
// dst starting at offset. It is a no-op when fv is absent, since every
// pool.Block starts zero-filled already.
func fillRegion(dst []byte, offset, count, elemSize int, fv []byte) {
	if len(fv) != elemSize {
		return
	}
	for i := 0; i < count; i++ {
		start := offset + i*elemSize
		copy(dst[start:start+elemSize], fv)
	}
}

func (f *File) validateWrite(op string, req WriteRequest) error {
	if len(req.VarIDs) == 0 {
		return errors.E(errors.Invalid, op, "nvars must be > 0")
	}
	for _, id := range req.VarIDs {
		if id < 0 || id > MaxVars {
			return errors.E(errors.Invalid, op, "varid out of range")
		}
	}
	if !f.Writable() {
		return errors.E(errors.NotAllowed, op, "file not opened for write")
	}
	return nil
}

// WriteDarrayMulti is the direct multi-variable write entry point: it
// rearranges req.Data from compute layout to I/O layout, dispatches it
// to the backend, and, for a Subset decomposition that needs fill,
// drives the holegrid fill pass. On an async system, a compute-only
// caller first hands req to the I/O task group via the async
// dispatcher before the two groups proceed through the shared body
// together.
func (f *File) WriteDarrayMulti(ctx context.Context, req WriteRequest) error {
	const op = "exec.File.WriteDarrayMulti"
	if err := f.validateWrite(op, req); err != nil {
		return err
	}
	if f.Sys.Async && !f.Sys.IOProc {
		if err := dispatchAsync(ctx, f.Sys, &req); err != nil {
			return errors.E(op, err)
		}
	}
	if err := f.writeDarrayMultiBody(ctx, req); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// writeDarrayMultiBody runs the rearrange-dispatch-fill sequence common
// to every write path. It is called directly by a non-async task, by
// an async compute task once it has broadcast req,
// and by an async I/O task's ServeAsync loop once it has received req.
func (f *File) writeDarrayMultiBody(ctx context.Context, req WriteRequest) error {
	const op = "exec.File.writeDarrayMultiBody"
	dc, err := f.lookupDecomp(op, req.IOID)
	if err != nil {
		return err
	}
	elemSize := dc.desc.MPITypeSize()
	nvars := len(req.VarIDs)
	if want := nvars * req.Arraylen * elemSize; len(req.Data) != want {
		return errors.E(errors.Invalid, op, "Data length does not match nvars*arraylen*elemSize")
	}

	if f.Sys.IOProc {
		// Step 3: parallel backend pre-flush.
		if f.Backend.Type() == backend.ParallelV3 && f.HasOutstandingIOBuf() {
			if err := f.Backend.FlushOutputBuffer(ctx, true); err != nil {
				return err
			}
			f.clearIOBuf()
		}
		if f.HasOutstandingIOBuf() {
			return errors.E(errors.Invalid, op, "iobuf still outstanding after pre-flush")
		}
	}

	// Step 4: allocate iobuf. Only the I/O side owns a scratch buffer;
	// compute-only tasks in an async system have nothing to allocate
	// here, only data to contribute to the exchange in step 5.
	var iobuf *pool.Block
	if f.Sys.IOProc {
		slotLen := dc.desc.MaxIOBufLen() * elemSize
		allocLen := nvars * slotLen
		if allocLen == 0 && f.Backend.Type() == backend.ParallelV3 {
			allocLen = 1
		}
		blk, err := f.Pool.Acquire(allocLen)
		if err != nil {
			return errors.E(op, err)
		}
		if err := f.setIOBuf(op, blk); err != nil {
			f.Pool.Release(blk)
			return err
		}
		iobuf = blk
		if dc.desc.NeedsFill() && dc.desc.Rearranger() == iodesc.Box {
			for i := range req.VarIDs {
				fillRegion(blk.Bytes(), i*slotLen, dc.desc.MaxIOBufLen(), elemSize, fillvalueFor(req, i, elemSize))
			}
		}
	}

	// Step 5: rearrange compute -> IO. Every task in the union
	// participates, since the exchange spans both groups; only IOProc
	// tasks have a slot in iobuf to receive into.
	for i, varid := range req.VarIDs {
		_ = varid
		src := req.Data[i*req.Arraylen*elemSize : (i+1)*req.Arraylen*elemSize]
		fv := fillvalueFor(req, i, elemSize)
		out, err := rearrange.Comp2IO(ctx, f.Sys.Union, dc.m, src, fv, f.exchangeOptions())
		if err != nil {
			f.releaseIOBufOnError(iobuf)
			return err
		}
		if iobuf != nil {
			slotLen := dc.desc.MaxIOBufLen() * elemSize
			copy(iobuf.Bytes()[i*slotLen:i*slotLen+len(out)], out)
		}
	}

	if !f.Sys.IOProc {
		return nil
	}

	// Step 6: backend dispatch, mode DATA.
	wreq := backend.WriteRequest{
		FileID:      f.ID,
		FNDims:      req.FNDims,
		VarIDs:      req.VarIDs,
		Frame:       req.Frame,
		Mode:        backend.Data,
		PerVarElems: dc.desc.MaxIOBufLen(),
		ElemSize:    elemSize,
		Data:        iobuf.Bytes(),
	}
	if err := f.Backend.WriteDarrayMulti(ctx, f.Sys.IO, 0, wreq); err != nil {
		f.releaseIOBufOnError(iobuf)
		return err
	}

	// Step 7: free iobuf, except for the deferred-release contract.
	if f.Backend.Type() != backend.ParallelV3 {
		f.Pool.Release(iobuf)
		f.clearIOBuf()
	}

	// Step 8: hole fill pass.
	if dc.desc.Rearranger() == iodesc.Subset && dc.desc.NeedsFill() {
		if err := f.holeFillPass(ctx, dc, req); err != nil {
			return err
		}
	}

	// Step 9: completion.
	if f.Backend.Type() == backend.ParallelV3 {
		if err := f.Backend.FlushOutputBuffer(ctx, req.FlushToDisk); err != nil {
			return err
		}
	} else {
		f.resetPendingCounters(req.VarIDs)
	}
	return nil
}

func (f *File) releaseIOBufOnError(iobuf *pool.Block) {
	if iobuf == nil || f.Backend.Type() == backend.ParallelV3 {
		return
	}
	f.Pool.Release(iobuf)
	f.clearIOBuf()
}

// holeFillPass allocates fillbuf, pre-fills it with each variable's
// fill value, and dispatches it to the backend with mode FILL. The
// scratch is sized to the global maximum on the I/O master when the
// backend is serial (it funnels every I/O task's region through
// itself), and to the local holegrid size everywhere else.
func (f *File) holeFillPass(ctx context.Context, dc *decomp, req WriteRequest) error {
	const op = "exec.File.holeFillPass"
	elemSize := dc.desc.MPITypeSize()
	nvars := len(req.VarIDs)

	size := dc.desc.HoleGridSize()
	if f.Sys.IOMaster && f.Backend.Type().IsSerial() {
		size = dc.desc.MaxHoleGridSize()
	}
	blk, err := f.Pool.Acquire(size * nvars * elemSize)
	if err != nil {
		return errors.E(op, err)
	}
	f.mu.Lock()
	f.fillbuf = blk
	f.mu.Unlock()

	for i := range req.VarIDs {
		fillRegion(blk.Bytes(), i*size*elemSize, size, elemSize, fillvalueFor(req, i, elemSize))
	}

	freq := backend.WriteRequest{
		FileID:      f.ID,
		FNDims:      req.FNDims,
		VarIDs:      req.VarIDs,
		Frame:       req.Frame,
		Mode:        backend.Fill,
		PerVarElems: size,
		ElemSize:    elemSize,
		Data:        blk.Bytes(),
	}
	if err := f.Backend.WriteDarrayMulti(ctx, f.Sys.IO, 0, freq); err != nil {
		f.Pool.Release(blk)
		f.mu.Lock()
		f.fillbuf = nil
		f.mu.Unlock()
		return errors.E(op, err)
	}

	if f.Backend.Type() != backend.ParallelV3 {
		f.Pool.Release(blk)
		f.mu.Lock()
		f.fillbuf = nil
		f.mu.Unlock()
	}
	metricHoleFills.Incr(&f.Metrics, 1)
	return nil
}

func (f *File) resetPendingCounters(varids []int) {
	for _, id := range varids {
		if v, err := f.lookupVar("exec.File.resetPendingCounters", id); err == nil {
			v.ResetPending()
		}
	}
}

// exchangeOptions returns the swapm.Options this file's rearrangements
// use. The zero value is a valid, strictly serialized configuration;
// callers wanting handshake/isend/max_requests tuning set Exchange
// directly.
func (f *File) exchangeOptions() swapm.Options { return f.Exchange }

// WriteDarray is the single-variable write entry point: it packs
// payload into the write-multi-buffer for (ioid, v.IsRecord()),
// consulting the flush controller beforehand so an in-flight flush
// happens before the new payload is ever appended: decide, synchronize,
// flush, then append.
func (f *File) WriteDarray(ctx context.Context, varid, ioid, arraylen int, array, fillvalue []byte) error {
	const op = "exec.File.WriteDarray"
	if !f.Writable() {
		return errors.E(errors.NotAllowed, op, "file not opened for write")
	}
	v, err := f.lookupVar(op, varid)
	if err != nil {
		return err
	}
	dc, err := f.lookupDecomp(op, ioid)
	if err != nil {
		return err
	}
	if arraylen < dc.desc.NDOF() {
		return errors.E(errors.Invalid, op, "arraylen must be >= decomposition ndof")
	}
	if len(array) < dc.desc.NDOF()*v.ElemSize {
		return errors.E(errors.Invalid, op, "array shorter than ndof*elemSize")
	}
	payload := array[:dc.desc.NDOF()*v.ElemSize]

	b := f.WMB.Lookup(ioid, v.IsRecord())
	if b == nil {
		b, err = f.WMB.Create(ioid, v.IsRecord())
		if err != nil {
			return errors.E(op, err)
		}
	}

	stats := f.Pool.Stats()
	code := f.Flush.NeedsFlush(flush.Decision{
		PoolStats:      stats,
		NumArrays:      b.NumArrays(),
		Arraylen:       dc.desc.NDOF(),
		MPITypeSize:    dc.desc.MPITypeSize(),
		MaxRegions:     dc.desc.MaxRegions(),
		MaxFillRegions: dc.desc.MaxFillRegions(),
	})
	code, err = flush.Synchronize(ctx, f.Sys.Compute, code)
	if err != nil {
		return errors.E(op, err)
	}
	if code > flush.NoFlush {
		if err := f.flushBuffer(ctx, ioid, b, code == flush.DiskFlush); err != nil {
			return errors.E(op, err)
		}
	}

	frame := -1
	if v.IsRecord() {
		frame = v.Frame
	}
	if err := b.Append(varid, dc.desc.NDOF(), v.ElemSize, payload, fillvalue, frame); err != nil {
		return errors.E(op, err)
	}
	v.AddPending(int64(len(payload)))
	return nil
}

// FlushAll drains every write-multi-buffer f currently holds open,
// regardless of whether the flush controller would otherwise have
// called for one yet. A host application calls this before closing a
// file, so that no aggregated data is lost.
func (f *File) FlushAll(ctx context.Context) error {
	const op = "exec.File.FlushAll"
	for _, b := range f.WMB.All() {
		if err := f.flushBuffer(ctx, b.IOID, b, true); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// flushBuffer drains b through the write orchestrator and, only on
// success, resets it. A failed write leaves the write-multi-buffer's
// contents in place so a corrected retry remains possible.
func (f *File) flushBuffer(ctx context.Context, ioid int, b *wmb.Buffer, waitForDisk bool) error {
	const op = "exec.File.flushBuffer"
	vid, fillvalue, frame := b.Vars()
	if len(vid) == 0 {
		return nil
	}
	framePresent := false
	for _, fr := range frame {
		if fr >= 0 {
			framePresent = true
			break
		}
	}
	var frameArg []int
	if framePresent {
		frameArg = frame
	}
	req := WriteRequest{
		NCID:        f.NCID,
		IOID:        ioid,
		Arraylen:    b.ArrayLen(),
		VarIDs:      vid,
		Frame:       frameArg,
		FillValue:   fillvalue,
		Data:        b.Bytes(),
		FlushToDisk: waitForDisk,
	}
	if err := f.WriteDarrayMulti(ctx, req); err != nil {
		return errors.E(op, err)
	}
	code := flush.IOFlush
	if waitForDisk {
		code = flush.DiskFlush
	}
	f.recordFlush(code, len(req.Data))
	b.Reset()
	for _, id := range vid {
		if v, err := f.lookupVar(op, id); err == nil {
			v.ResetPending()
		}
	}
	return nil
}
