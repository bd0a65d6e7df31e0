// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/exec"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/rearrange"
)

func selfBoxMap(desc *iodesc.Desc) *rearrange.Map {
	n := desc.NDOF()
	return &rearrange.Map{
		Desc:              desc,
		Comp2IOSendCounts: []int{n},
		Comp2IOSendDispls: []int{0},
		Comp2IORecvCounts: []int{n},
		Comp2IORecvDispls: []int{0},
		IO2CompSendCounts: []int{n},
		IO2CompSendDispls: []int{0},
		IO2CompRecvCounts: []int{n},
		IO2CompRecvDispls: []int{0},
	}
}

func u32bytes(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

// TestWriteDarrayMultiRoundTrip checks round-trip identity: a
// single-rank Box write followed by a read returns exactly the bytes
// written.
func TestWriteDarrayMultiRoundTrip(t *testing.T) {
	single := comm.NewLocal(1)[0]
	sys, err := iosystem.New(single, single, single, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	f := exec.NewFile(1, "test.nc", sys, backend.NewMemory(backend.SerialV3), exec.Read|exec.Write, pool.NewMalloc(), flush.NewController())

	desc, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        2,
		LLen:        2,
		MaxIOBufLen: 2,
		MPITypeSize: 4,
		PIOTypeSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterDecomp(0, selfBoxMap(desc)); err != nil {
		t.Fatal(err)
	}
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterVar(v); err != nil {
		t.Fatal(err)
	}

	data := u32bytes(10, 20)
	req := exec.WriteRequest{
		NCID:     1,
		IOID:     0,
		Arraylen: 2,
		VarIDs:   []int{0},
		Data:     data,
	}
	if err := f.WriteDarrayMulti(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.HasOutstandingIOBuf() {
		t.Error("SerialV3 write should release its iobuf")
	}

	got, err := f.ReadDarray(context.Background(), 0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("ReadDarray = %v, want %v", got, data)
	}
}

// TestWriteDarrayAggregatesUntilFlushed checks the aggregate-then-flush
// contract via the single-variable WriteDarray path: a primed pool
// (large MaxFree) keeps the first append in NoFlush, and a tight
// buffer size limit then forces a DiskFlush that drains the
// write-multi-buffer into the backend.
func TestWriteDarrayAggregatesUntilFlushed(t *testing.T) {
	old := flush.SetBufferSizeLimit(1 << 20)
	defer flush.SetBufferSizeLimit(old)

	single := comm.NewLocal(1)[0]
	sys, err := iosystem.New(single, single, single, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	p := pool.NewSlab()
	// Prime the pool so Stats().MaxFree is large enough that the first
	// append does not look like memory pressure.
	seed, err := p.Acquire(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(seed)

	be := backend.NewMemory(backend.SerialV3)
	f := exec.NewFile(1, "test.nc", sys, be, exec.Read|exec.Write, p, flush.NewController())

	desc, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        2,
		LLen:        2,
		MaxIOBufLen: 2,
		MPITypeSize: 4,
		PIOTypeSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterDecomp(0, selfBoxMap(desc)); err != nil {
		t.Fatal(err)
	}
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterVar(v); err != nil {
		t.Fatal(err)
	}

	if err := f.WriteDarray(context.Background(), 0, 0, 2, u32bytes(1, 2), nil); err != nil {
		t.Fatal(err)
	}
	if v.Pending() == 0 {
		t.Error("in-budget append should stay pending, not flush")
	}

	// Force DISK_FLUSH via memory pressure on the next append. A
	// Controller reads the buffer-size limit when it is created, so a
	// fresh one is installed after lowering the limit.
	flush.SetBufferSizeLimit(1)
	f.Flush = flush.NewController()
	if err := f.WriteDarray(context.Background(), 0, 0, 2, u32bytes(3, 4), nil); err != nil {
		t.Fatal(err)
	}
	if got, want := v.Pending(), int64(len(u32bytes(3, 4))); got != want {
		t.Errorf("Pending() = %d after forced disk flush, want %d: the flush resets the first append's bytes and only the second append is pending", got, want)
	}

	got, err := f.ReadDarray(context.Background(), 0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Only the flushed (first) append reached the backend; the second is
	// still pending in the write-multi-buffer.
	if string(got) != string(u32bytes(1, 2)) {
		t.Errorf("ReadDarray = %v, want the flushed first append", got)
	}
}

// TestWriteDarraySubsetHoleFillPass checks that a Subset decomposition
// with uncovered holegrid slots issues a second FILL-mode backend
// write after the DATA write completes, that the DATA write's hole
// positions are left zero (rearrangement never materializes fill
// values itself), and that the FILL write is the one actually carrying
// the fill value.
func TestWriteDarraySubsetHoleFillPass(t *testing.T) {
	single := comm.NewLocal(1)[0]
	sys, err := iosystem.New(single, single, single, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	be := backend.NewMemory(backend.SerialV3)
	f := exec.NewFile(1, "test.nc", sys, be, exec.Write, pool.NewMalloc(), flush.NewController())

	desc, err := iodesc.New(iodesc.Params{
		Rearranger:      iodesc.Subset,
		NDOF:            2,
		LLen:            4,
		MaxIOBufLen:     4,
		MPITypeSize:     4,
		PIOTypeSize:     4,
		HoleGridSize:    2,
		MaxHoleGridSize: 2,
		NeedsFill:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	m := &rearrange.Map{
		Desc:              desc,
		Comp2IOSendCounts: []int{2},
		Comp2IOSendDispls: []int{0},
		Comp2IORecvCounts: []int{2},
		Comp2IORecvDispls: []int{0},
		HoleIndices:       []int{2, 3},
	}
	if err := f.RegisterDecomp(0, m); err != nil {
		t.Fatal(err)
	}
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterVar(v); err != nil {
		t.Fatal(err)
	}

	fillvalue := u32bytes(0xffffffff)
	req := exec.WriteRequest{
		NCID:      1,
		IOID:      0,
		Arraylen:  2,
		VarIDs:    []int{0},
		Data:      u32bytes(10, 20),
		FillValue: [][]byte{fillvalue},
	}
	if err := f.WriteDarrayMulti(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	data, ok := be.Region(0, 0, -1, backend.Data)
	if !ok {
		t.Fatal("no DATA region recorded")
	}
	wantData := u32bytes(10, 20, 0, 0)
	if string(data) != string(wantData) {
		t.Errorf("DATA region = %v, want %v (holes left zero, not fillvalue)", data, wantData)
	}

	fill, ok := be.Region(0, 0, -1, backend.Fill)
	if !ok {
		t.Fatal("no FILL region recorded; holeFillPass did not run")
	}
	wantFill := u32bytes(0xffffffff, 0xffffffff)
	if string(fill) != string(wantFill) {
		t.Errorf("FILL region = %v, want %v", fill, wantFill)
	}
}

// TestWriteDarrayMultiRejectsWhenNotWritable covers the file-mode guard.
func TestWriteDarrayMultiRejectsWhenNotWritable(t *testing.T) {
	single := comm.NewLocal(1)[0]
	sys, err := iosystem.New(single, single, single, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	f := exec.NewFile(1, "test.nc", sys, backend.NewMemory(backend.SerialV3), exec.Read, pool.NewMalloc(), flush.NewController())
	err = f.WriteDarrayMulti(context.Background(), exec.WriteRequest{VarIDs: []int{0}, Arraylen: 1, Data: u32bytes(1)})
	if err == nil {
		t.Fatal("expected an error writing to a read-only file")
	}
}
