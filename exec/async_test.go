// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec_test

import (
	"context"
	"sync"
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

// TestAsyncDispatchRoundTrip exercises a full async round trip: two
// compute tasks (union ranks 0 and 1) and two disjoint I/O tasks (union
// ranks 2 and 3) share one
// broker, since comm.NewLocal has no process-group-split equivalent
// (out of scope here); IOProc/CompMaster/IOMaster distinguish role
// membership on top of it. The compute-master dispatches a write over
// the async wire; ServeAsync decodes and executes it; CloseAsync shuts
// the I/O side's loop down cleanly.
func TestAsyncDispatchRoundTrip(t *testing.T) {
	const n = 4
	comms := comm.NewLocal(n)

	desc, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        2,
		LLen:        4,
		MaxIOBufLen: 4,
		MPITypeSize: 4,
		PIOTypeSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Two compute tasks (union ranks 0,1) each contribute 2 elements into
	// a single I/O task's (union rank 2) 4-element region; union rank 3
	// is an idle second I/O task. Per-rank send/recv geometry: compute
	// ranks send, IO rank 2 receives.
	maps := []*rearrange.Map{
		{Desc: desc, Comp2IOSendCounts: []int{0, 0, 2, 0}, Comp2IOSendDispls: []int{0, 0, 0, 0}, Comp2IORecvCounts: []int{0, 0, 0, 0}, Comp2IORecvDispls: []int{0, 0, 0, 0}},
		{Desc: desc, Comp2IOSendCounts: []int{0, 0, 2, 0}, Comp2IOSendDispls: []int{0, 0, 0, 0}, Comp2IORecvCounts: []int{0, 0, 0, 0}, Comp2IORecvDispls: []int{0, 0, 0, 0}},
		{Desc: desc, Comp2IOSendCounts: []int{0, 0, 0, 0}, Comp2IOSendDispls: []int{0, 0, 0, 0}, Comp2IORecvCounts: []int{2, 2, 0, 0}, Comp2IORecvDispls: []int{0, 2, 0, 0}},
		{Desc: desc, Comp2IOSendCounts: []int{0, 0, 0, 0}, Comp2IOSendDispls: []int{0, 0, 0, 0}, Comp2IORecvCounts: []int{0, 0, 0, 0}, Comp2IORecvDispls: []int{0, 0, 0, 0}},
	}

	be := backend.NewMemory(backend.ParallelV3)

	files := make([]*exec.File, n)
	syses := make([]*iosystem.IOSystem, n)
	for rank := 0; rank < n; rank++ {
		var compute, io comm.Communicator
		if rank < 2 {
			compute = comms[rank]
		} else {
			io = comms[rank]
		}
		sys, err := iosystem.New(compute, io, comms[rank], true, 0)
		if err != nil {
			t.Fatal(err)
		}
		syses[rank] = sys
		f := exec.NewFile(1, "async.nc", sys, be, exec.Write, pool.NewMalloc(), flush.NewController())
		if err := f.RegisterDecomp(0, maps[rank]); err != nil {
			t.Fatal(err)
		}
		files[rank] = f
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)

	// I/O-side ranks run ServeAsync until CloseAsync's shutdown broadcast.
	for rank := 2; rank < n; rank++ {
		go func(rank int) {
			defer wg.Done()
			errs[rank] = exec.ServeAsync(context.Background(), files[rank])
		}(rank)
	}

	// Compute-side ranks issue one write, then close the async channel.
	data := [][]byte{u32bytes(10, 20), u32bytes(30, 40)}
	for rank := 0; rank < 2; rank++ {
		go func(rank int) {
			defer wg.Done()
			req := exec.WriteRequest{
				NCID:     1,
				IOID:     0,
				Arraylen: 2,
				VarIDs:   []int{0},
				Data:     data[rank],
			}
			if err := files[rank].WriteDarrayMulti(context.Background(), req); err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = exec.CloseAsync(context.Background(), syses[rank])
		}(rank)
	}

	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}
}
