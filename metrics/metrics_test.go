// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/exec"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/metrics"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/rearrange"
)

func TestCounter(t *testing.T) {
	var (
		a, b metrics.Scope
		c    = metrics.NewCounter()
	)
	c.Incr(&a, 2)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	c.Incr(&b, 123)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Value(&b), int64(123); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	a.Merge(&b)
	if got, want := c.Value(&a), int64(125); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// Example shows a File's Metrics scope accumulating a flush:
// a pool.Malloc reports no reusable free space, so the flush controller
// treats every append as memory pressure and issues an IO_FLUSH. The
// first append finds the write-multi-buffer empty, so only the second
// append's IO_FLUSH drains data and is counted.
func Example() {
	single := comm.NewLocal(1)[0]
	sys, err := iosystem.New(single, single, single, false, 0)
	if err != nil {
		panic(err)
	}
	f := exec.NewFile(1, "metrics.nc", sys, backend.NewMemory(backend.SerialV3), exec.Write, pool.NewMalloc(), flush.NewController())

	desc, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        1,
		LLen:        1,
		MaxIOBufLen: 1,
		MPITypeSize: 4,
		PIOTypeSize: 4,
	})
	if err != nil {
		panic(err)
	}
	m := &rearrange.Map{
		Desc:              desc,
		Comp2IOSendCounts: []int{1},
		Comp2IOSendDispls: []int{0},
		Comp2IORecvCounts: []int{1},
		Comp2IORecvDispls: []int{0},
	}
	if err := f.RegisterDecomp(0, m); err != nil {
		panic(err)
	}
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		panic(err)
	}
	if err := f.RegisterVar(v); err != nil {
		panic(err)
	}

	if err := f.WriteDarray(context.Background(), 0, 0, 1, []byte{1, 2, 3, 4}, nil); err != nil {
		panic(err)
	}
	if err := f.WriteDarray(context.Background(), 0, 0, 1, []byte{5, 6, 7, 8}, nil); err != nil {
		panic(err)
	}
	fmt.Println("flushes:", f.FlushCount(), "disk flushes:", f.DiskFlushCount())
	// Output: flushes: 1 disk flushes: 0
}
