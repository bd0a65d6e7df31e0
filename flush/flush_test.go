// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flush_test

import (
	"context"
	"sync"
	"testing"

	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/pool"
)

// TestNeedsFlushInBudget checks that a single variable well within
// budget yields NO_FLUSH.
func TestNeedsFlushInBudget(t *testing.T) {
	c := flush.NewController()
	got := c.NeedsFlush(flush.Decision{
		PoolStats:   pool.Stats{MaxFree: 1 << 20, CurAlloc: 800},
		NumArrays:   1,
		Arraylen:    100,
		MPITypeSize: 8,
	})
	if got != flush.NoFlush {
		t.Errorf("got %v, want NO_FLUSH", got)
	}
}

// TestNeedsFlushMemoryPressure checks that when pio_buffer_size_limit
// is tight but not yet exceeded, while available headroom in the pool
// can't cover the next append's projected footprint, the controller
// calls for an IO_FLUSH.
func TestNeedsFlushMemoryPressure(t *testing.T) {
	old := flush.SetBufferSizeLimit(1024)
	defer flush.SetBufferSizeLimit(old)
	c := flush.NewController()
	got := c.NeedsFlush(flush.Decision{
		PoolStats:   pool.Stats{MaxFree: 1500, CurAlloc: 0},
		NumArrays:   0,
		Arraylen:    200,
		MPITypeSize: 8,
	})
	if got != flush.IOFlush {
		t.Errorf("got %v, want IO_FLUSH", got)
	}
}

// TestNeedsFlushCurAllocOverLimitForcesDiskFlush covers the
// pio_buffer_size_limit half of the DISK_FLUSH trigger directly.
func TestNeedsFlushCurAllocOverLimitForcesDiskFlush(t *testing.T) {
	old := flush.SetBufferSizeLimit(1024)
	defer flush.SetBufferSizeLimit(old)
	c := flush.NewController()
	got := c.NeedsFlush(flush.Decision{
		PoolStats:   pool.Stats{MaxFree: 1 << 20, CurAlloc: 2048},
		NumArrays:   0,
		Arraylen:    10,
		MPITypeSize: 8,
	})
	if got != flush.DiskFlush {
		t.Errorf("got %v, want DISK_FLUSH", got)
	}
}

// TestNeedsFlushRegionCap checks the PIO_MAX_CACHED_IO_REGIONS = 16
// case: maxregions = 8, and two prior appends push the projected region
// count to (1+2)*8 = 24 > 16, which must force a DISK_FLUSH.
func TestNeedsFlushRegionCap(t *testing.T) {
	c := flush.NewController(flush.WithMaxCachedIORegions(16))
	got := c.NeedsFlush(flush.Decision{
		PoolStats:      pool.Stats{MaxFree: 1 << 20, CurAlloc: 0},
		NumArrays:      2,
		Arraylen:       10,
		MPITypeSize:    8,
		MaxRegions:     8,
		MaxFillRegions: 3,
	})
	if got != flush.DiskFlush {
		t.Errorf("got %v, want DISK_FLUSH", got)
	}
}

// TestSynchronizeAgreesOnMax checks that all compute tasks flush
// together even if only one of them locally decided to.
func TestSynchronizeAgreesOnMax(t *testing.T) {
	const n = 4
	comms := comm.NewLocal(n)
	local := []flush.Code{flush.NoFlush, flush.IOFlush, flush.NoFlush, flush.NoFlush}
	results := make([]flush.Code, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			got, err := flush.Synchronize(context.Background(), comms[i], local[i])
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()
	for i, got := range results {
		if got != flush.IOFlush {
			t.Errorf("rank %d: got %v, want IO_FLUSH (agreement on the max decision)", i, got)
		}
	}
}
