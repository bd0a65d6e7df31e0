// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool_test

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/pool"
)

func TestSlabAcquireZeroFilled(t *testing.T) {
	p := pool.NewSlab()
	b, err := p.Acquire(100)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range b.Bytes() {
		if v != 0 {
			t.Fatalf("byte %d not zero: %d", i, v)
		}
	}
	if got, want := b.Len(), 100; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestSlabReleaseThenReacquireReuses(t *testing.T) {
	p := pool.NewSlab()
	b, err := p.Acquire(100)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes(), []byte("dirty"))
	p.Release(b)

	before := p.Stats()
	b2, err := p.Acquire(50)
	if err != nil {
		t.Fatal(err)
	}
	after := p.Stats()
	if after.TotFree >= before.TotFree {
		t.Errorf("expected free list to shrink on reuse: before=%v after=%v", before, after)
	}
	for i, v := range b2.Bytes() {
		if v != 0 {
			t.Fatalf("reused block not zeroed at %d: %d", i, v)
		}
	}
}

func TestSlabGrowInPlaceWithinClass(t *testing.T) {
	p := pool.NewSlab(pool.WithClassSizes([]int{4096}))
	b, err := p.Acquire(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes(), []byte("0123456789"))
	if err := p.Grow(b, 20); err != nil {
		t.Fatal(err)
	}
	if got, want := string(b.Bytes()[:10]), "0123456789"; got != want {
		t.Errorf("grow lost data: got %q, want %q", got, want)
	}
	if got, want := b.Len(), 20; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestSlabGrowAcrossClasses(t *testing.T) {
	p := pool.NewSlab(pool.WithClassSizes([]int{16, 4096}))
	b, err := p.Acquire(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes(), []byte("0123456789"))
	if err := p.Grow(b, 100); err != nil {
		t.Fatal(err)
	}
	if got, want := string(b.Bytes()[:10]), "0123456789"; got != want {
		t.Errorf("grow lost data: got %q, want %q", got, want)
	}
}

func TestSlabAcquireOOM(t *testing.T) {
	p := pool.NewSlab(pool.WithMaxBytes(1024))
	if _, err := p.Acquire(2048); !errors.Is(errors.OOM, err) {
		t.Fatalf("expected OOM error, got %v", err)
	}
}

func TestSlabGrowOOMLeavesOriginalValid(t *testing.T) {
	p := pool.NewSlab(pool.WithClassSizes([]int{16}), pool.WithMaxBytes(16))
	b, err := p.Acquire(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes(), []byte("0123456789"))
	if err := p.Grow(b, 1<<20); err == nil {
		t.Fatal("expected OOM error growing past budget")
	}
	if got, want := string(b.Bytes()[:10]), "0123456789"; got != want {
		t.Errorf("failed grow corrupted original block: got %q, want %q", got, want)
	}
}

func TestMallocStatsConservativeMaxFree(t *testing.T) {
	p := pool.NewMalloc()
	b, err := p.Acquire(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(b)
	if got := p.Stats().MaxFree; got != 0 {
		t.Errorf("Malloc.Stats().MaxFree = %d, want 0 (conservative)", got)
	}
}

func TestStatsString(t *testing.T) {
	s := pool.Stats{CurAlloc: 1024, TotFree: 2048, MaxFree: 2048, Gets: 3, Releases: 1}
	if got := s.String(); got == "" {
		t.Error("String() returned empty")
	}
}
