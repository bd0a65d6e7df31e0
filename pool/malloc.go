// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import "sync"

// Malloc is a Pool that delegates every allocation to the Go runtime
// allocator instead of maintaining its own free lists. It exists for
// hosts that set PIO_USE_MALLOC and would rather trust the platform
// allocator's fragmentation behavior than an integrated slab pool.
//
// Because Malloc never retains freed blocks, it cannot report a tight
// MaxFree the way Slab can: the flush controller loses its ability to
// schedule I/O flushes preemptively on this variant. MaxFree is
// reported as 0, which is conservative in the sense that it never
// overstates available headroom.
type Malloc struct {
	mu       sync.Mutex
	curAlloc int64
	gets     uint64
	releases uint64
}

// NewMalloc returns a Pool that delegates to the system allocator.
func NewMalloc() *Malloc { return &Malloc{} }

func (m *Malloc) Acquire(n int) (*Block, error) {
	const op = "pool.Malloc.Acquire"
	if n < 0 {
		return nil, newInvalid(op, "negative size")
	}
	m.mu.Lock()
	m.gets++
	m.curAlloc += int64(n)
	m.mu.Unlock()
	trackGet()
	logAcquire(n, nil)
	return &Block{data: make([]byte, n), size: n, class: -1}, nil
}

func (m *Malloc) Grow(b *Block, n int) error {
	const op = "pool.Malloc.Grow"
	if b == nil {
		return newInvalid(op, "nil block")
	}
	if n <= b.size {
		return nil
	}
	newData := make([]byte, n)
	copy(newData, b.data[:b.size])
	m.mu.Lock()
	m.curAlloc += int64(n - len(b.data))
	m.mu.Unlock()
	b.data = newData
	b.size = n
	return nil
}

func (m *Malloc) Release(b *Block) {
	if b == nil {
		return
	}
	m.mu.Lock()
	m.releases++
	m.curAlloc -= int64(len(b.data))
	m.mu.Unlock()
	trackRelease()
}

func (m *Malloc) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		CurAlloc: m.curAlloc,
		TotFree:  0,
		MaxFree:  0,
		Gets:     m.gets,
		Releases: m.releases,
	}
}
