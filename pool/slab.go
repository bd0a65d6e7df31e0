// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"sort"
	"sync"
)

// defaultClassSizes are the size-class boundaries used by NewSlab when
// none are supplied: powers of two from 4KiB up to 64MiB, plus a
// catch-all for anything larger which is allocated exactly and never
// reused.
func defaultClassSizes() []int {
	sizes := make([]int, 0, 16)
	for n := 4 << 10; n <= 64<<20; n <<= 1 {
		sizes = append(sizes, n)
	}
	return sizes
}

// Slab is the default Pool implementation: a fixed set of size classes,
// each with its own free list. Acquire rounds a request up to the
// smallest class that fits it; blocks larger than the biggest class are
// allocated exactly and are not returned to a free list on Release.
type Slab struct {
	mu       sync.Mutex
	classes  []int   // ascending class sizes
	freelist [][]*Block

	maxBytes int64 // 0 means unlimited
	curAlloc int64
	totFree  int64
	gets     uint64
	releases uint64
}

// SlabOption configures a Slab pool.
type SlabOption func(*Slab)

// WithClassSizes overrides the default size classes. Sizes must be
// strictly increasing and positive.
func WithClassSizes(sizes []int) SlabOption {
	return func(s *Slab) {
		cp := append([]int(nil), sizes...)
		sort.Ints(cp)
		s.classes = cp
	}
}

// WithMaxBytes bounds the pool's total outstanding allocation (blocks
// currently acquired plus blocks sitting in free lists). Acquire and
// Grow fail with OOM once the bound would be exceeded. A limit of 0
// (the default) means unlimited.
func WithMaxBytes(n int64) SlabOption {
	return func(s *Slab) { s.maxBytes = n }
}

// NewSlab returns a new integrated slab allocator.
func NewSlab(opts ...SlabOption) *Slab {
	s := &Slab{classes: defaultClassSizes()}
	for _, opt := range opts {
		opt(s)
	}
	s.freelist = make([][]*Block, len(s.classes))
	return s
}

// classFor returns the index of the smallest class that can hold n
// bytes, or -1 if n exceeds every class.
func (s *Slab) classFor(n int) int {
	i := sort.SearchInts(s.classes, n)
	if i == len(s.classes) {
		return -1
	}
	return i
}

func (s *Slab) budgetLocked(additional int64) bool {
	return s.maxBytes == 0 || s.curAlloc+s.totFree+additional <= s.maxBytes
}

func (s *Slab) Acquire(n int) (*Block, error) {
	const op = "pool.Slab.Acquire"
	if n < 0 {
		return nil, newInvalid(op, "negative size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	trackGet()

	class := s.classFor(n)
	if class < 0 {
		if !s.budgetLocked(int64(n)) {
			logAcquire(n, newOOM(op, n))
			return nil, newOOM(op, n)
		}
		s.curAlloc += int64(n)
		return &Block{data: make([]byte, n), size: n, class: -1}, nil
	}
	classSize := s.classes[class]
	if list := s.freelist[class]; len(list) > 0 {
		b := list[len(list)-1]
		s.freelist[class] = list[:len(list)-1]
		s.totFree -= int64(classSize)
		s.curAlloc += int64(classSize)
		for i := range b.data {
			b.data[i] = 0
		}
		b.size = n
		logAcquire(n, nil)
		return b, nil
	}
	if !s.budgetLocked(int64(classSize)) {
		logAcquire(n, newOOM(op, n))
		return nil, newOOM(op, n)
	}
	s.curAlloc += int64(classSize)
	logAcquire(n, nil)
	return &Block{data: make([]byte, classSize), size: n, class: class}, nil
}

func (s *Slab) Grow(b *Block, n int) error {
	const op = "pool.Slab.Grow"
	if b == nil {
		return newInvalid(op, "nil block")
	}
	if n <= b.size {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.class >= 0 && n <= s.classes[b.class] {
		// The class's backing array already has room; grow in place.
		b.size = n
		return nil
	}
	// Need a bigger backing array: allocate one and copy. On failure
	// the original block is untouched.
	class := s.classFor(n)
	var (
		newData []byte
		delta   int64
	)
	if class < 0 {
		if !s.budgetLocked(int64(n) - int64(b.classBytes(s))) {
			return newOOM(op, n)
		}
		newData = make([]byte, n)
		delta = int64(n) - int64(b.classBytes(s))
	} else {
		classSize := s.classes[class]
		if !s.budgetLocked(int64(classSize) - int64(b.classBytes(s))) {
			return newOOM(op, n)
		}
		newData = make([]byte, classSize)
		delta = int64(classSize) - int64(b.classBytes(s))
	}
	copy(newData, b.data[:b.size])
	s.curAlloc += delta
	b.data = newData
	b.size = n
	b.class = class
	return nil
}

// classBytes returns the number of bytes this block currently occupies
// in the pool's accounting: the class size if it belongs to one, or its
// exact allocated size otherwise.
func (b *Block) classBytes(s *Slab) int {
	if b.class < 0 {
		return len(b.data)
	}
	return s.classes[b.class]
}

func (s *Slab) Release(b *Block) {
	if b == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	trackRelease()

	n := b.classBytes(s)
	s.curAlloc -= int64(n)
	if b.class < 0 {
		// Oversized blocks are not pooled: let the GC reclaim them.
		return
	}
	s.freelist[b.class] = append(s.freelist[b.class], b)
	s.totFree += int64(n)
}

func (s *Slab) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxFree int64
	for i, list := range s.freelist {
		if len(list) > 0 && int64(s.classes[i]) > maxFree {
			maxFree = int64(s.classes[i])
		}
	}
	return Stats{
		CurAlloc: s.curAlloc,
		TotFree:  s.totFree,
		MaxFree:  maxFree,
		Gets:     s.gets,
		Releases: s.releases,
	}
}
