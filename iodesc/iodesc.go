// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package iodesc describes the mapping between a compute task's local
// tile of a distributed array and the contiguous regions that I/O tasks
// hold on the storage side. A Desc is constructed elsewhere (decomposition
// construction is out of scope for this module, see the package doc for
// pario) and is thereafter treated as an opaque, immutable descriptor.
package iodesc

import (
	"github.com/grailbio/base/errors"
)

// Rearranger selects the algorithm used to move data between compute
// layout and I/O layout.
type Rearranger int

const (
	// Box rearrangers assume every destination slot on every I/O task is
	// covered by exactly one source contribution.
	Box Rearranger = iota
	// Subset rearrangers permit destination slots with no contribution
	// at all; the uncovered slots form the decomposition's holegrid.
	Subset
)

func (r Rearranger) String() string {
	switch r {
	case Box:
		return "box"
	case Subset:
		return "subset"
	default:
		return "unknown"
	}
}

// Desc describes a single decomposition: the mapping from a compute
// task's local tile to the global array indices handled by I/O tasks.
// A Desc is immutable after New returns it.
type Desc struct {
	rearranger Rearranger

	// ndof is the number of elements local to this compute task.
	ndof int
	// llen is the number of elements local to this I/O task
	// (destination side).
	llen int
	// maxiobuflen is the maximum llen across all I/O tasks.
	maxiobuflen int

	// mpitypeSize and piotypeSize are the element size in bytes in
	// transport and storage representation, respectively.
	mpitypeSize int
	piotypeSize int

	// maxregions and maxfillregions bound the number of contiguous runs
	// an I/O task must issue for data and fill writes, respectively.
	maxregions     int
	maxfillregions int

	// holegridsize and maxholegridsize are the number of hole elements
	// per I/O task, and across I/O tasks. Both are 0 for Box.
	holegridsize    int
	maxholegridsize int

	needsfill bool
}

// Params collects the fields required to construct a Desc. It exists so
// that New can validate its invariants in one place rather than
// requiring every caller to hand-check them.
type Params struct {
	Rearranger      Rearranger
	NDOF            int
	LLen            int
	MaxIOBufLen     int
	MPITypeSize     int
	PIOTypeSize     int
	MaxRegions      int
	MaxFillRegions  int
	HoleGridSize    int
	MaxHoleGridSize int
	NeedsFill       bool
}

// New validates p and returns an immutable Desc. Decomposition
// construction itself — computing which global indices map to which
// I/O task — is the caller's responsibility; New only checks the
// invariants that the rest of this module relies on.
func New(p Params) (*Desc, error) {
	const op = "iodesc.New"
	if p.NDOF < 0 || p.LLen < 0 {
		return nil, errors.E(errors.Invalid, op, "ndof and llen must be non-negative")
	}
	if p.MPITypeSize <= 0 || p.PIOTypeSize <= 0 {
		return nil, errors.E(errors.Invalid, op, "element sizes must be positive")
	}
	if p.MaxIOBufLen < p.LLen {
		return nil, errors.E(errors.Invalid, op, "maxiobuflen must be >= llen")
	}
	if p.Rearranger == Box && p.HoleGridSize != 0 {
		return nil, errors.E(errors.Invalid, op, "box decompositions must have holegridsize == 0")
	}
	if p.HoleGridSize < 0 || p.MaxHoleGridSize < 0 {
		return nil, errors.E(errors.Invalid, op, "holegrid sizes must be non-negative")
	}
	return &Desc{
		rearranger:      p.Rearranger,
		ndof:            p.NDOF,
		llen:            p.LLen,
		maxiobuflen:     p.MaxIOBufLen,
		mpitypeSize:     p.MPITypeSize,
		piotypeSize:     p.PIOTypeSize,
		maxregions:      p.MaxRegions,
		maxfillregions:  p.MaxFillRegions,
		holegridsize:    p.HoleGridSize,
		maxholegridsize: p.MaxHoleGridSize,
		needsfill:       p.NeedsFill,
	}, nil
}

func (d *Desc) Rearranger() Rearranger  { return d.rearranger }
func (d *Desc) NDOF() int               { return d.ndof }
func (d *Desc) LLen() int               { return d.llen }
func (d *Desc) MaxIOBufLen() int        { return d.maxiobuflen }
func (d *Desc) MPITypeSize() int        { return d.mpitypeSize }
func (d *Desc) PIOTypeSize() int        { return d.piotypeSize }
func (d *Desc) MaxRegions() int         { return d.maxregions }
func (d *Desc) MaxFillRegions() int     { return d.maxfillregions }
func (d *Desc) HoleGridSize() int       { return d.holegridsize }
func (d *Desc) MaxHoleGridSize() int    { return d.maxholegridsize }
func (d *Desc) NeedsFill() bool         { return d.needsfill }
func (d *Desc) IsSubset() bool          { return d.rearranger == Subset }
func (d *Desc) HasHoles() bool          { return d.holegridsize > 0 }

// IOBufBytes returns the size in bytes of the scratch I/O buffer needed
// to receive nvars variables' worth of rearranged data on this task.
func (d *Desc) IOBufBytes(nvars int) int64 {
	return int64(d.maxiobuflen) * int64(nvars) * int64(d.mpitypeSize)
}
