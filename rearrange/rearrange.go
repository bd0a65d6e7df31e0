// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rearrange moves array data between a compute task's local
// tile layout and an I/O task's contiguous storage layout, for both the
// Box and Subset decomposition flavors described by iodesc. It is built
// entirely on swapm.Exchange: rearrangement has no transport logic of
// its own, only the per-peer counts and displacements a Map contributes.
package rearrange

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/swapm"
)

// Map carries the per-peer send/receive geometry that decomposition
// construction (out of scope for this module) must produce before
// rearrangement can run. Every slice is indexed by peer rank in the
// exchange's communicator and expressed in elements, not bytes; Comp2IO
// and IO2Comp convert to bytes using the Desc's element size.
//
// HoleIndices lists the positions in this task's I/O-side buffer (in
// elements) that no compute task contributes to. It is only meaningful
// for Subset decompositions and is empty for Box.
type Map struct {
	Desc *iodesc.Desc

	// Comp2IOSendCounts[p] and Comp2IOSendDispls[p] describe the slice of
	// the compute-side source buffer this task sends to peer p when
	// moving data from compute layout to I/O layout.
	Comp2IOSendCounts []int
	Comp2IOSendDispls []int
	// Comp2IORecvCounts[p] and Comp2IORecvDispls[p] describe where data
	// from peer p lands in this task's I/O-side destination buffer.
	Comp2IORecvCounts []int
	Comp2IORecvDispls []int

	// IO2CompSendCounts/Displs and IO2CompRecvCounts/Displs describe the
	// reverse direction, used by read-back.
	IO2CompSendCounts []int
	IO2CompSendDispls []int
	IO2CompRecvCounts []int
	IO2CompRecvDispls []int

	HoleIndices []int
}

func newInvalid(op, msg string) error {
	return errors.E(errors.Invalid, op, msg)
}

func (m *Map) validate(op string, c comm.Communicator, sendCounts, sendDispls, recvCounts, recvDispls []int) error {
	n := c.Size()
	if len(sendCounts) != n || len(sendDispls) != n || len(recvCounts) != n || len(recvDispls) != n {
		return newInvalid(op, "Map count/displ slices must have length equal to communicator size")
	}
	return nil
}

// elemsToExchangeRequest builds a swapm.Request whose payloads are byte
// slices of src sliced according to sendCounts/sendDispls (in elements
// of elemSize bytes), and whose expected receive lengths are recvCounts
// converted to bytes.
func elemsToExchangeRequest(src []byte, elemSize int, sendCounts, sendDispls, recvCounts []int) (swapm.Request, error) {
	n := len(sendCounts)
	req := swapm.Request{
		SendData: make([][]byte, n),
		RecvLens: make([]int, n),
	}
	for p := 0; p < n; p++ {
		if sendCounts[p] <= 0 {
			continue
		}
		start := sendDispls[p] * elemSize
		end := start + sendCounts[p]*elemSize
		if end > len(src) {
			return swapm.Request{}, errors.E(errors.Invalid, "rearrange", "send displacement/count exceeds source buffer")
		}
		req.SendData[p] = src[start:end]
	}
	for p := 0; p < n; p++ {
		req.RecvLens[p] = recvCounts[p] * elemSize
	}
	return req, nil
}

// scatterInto copies each peer's received payload into dst at the
// element displacement recvDispls[p], converted to bytes by elemSize.
func scatterInto(dst []byte, elemSize int, recvCounts, recvDispls []int, recv [][]byte) error {
	for p, payload := range recv {
		if recvCounts[p] <= 0 {
			continue
		}
		start := recvDispls[p] * elemSize
		end := start + recvCounts[p]*elemSize
		if end > len(dst) {
			return errors.E(errors.Invalid, "rearrange", "recv displacement/count exceeds destination buffer")
		}
		copy(dst[start:end], payload)
	}
	return nil
}

// Comp2IO rearranges src (this task's compute-side tile, ndof elements)
// into this task's I/O-side destination buffer (llen elements), each
// element elemSize bytes. For Box decompositions, every destination
// slot is covered by exactly one source contribution; if the
// decomposition's NeedsFill is set the destination is pre-filled with
// fillvalue first, though a well-formed Box map with correctly
// exhaustive coverage will overwrite every pre-filled slot. For Subset
// decompositions, positions in m.HoleIndices are never written by the
// exchange and are left untouched here — the rearranger only reports
// the holegrid; the caller is responsible for driving the separate
// out-of-band hole write the backend requires (rearrange does not
// materialize fill values for holes itself).
func Comp2IO(ctx context.Context, c comm.Communicator, m *Map, src, fillvalue []byte, opts swapm.Options) ([]byte, error) {
	const op = "rearrange.Comp2IO"
	if err := m.validate(op, c, m.Comp2IOSendCounts, m.Comp2IOSendDispls, m.Comp2IORecvCounts, m.Comp2IORecvDispls); err != nil {
		return nil, err
	}
	elemSize := m.Desc.MPITypeSize()
	dst := make([]byte, m.Desc.LLen()*elemSize)

	if m.Desc.NeedsFill() && m.Desc.Rearranger() == iodesc.Box {
		if err := fillWhole(dst, elemSize, fillvalue); err != nil {
			return nil, errors.E(op, err)
		}
	}

	req, err := elemsToExchangeRequest(src, elemSize, m.Comp2IOSendCounts, m.Comp2IOSendDispls, m.Comp2IORecvCounts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	recv, err := swapm.Exchange(ctx, c, req, opts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := scatterInto(dst, elemSize, m.Comp2IORecvCounts, m.Comp2IORecvDispls, recv); err != nil {
		return nil, errors.E(op, err)
	}
	return dst, nil
}

// IO2Comp is Comp2IO's inverse, used to rearrange data read back from
// storage (I/O-side layout, maxiobuflen elements) into a compute task's
// local tile (ndof elements).
func IO2Comp(ctx context.Context, c comm.Communicator, m *Map, src []byte, opts swapm.Options) ([]byte, error) {
	const op = "rearrange.IO2Comp"
	if err := m.validate(op, c, m.IO2CompSendCounts, m.IO2CompSendDispls, m.IO2CompRecvCounts, m.IO2CompRecvDispls); err != nil {
		return nil, err
	}
	elemSize := m.Desc.MPITypeSize()
	dst := make([]byte, m.Desc.NDOF()*elemSize)

	req, err := elemsToExchangeRequest(src, elemSize, m.IO2CompSendCounts, m.IO2CompSendDispls, m.IO2CompRecvCounts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	recv, err := swapm.Exchange(ctx, c, req, opts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := scatterInto(dst, elemSize, m.IO2CompRecvCounts, m.IO2CompRecvDispls, recv); err != nil {
		return nil, errors.E(op, err)
	}
	return dst, nil
}

func fillWhole(dst []byte, elemSize int, fillvalue []byte) error {
	if len(fillvalue) != elemSize {
		return errors.E(errors.Invalid, "rearrange.fillWhole", "fillvalue length must equal element size")
	}
	for off := 0; off+elemSize <= len(dst); off += elemSize {
		copy(dst[off:off+elemSize], fillvalue)
	}
	return nil
}
