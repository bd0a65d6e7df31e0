// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/errors"
)

// MaxVars bounds the range of valid variable ids a File will accept,
// mirroring the origin library's PIO_MAX_VARS ceiling. The retrieved
// source does not carry the header defining its numeric value, so 8192
// is chosen as a generous, round default; see DESIGN.md.
const MaxVars = 8192

// Variable is a per-file variable descriptor: storage type, element
// size, current record index, and a lazily materialized fill value.
// Frame is -1 for variables with no unlimited (record) dimension; the
// invariant `record >= 0 iff the variable has an unlimited dimension`
// is enforced by construction, not re-derived here.
type Variable struct {
	ID       int
	ElemSize int
	Frame    int

	mu          sync.Mutex
	fillvalue   []byte
	pendingByte int64
}

// NewVariable returns a Variable descriptor. frame must be -1 for a
// non-record variable, or the variable's current record index
// (>= 0) otherwise.
func NewVariable(id, elemSize, frame int) (*Variable, error) {
	const op = "exec.NewVariable"
	if id < 0 || id > MaxVars {
		return nil, errors.E(errors.Invalid, op, "variable id out of range")
	}
	if elemSize <= 0 {
		return nil, errors.E(errors.Invalid, op, "element size must be positive")
	}
	if frame < -1 {
		return nil, errors.E(errors.Invalid, op, "frame must be -1 or a non-negative record index")
	}
	return &Variable{ID: id, ElemSize: elemSize, Frame: frame}, nil
}

// IsRecord reports whether v varies along an unlimited dimension.
func (v *Variable) IsRecord() bool { return v.Frame >= 0 }

// FillValue returns v's cached fill value, computing and caching it via
// compute on the first call. This mirrors find_var_fillvalue's
// lazy-caching behavior: the fill value is looked up (or defaulted)
// once per variable and reused for every subsequent write.
func (v *Variable) FillValue(compute func() ([]byte, error)) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fillvalue != nil {
		return v.fillvalue, nil
	}
	fv, err := compute()
	if err != nil {
		return nil, err
	}
	v.fillvalue = fv
	return fv, nil
}

// AddPending adds n bytes to v's pending-byte counter, tracking how much
// of this variable's data is queued in a write-multi-buffer awaiting
// flush.
func (v *Variable) AddPending(n int64) {
	v.mu.Lock()
	v.pendingByte += n
	v.mu.Unlock()
}

// ResetPending zeroes v's pending-byte counter, called on write
// completion.
func (v *Variable) ResetPending() {
	v.mu.Lock()
	v.pendingByte = 0
	v.mu.Unlock()
}

// Pending returns v's current pending-byte count.
func (v *Variable) Pending() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pendingByte
}
