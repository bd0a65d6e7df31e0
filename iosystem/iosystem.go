// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package iosystem groups the compute, I/O, and union communicators a
// running process belongs to, along with the per-task role bits the
// write orchestrator and async dispatcher use to decide what a task
// does on a given call. Constructing the underlying process groups —
// pairing compute and I/O tasks, wiring up a real cluster transport —
// is out of scope; iosystem only fixes the invariant that every task
// belongs to exactly one of {compute-only, IO-only, both} and
// validates that a caller's role bits agree with its communicator
// membership.
package iosystem

import (
	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/comm"
)

// IOSystem is the process-group context a File is opened against.
type IOSystem struct {
	// Compute is the communicator spanning every compute task. Nil on a
	// task that is IO-only.
	Compute comm.Communicator
	// IO is the communicator spanning every I/O task. Nil on a task that
	// is compute-only.
	IO comm.Communicator
	// Union spans every task, compute and I/O alike. It is always
	// non-nil: even a non-async system's single shared group counts as
	// its own union.
	Union comm.Communicator

	// Async is true when Compute and IO are disjoint groups (a task is
	// exactly one of the two); false when every task is both.
	Async bool

	// IOProc is true for tasks that participate in actual I/O: every
	// task in an IO group is an IOProc, whether or not the system is
	// async.
	IOProc bool
	// CompMaster is true for rank 0 of Compute.
	CompMaster bool
	// IOMaster is true for rank 0 of IO.
	IOMaster bool

	// AsyncRoot is the compute-master's rank within Union. It is only
	// meaningful when Async is true, and is required because the async
	// dispatcher's broadcasts run over Union, whose rank space is
	// unrelated to Compute's or IO's own numbering; the mapping between
	// them is part of process-group construction, which is out of scope
	// for this package, so the caller supplies it directly.
	AsyncRoot int
}

func newInvalid(op, msg string) error {
	return errors.E(errors.Invalid, op, msg)
}

// New validates and returns an IOSystem. It enforces the invariant
// that every task belongs to exactly one of {compute-only, IO-only,
// both}, and the role bits passed in agree with which of
// Compute/IO is non-nil.
func New(compute, io, union comm.Communicator, async bool, asyncRoot int) (*IOSystem, error) {
	const op = "iosystem.New"
	if union == nil {
		return nil, newInvalid(op, "union communicator is required")
	}
	if compute == nil && io == nil {
		return nil, newInvalid(op, "a task must belong to compute, IO, or both")
	}
	if async && compute != nil && io != nil {
		return nil, newInvalid(op, "async systems must have disjoint compute and IO membership per task")
	}
	if !async && (compute == nil) != (io == nil) {
		return nil, newInvalid(op, "non-async systems require every task to belong to both compute and IO")
	}
	if async && (asyncRoot < 0 || asyncRoot >= union.Size()) {
		return nil, newInvalid(op, "asyncRoot must be a valid rank within union")
	}

	s := &IOSystem{
		Compute:   compute,
		IO:        io,
		Union:     union,
		Async:     async,
		IOProc:    io != nil,
		AsyncRoot: asyncRoot,
	}
	if compute != nil {
		s.CompMaster = compute.Rank() == 0
	}
	if io != nil {
		s.IOMaster = io.Rank() == 0
	}
	return s, nil
}

// IsComputeTask reports whether the calling task participates in the
// compute group.
func (s *IOSystem) IsComputeTask() bool { return s.Compute != nil }

// IsIOTask reports whether the calling task participates in the I/O
// group; equivalent to IOProc.
func (s *IOSystem) IsIOTask() bool { return s.IOProc }
