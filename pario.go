// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pario

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/exec"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/pool"
)

// File is an open file's handle: its decomposition registry, variable
// registry, write-multi-buffer cache, and backend binding. See package
// exec for the write orchestrator and async dispatcher this type
// delegates to.
type File = exec.File

// Mode is the permission bitmask a File is opened with.
type Mode = exec.Mode

const (
	// Read permits ReadDarray calls.
	Read = exec.Read
	// Write permits WriteDarray/WriteDarrayMulti calls.
	Write = exec.Write
)

// IOSystem groups the compute, I/O, and union communicators a File
// runs over, plus the role bits (IOProc, CompMaster, IOMaster) derived
// from group membership. See package iosystem.
type IOSystem = iosystem.IOSystem

// OpenFile returns a new File bound to sys and be, using p for every
// buffer it allocates and ctrl for its flush decisions. It corresponds
// to PIOc_openfile/PIOc_createfile's Go-native equivalent once the
// caller has already constructed sys, chosen a backend, and decided on
// its buffer pool and flush tunables — see package pioconfig for a
// flag-driven way to build the latter two.
func OpenFile(ncid int, id string, sys *IOSystem, be backend.Backend, mode Mode, p pool.Pool, ctrl *flush.Controller) *File {
	return exec.NewFile(ncid, id, sys, be, mode, p, ctrl)
}

// SetBufferSizeLimit changes the process-wide pio_buffer_size_limit
// default, returning the previous value. It only affects Files whose
// flush.Controller is constructed after this call; see flush.Controller
// and flush.SetBufferSizeLimit.
func SetBufferSizeLimit(n int64) int64 { return flush.SetBufferSizeLimit(n) }

// CloseFiles flushes and releases every file in files concurrently,
// returning the first error encountered. Each file's flush only
// touches that file's own decomposition state and communicators, so
// unlike a single file's internal write path (which the collective
// rearrangement forces to stay in lockstep across tasks) closing
// several independent files is free to run in parallel.
func CloseFiles(ctx context.Context, files ...*File) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error { return f.FlushAll(ctx) })
	}
	return g.Wait()
}
