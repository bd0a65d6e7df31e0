// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package pario implements a parallel I/O layer for distributed
scientific arrays, in the shape of NCAR's PIO library: a compute task
holds one local tile of a global array, and an I/O task group owns the
contiguous storage-side layout that tile maps into.

A File binds a decomposition (box or subset, package iodesc), a
communicator role split (package iosystem), a buffer pool (package
pool), a flush controller (package flush), and a backend (package
backend) together. WriteDarray packs one variable's payload into a
write-multi-buffer (package wmb) that aggregates several append calls
before the flush controller (package flush) decides, collectively, when
to rearrange (package rearrange, built on the swapm exchange engine)
and hand the result to the backend. WriteDarrayMulti is the direct
multi-variable entry point that a flushed write-multi-buffer itself
uses. ReadDarray is the write path's simpler, unaggregated mirror.

On an async IOSystem, compute and I/O tasks are disjoint process
groups; exec.ServeAsync and exec.CloseAsync run the message loop that
hands a compute task's write call to the I/O side over the union
communicator. Process-group construction itself — pairing compute and
I/O tasks, deciding which ranks go where — is a deployment concern
outside this module's scope; see iosystem's package doc.
*/
package pario
