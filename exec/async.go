// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/metrics"
)

// asyncScope accumulates a process-wide count of async dispatches, since
// a dispatch is a property of the async channel itself rather than of
// any one File.
var asyncScope metrics.Scope

// AsyncDispatchCount returns the number of write requests dispatchAsync
// has broadcast so far, process-wide.
func AsyncDispatchCount() int64 { return metricAsyncDispatch.Value(&asyncScope) }

// The async dispatcher's wire contract fixes the order in which a
// write call's parameters cross from the compute-master to the I/O
// task group: ncid, nvars, varids, ioid, arraylen, payload bytes,
// frame (if present), fillvalue (if present), flushtodisk, followed by
// fndims (nvars travels as the length of varids). gob encodes
// WriteRequest's fields in declaration order, so that struct's field
// order is itself part of the wire contract.
func encodeMessage(req *WriteRequest) ([]byte, error) {
	const op = "exec.encodeMessage"
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, errors.E(errors.Fatal, op, err)
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (WriteRequest, error) {
	const op = "exec.decodeMessage"
	var req WriteRequest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&req); err != nil {
		return WriteRequest{}, errors.E(errors.Fatal, op, err)
	}
	return req, nil
}

// dispatchAsync hands req to the I/O task group over sys.Union. It is
// called by every compute task in an async system (the collective
// requires universal participation), but only the compute-master
// (sys.AsyncRoot within Union) actually supplies the encoded payload;
// every other caller passes nil, as Bcast requires of non-root callers.
// req == nil broadcasts the empty message ServeAsync treats as a
// shutdown signal.
func dispatchAsync(ctx context.Context, sys *iosystem.IOSystem, req *WriteRequest) error {
	const op = "exec.dispatchAsync"
	var payload []byte
	if sys.CompMaster {
		if req == nil {
			payload = []byte{}
		} else {
			enc, err := encodeMessage(req)
			if err != nil {
				return err
			}
			payload = enc
		}
	}
	if _, err := sys.Union.Bcast(ctx, sys.AsyncRoot, payload); err != nil {
		return errors.E(op, err)
	}
	if sys.CompMaster && req != nil {
		metricAsyncDispatch.Incr(&asyncScope, 1)
	}
	return nil
}

// ServeAsync runs the I/O task group's message loop: it blocks on the
// next broadcast from the compute-master, decodes the write
// parameters, and re-enters the write orchestrator with them, over and
// over until CloseAsync's shutdown broadcast arrives. It must be called
// on every task for which f.Sys.IOProc is true.
func ServeAsync(ctx context.Context, f *File) error {
	const op = "exec.ServeAsync"
	for {
		data, err := f.Sys.Union.Bcast(ctx, f.Sys.AsyncRoot, nil)
		if err != nil {
			return errors.E(op, err)
		}
		if len(data) == 0 {
			return nil
		}
		req, err := decodeMessage(data)
		if err != nil {
			return errors.E(op, err)
		}
		if err := f.writeDarrayMultiBody(ctx, req); err != nil {
			return errors.E(op, err)
		}
	}
}

// CloseAsync tells an async system's I/O task group to leave ServeAsync.
// It must be called by every compute task, matching ServeAsync's next
// pending Bcast on the I/O side; it is a no-op on a non-async system or
// on an I/O task.
func CloseAsync(ctx context.Context, sys *iosystem.IOSystem) error {
	if !sys.Async || sys.IOProc {
		return nil
	}
	return dispatchAsync(ctx, sys, nil)
}
