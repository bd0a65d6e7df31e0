// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/rearrange"
)

// ReadDarray implements read_darray: symmetric to WriteDarray but
// simpler, since a read never aggregates through a
// write-multi-buffer. I/O tasks fetch their own region from the
// backend and every task in the union then participates in the
// IO-to-compute rearrangement; only tasks that are also compute tasks
// get a meaningful ndof-length result back.
func (f *File) ReadDarray(ctx context.Context, varid, ioid, arraylen int) ([]byte, error) {
	const op = "exec.File.ReadDarray"
	if !f.Readable() {
		return nil, errors.E(errors.Invalid, op, "file not opened for read")
	}
	v, err := f.lookupVar(op, varid)
	if err != nil {
		return nil, err
	}
	dc, err := f.lookupDecomp(op, ioid)
	if err != nil {
		return nil, err
	}
	if arraylen < dc.desc.NDOF() {
		return nil, errors.E(errors.Invalid, op, "arraylen must be >= decomposition ndof")
	}

	var src []byte
	if f.Sys.IOProc {
		data, err := f.Backend.ReadDarrayMulti(ctx, f.Sys.IO, 0, backend.ReadRequest{
			FileID:      f.ID,
			VarID:       varid,
			Frame:       v.Frame,
			PerVarElems: dc.desc.MaxIOBufLen(),
			ElemSize:    v.ElemSize,
		})
		if err != nil {
			return nil, errors.E(op, err)
		}
		src = data
	}

	dst, err := rearrange.IO2Comp(ctx, f.Sys.Union, dc.m, src, f.exchangeOptions())
	if err != nil {
		return nil, errors.E(op, err)
	}
	if !f.Sys.IsComputeTask() {
		return nil, nil
	}
	return dst, nil
}
