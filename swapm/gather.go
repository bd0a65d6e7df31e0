// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package swapm

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/comm"
)

// Gather collects send from every rank to root, using a flow-controlled
// pipeline that pre-posts at most min(flowControl, MaxGatherBlockSize)
// receives at a time when flowControl > 0. With flowControl <= 0 it
// falls back to the communicator's plain collective Gather. This mirrors
// pio_fc_gather's rationale: an ordinary MPI_Gather can force the root to
// pre-allocate matching-message buffering for every sender at once,
// which is exactly the pressure a flow-controlled pipeline avoids.
func Gather(ctx context.Context, c comm.Communicator, root int, send []byte, flowControl int) ([][]byte, error) {
	const op = "swapm.Gather"
	if flowControl <= 0 {
		return c.Gather(ctx, root, send)
	}
	blockSize := flowControl
	if blockSize > MaxGatherBlockSize {
		blockSize = MaxGatherBlockSize
	}
	nprocs := c.Size()
	me := c.Rank()
	tagBase := 2 * nprocs // above swapm.Exchange's data/handshake tag range [nprocs, 2*nprocs)

	if me == root {
		out := make([][]byte, nprocs)
		type slot struct {
			p  int
			rc comm.Request
		}
		window := make([]slot, 0, blockSize)
		drain := func() error {
			s := window[0]
			window = window[1:]
			data, err := s.rc.Wait(ctx)
			if err != nil {
				return err
			}
			out[s.p] = data
			return nil
		}
		for p := 0; p < nprocs; p++ {
			if p == root {
				continue
			}
			if len(window) >= blockSize {
				if err := drain(); err != nil {
					return nil, errors.E(op, err)
				}
			}
			tag := p*nprocs + tagBase
			rc, err := c.IRecv(ctx, p, tag)
			if err != nil {
				return nil, errors.E(op, err)
			}
			if err := c.Send(ctx, p, tag, []byte{1}); err != nil {
				return nil, errors.E(op, err)
			}
			window = append(window, slot{p: p, rc: rc})
		}
		for len(window) > 0 {
			if err := drain(); err != nil {
				return nil, errors.E(op, err)
			}
		}
		out[root] = send
		return out, nil
	}

	tag := me*nprocs + tagBase
	if _, err := c.Recv(ctx, root, tag); err != nil {
		return nil, errors.E(op, err)
	}
	if err := c.RSend(ctx, root, tag, send); err != nil {
		return nil, errors.E(op, err)
	}
	return nil, nil
}
