// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package swapm implements the point-to-point collective exchange
// engine that box and subset rearrangement is built on: an all-to-all
// variable-size exchange with tunable concurrency, an optional
// handshake to avoid unexpected messages, and a pairwise schedule
// derived from an edge-coloring of the hypercube on nprocs.
package swapm

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/comm"
)

// MaxGatherBlockSize bounds the number of concurrently outstanding
// receives that a flow-controlled Gather will pre-post.
const MaxGatherBlockSize = 64

// Options tunes an Exchange invocation.
type Options struct {
	// Handshake, when set, makes every receiver pre-announce readiness
	// with a one-byte ready message before its sender issues a
	// ready-send. This bounds unexpected-message buffering on the
	// receiver at the cost of an extra round trip per peer.
	Handshake bool
	// ISend, when set, uses non-blocking sends for the data payload
	// instead of blocking sends.
	ISend bool
	// MaxRequests bounds the number of receives kept outstanding at
	// once. Values <= 1 serialize the exchange; values above the
	// number of active peers are clamped to that count.
	MaxRequests int
}

// Request describes one Exchange call's per-peer payloads. SendData and
// RecvLens are indexed by peer rank and must both have length equal to
// the communicator's Size(); a nil or empty SendData[p]/RecvLens[p]==0
// means no data flows in that direction with peer p.
type Request struct {
	SendData []([]byte)
	RecvLens []int
}

func newInvalid(op, msg string) error {
	return errors.E(errors.Invalid, op, msg)
}

// pair returns swapm's edge-coloring partner for task me at step istep
// among np participants, or -1 if istep pairs me with a task outside
// [0,np). This mirrors PIO's pio_spmd.c pair(): ad-hoc replacements of
// the XOR schedule risk deadlock in combination with the handshake
// ready-send pattern, so it is preserved exactly.
func pair(np, istep, me int) int {
	q := (istep + 1) ^ me
	if q > np-1 {
		return -1
	}
	return q
}

// ceil2 returns the smallest power of two that is >= n.
func ceil2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// Exchange performs a variable-size all-to-all exchange of req's
// per-peer payloads over c, returning the payload received from each
// peer (recvLens[p] bytes from peer p, nil where recvLens[p] == 0).
func Exchange(ctx context.Context, c comm.Communicator, req Request, opts Options) ([][]byte, error) {
	const op = "swapm.Exchange"
	nprocs := c.Size()
	me := c.Rank()
	if len(req.SendData) != nprocs || len(req.RecvLens) != nprocs {
		return nil, newInvalid(op, "SendData/RecvLens must have length nprocs")
	}

	recv := make([][]byte, nprocs)
	const tagBase = 0 // data tag = sender rank + nprocs, handshake tag = receiver rank + nprocs

	// Send to self short-circuits the schedule below: a task is never
	// its own peer in the XOR pairing.
	if len(req.SendData[me]) > 0 {
		tag := me + nprocs + tagBase
		rc, err := c.IRecv(ctx, me, tag)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if err := c.Send(ctx, me, tag, req.SendData[me]); err != nil {
			return nil, errors.E(op, err)
		}
		data, err := rc.Wait(ctx)
		if err != nil {
			return nil, errors.E(op, err)
		}
		recv[me] = data
	}

	// Build the pair schedule: peers with which this task exchanges
	// nonzero data in either direction, in XOR-pair order.
	var swapids []int
	for istep := 0; istep < ceil2(nprocs)-1; istep++ {
		p := pair(nprocs, istep, me)
		if p >= 0 && p < nprocs && (len(req.SendData[p]) > 0 || req.RecvLens[p] > 0) {
			swapids = append(swapids, p)
		}
	}
	steps := len(swapids)
	if steps == 0 {
		return recv, nil
	}

	maxreq, maxreqh := windowSize(steps, opts.MaxRequests)

	rcvids := make([]comm.Request, steps)
	hsRcvids := make([]comm.Request, steps)
	sndids := make([]comm.Request, steps)

	postHandshakeRecv := func(istep int) error {
		if !opts.Handshake {
			return nil
		}
		p := swapids[istep]
		if len(req.SendData[p]) == 0 {
			return nil
		}
		tag := me + nprocs + tagBase
		rc, err := c.IRecv(ctx, p, tag)
		if err != nil {
			return err
		}
		hsRcvids[istep] = rc
		return nil
	}

	postDataRecv := func(istep int) error {
		p := swapids[istep]
		if req.RecvLens[p] == 0 {
			return nil
		}
		tag := p + nprocs + tagBase
		rc, err := c.IRecv(ctx, p, tag)
		if err != nil {
			return err
		}
		rcvids[istep] = rc
		if opts.Handshake {
			if err := c.Send(ctx, p, tag, []byte{1}); err != nil {
				return err
			}
		}
		return nil
	}

	if opts.Handshake {
		for istep := 0; istep < maxreq; istep++ {
			if err := postHandshakeRecv(istep); err != nil {
				return nil, errors.E(op, err)
			}
		}
	}
	for istep := 0; istep < maxreq; istep++ {
		if err := postDataRecv(istep); err != nil {
			return nil, errors.E(op, err)
		}
	}

	waitRecv := func(istep int) error {
		p := swapids[istep]
		if req.RecvLens[p] == 0 || rcvids[istep] == nil {
			return nil
		}
		data, err := rcvids[istep].Wait(ctx)
		if err != nil {
			return err
		}
		recv[p] = data
		rcvids[istep] = nil
		return nil
	}

	sendData := func(istep int) error {
		p := swapids[istep]
		if len(req.SendData[p]) == 0 {
			return nil
		}
		tag := me + nprocs + tagBase
		if opts.Handshake && hsRcvids[istep] != nil {
			if _, err := hsRcvids[istep].Wait(ctx); err != nil {
				return err
			}
		}
		if opts.ISend {
			rc, err := c.ISend(ctx, p, tag, req.SendData[p])
			if err != nil {
				return err
			}
			sndids[istep] = rc
			return nil
		}
		return c.RSend(ctx, p, tag, req.SendData[p])
	}

	rstep := maxreq
	for istep := 0; istep < steps; istep++ {
		if err := sendData(istep); err != nil {
			return nil, errors.E(op, err)
		}
		if istep > maxreqh {
			if err := waitRecv(istep - maxreqh); err != nil {
				return nil, errors.E(op, err)
			}
			if rstep < steps {
				if opts.Handshake {
					if err := postHandshakeRecv(rstep); err != nil {
						return nil, errors.E(op, err)
					}
				}
				if err := postDataRecv(rstep); err != nil {
					return nil, errors.E(op, err)
				}
				rstep++
			}
		}
	}
	// Complete every receive not already waited on in the loop above
	// (waitRecv clears the ones it completed) and every send request.
	for istep := 0; istep < steps; istep++ {
		if err := waitRecv(istep); err != nil {
			return nil, errors.E(op, err)
		}
		if opts.ISend && sndids[istep] != nil {
			if _, err := sndids[istep].Wait(ctx); err != nil {
				return nil, errors.E(op, err)
			}
		}
	}
	return recv, nil
}

// windowSize computes the sliding-window sizes (maxreq, maxreqh) for a
// schedule of steps active peers and a caller-requested max_requests,
// following pio_swapm's derivation exactly, including its treatment of
// max_requests <= 1 as "no concurrency benefit, just double-buffer".
func windowSize(steps, maxRequests int) (maxreq, maxreqh int) {
	if steps == 1 {
		return 1, 1
	}
	switch {
	case maxRequests > 1 && maxRequests < steps:
		maxreq = maxRequests
		maxreqh = maxreq / 2
	case maxRequests >= steps:
		maxreq = steps
		maxreqh = steps
	default:
		maxreq = 2
		maxreqh = 1
	}
	return maxreq, maxreqh
}
