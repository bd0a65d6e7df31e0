// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec_test

import (
	"testing"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/pario/backend"
	"github.com/grailbio/pario/comm"
	"github.com/grailbio/pario/exec"
	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/iodesc"
	"github.com/grailbio/pario/iosystem"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/rearrange"
)

func newTestFile(t *testing.T, n int, typ backend.Type) (*exec.File, []comm.Communicator) {
	t.Helper()
	comms := comm.NewLocal(n)
	sys, err := iosystem.New(comms[0], comms[0], comms[0], false, 0)
	if err != nil {
		t.Fatal(err)
	}
	f := exec.NewFile(1, "test.nc", sys, backend.NewMemory(typ), exec.Read|exec.Write, pool.NewMalloc(), flush.NewController())
	return f, comms
}

func boxDesc(t *testing.T, ndof, llen, maxiobuflen, elemSize int) *iodesc.Desc {
	t.Helper()
	d, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        ndof,
		LLen:        llen,
		MaxIOBufLen: maxiobuflen,
		MPITypeSize: elemSize,
		PIOTypeSize: elemSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestRegisterDecompRejectsNilMap(t *testing.T) {
	f, _ := newTestFile(t, 1, backend.SerialV3)
	if err := f.RegisterDecomp(0, nil); !errors.Is(errors.Invalid, err) {
		t.Fatalf("got %v, want Invalid", err)
	}
}

func TestRegisterDecompOverwritesExistingIOID(t *testing.T) {
	f, _ := newTestFile(t, 1, backend.SerialV3)
	desc := boxDesc(t, 2, 2, 2, 4)
	m := &rearrange.Map{
		Desc:              desc,
		Comp2IOSendCounts: []int{2},
		Comp2IOSendDispls: []int{0},
		Comp2IORecvCounts: []int{2},
		Comp2IORecvDispls: []int{0},
	}
	if err := f.RegisterDecomp(0, m); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterDecomp(0, m); err != nil {
		t.Fatalf("re-registering an ioid should overwrite, not fail: %v", err)
	}
}

func TestRegisterVarRejectsDuplicate(t *testing.T) {
	f, _ := newTestFile(t, 1, backend.SerialV3)
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterVar(v); err != nil {
		t.Fatal(err)
	}
	v2, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterVar(v2); !errors.Is(errors.Exists, err) {
		t.Fatalf("got %v, want Exists", err)
	}
}

func TestOutstandingIOBufInvariant(t *testing.T) {
	f, _ := newTestFile(t, 1, backend.SerialV3)
	if f.HasOutstandingIOBuf() {
		t.Fatal("fresh file should have no outstanding iobuf")
	}
}

func TestNewVariableRejectsBadFields(t *testing.T) {
	if _, err := exec.NewVariable(-1, 4, -1); !errors.Is(errors.Invalid, err) {
		t.Errorf("negative id: got %v, want Invalid", err)
	}
	if _, err := exec.NewVariable(0, 0, -1); !errors.Is(errors.Invalid, err) {
		t.Errorf("zero elemSize: got %v, want Invalid", err)
	}
	if _, err := exec.NewVariable(0, 4, -2); !errors.Is(errors.Invalid, err) {
		t.Errorf("frame below -1: got %v, want Invalid", err)
	}
}

func TestVariableFillValueCachesComputeResult(t *testing.T) {
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte{1, 2, 3, 4}, nil
	}
	for i := 0; i < 3; i++ {
		fv, err := v.FillValue(compute)
		if err != nil {
			t.Fatal(err)
		}
		if string(fv) != "\x01\x02\x03\x04" {
			t.Errorf("unexpected fill value: %v", fv)
		}
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
}

func TestVariablePendingRoundTrip(t *testing.T) {
	v, err := exec.NewVariable(0, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	v.AddPending(10)
	v.AddPending(5)
	if got := v.Pending(); got != 15 {
		t.Errorf("Pending() = %d, want 15", got)
	}
	v.ResetPending()
	if got := v.Pending(); got != 0 {
		t.Errorf("Pending() after reset = %d, want 0", got)
	}
}
