// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iodesc_test

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pario/iodesc"
)

func TestNewBox(t *testing.T) {
	d, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		NDOF:        100,
		LLen:        50,
		MaxIOBufLen: 60,
		MPITypeSize: 8,
		PIOTypeSize: 8,
		MaxRegions:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.HasHoles() {
		t.Errorf("box decomposition should not have holes")
	}
	if got, want := d.IOBufBytes(3), int64(60*3*8); got != want {
		t.Errorf("IOBufBytes: got %d, want %d", got, want)
	}
}

func TestNewBoxRejectsHoles(t *testing.T) {
	_, err := iodesc.New(iodesc.Params{
		Rearranger:   iodesc.Box,
		LLen:         10,
		MaxIOBufLen:  10,
		MPITypeSize:  8,
		PIOTypeSize:  8,
		HoleGridSize: 1,
	})
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}

func TestNewRejectsShortMaxIOBufLen(t *testing.T) {
	_, err := iodesc.New(iodesc.Params{
		Rearranger:  iodesc.Box,
		LLen:        10,
		MaxIOBufLen: 5,
		MPITypeSize: 8,
		PIOTypeSize: 8,
	})
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}

func TestSubsetAllowsHoles(t *testing.T) {
	d, err := iodesc.New(iodesc.Params{
		Rearranger:      iodesc.Subset,
		NDOF:            40,
		LLen:            50,
		MaxIOBufLen:     50,
		MPITypeSize:     8,
		PIOTypeSize:     4,
		HoleGridSize:    10,
		MaxHoleGridSize: 12,
		NeedsFill:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasHoles() || !d.NeedsFill() {
		t.Errorf("subset decomposition should report holes and needsfill")
	}
}
