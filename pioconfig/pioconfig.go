// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pioconfig collects the process-wide tunables a host
// application sets on this module: whether the buffer pool delegates
// to the system allocator, whether diagnostic logging is enabled, the
// disk-flush region cap, and the I/O-side buffer size limit. A Flags
// struct can be wired into a flag.FlagSet directly, or built from a
// profile read through github.com/grailbio/base/config for hosts that
// already use that mechanism to assemble their dependencies.
package pioconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	"github.com/grailbio/pario/flush"
	"github.com/grailbio/pario/pool"
	"github.com/grailbio/pario/swapm"
)

// Path determines the location of the pario profile read by Parse.
var Path = os.ExpandEnv("$HOME/.pario/config")

// Flags holds every tunable named in this module's configuration
// surface. The zero value is not usable; construct one with
// RegisterFlags or Defaults.
type Flags struct {
	// UseMalloc corresponds to PIO_USE_MALLOC: when set, files acquire
	// their buffers from pool.Malloc instead of the integrated
	// pool.Slab allocator.
	UseMalloc bool
	// EnableLogging corresponds to PIO_ENABLE_LOGGING. It is carried
	// here for the host to read; no package in this module reads it, and
	// the write path does no logging of its own.
	EnableLogging bool
	// MaxCachedIORegions corresponds to PIO_MAX_CACHED_IO_REGIONS.
	MaxCachedIORegions int
	// BufferSizeLimit corresponds to pio_buffer_size_limit, in bytes.
	BufferSizeLimit int64
	// GatherFlowControl is a flow-control block size for swapm.Gather,
	// which clamps any block size to swapm.MaxGatherBlockSize. No
	// package in this module reads this field: backend.Memory always
	// passes swapm.MaxGatherBlockSize.
	GatherFlowControl int

	fs *flag.FlagSet
}

// Defaults returns Flags populated with this module's documented
// defaults, unregistered with any flag.FlagSet.
func Defaults() Flags {
	return Flags{
		UseMalloc:          false,
		EnableLogging:      false,
		MaxCachedIORegions: flush.DefaultMaxCachedIORegions,
		BufferSizeLimit:    flush.DefaultBufferSizeLimit,
		GatherFlowControl:  swapm.MaxGatherBlockSize,
	}
}

// RegisterFlags registers f's fields as flags on fs, each named
// prefix+"<tunable>". Call it with flag.CommandLine and an empty prefix
// to expose the tunables as ordinary command-line flags.
func RegisterFlags(fs *flag.FlagSet, f *Flags, prefix string) {
	*f = Defaults()
	fs.BoolVar(&f.UseMalloc, prefix+"use-malloc", f.UseMalloc,
		"PIO_USE_MALLOC: delegate the buffer pool to the system allocator instead of the integrated slab pool")
	fs.BoolVar(&f.EnableLogging, prefix+"enable-logging", f.EnableLogging,
		"PIO_ENABLE_LOGGING: enable diagnostic trace logging on the write path")
	fs.IntVar(&f.MaxCachedIORegions, prefix+"max-cached-io-regions", f.MaxCachedIORegions,
		"PIO_MAX_CACHED_IO_REGIONS: cap on projected I/O-side regions before a forced disk flush")
	fs.Int64Var(&f.BufferSizeLimit, prefix+"buffer-size-limit", f.BufferSizeLimit,
		"pio_buffer_size_limit: bytes of I/O-side cache per file before a forced disk flush")
	fs.IntVar(&f.GatherFlowControl, prefix+"gather-flow-control", f.GatherFlowControl,
		"flow-control block size for swapm.Gather, clamped to MAX_GATHER_BLOCK_SIZE")
	f.fs = fs
}

// Pool returns the pool.Pool implementation f selects.
func (f *Flags) Pool() pool.Pool {
	if f.UseMalloc {
		return pool.NewMalloc()
	}
	return pool.NewSlab()
}

// FlushOptions returns the flush.Option set f selects for a new
// flush.Controller.
func (f *Flags) FlushOptions() []flush.Option {
	return []flush.Option{flush.WithMaxCachedIORegions(f.MaxCachedIORegions)}
}

// Apply installs f.BufferSizeLimit as the process-wide default for
// flush.Controllers created after this call, returning the previous
// value (see flush.SetBufferSizeLimit). Only files opened after Apply
// observe the new limit.
func (f *Flags) Apply() int64 {
	return flush.SetBufferSizeLimit(f.BufferSizeLimit)
}

// Parse registers pario's configuration flags on flag.CommandLine,
// parses the process's command line, and returns the resulting Flags.
// It panics if flags have already been parsed, the same contract
// flag.Parse itself carries.
func Parse() *Flags {
	f := &Flags{}
	RegisterFlags(flag.CommandLine, f, "pario.")
	flag.Parse()
	return f
}

// ParseProfile registers pario's configuration flags plus the profile
// mechanism from github.com/grailbio/base/config, reads the profile at
// Path, and returns the "pario" object it provisions. It panics on any
// provisioning failure: a host application that opts into
// profile-based configuration wants to fail fast at startup, not
// thread a config error through every call site.
func ParseProfile() *Flags {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var f *Flags
	config.Must("pario", &f)
	return f
}
