// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pioconfig

import "github.com/grailbio/base/config"

// init registers the "pario" config object, the provisioner that
// ParseProfile's config.Must("pario", &f) resolves against. Without
// this registration a profile naming "pario" has no constructor to
// call, the same pairing the config package requires of every object
// a profile can name.
func init() {
	config.Register("pario", func(inst *config.Constructor) {
		f := &Flags{}
		*f = Defaults()
		inst.BoolVar(&f.UseMalloc, "use-malloc", f.UseMalloc,
			"PIO_USE_MALLOC: delegate the buffer pool to the system allocator instead of the integrated slab pool")
		inst.BoolVar(&f.EnableLogging, "enable-logging", f.EnableLogging,
			"PIO_ENABLE_LOGGING: enable diagnostic trace logging on the write path")
		inst.IntVar(&f.MaxCachedIORegions, "max-cached-io-regions", f.MaxCachedIORegions,
			"PIO_MAX_CACHED_IO_REGIONS: cap on projected I/O-side regions before a forced disk flush")
		limit := int(f.BufferSizeLimit)
		inst.IntVar(&limit, "buffer-size-limit", limit,
			"pio_buffer_size_limit: bytes of I/O-side cache per file before a forced disk flush")
		inst.IntVar(&f.GatherFlowControl, "gather-flow-control", f.GatherFlowControl,
			"flow-control block size for swapm.Gather, clamped to MAX_GATHER_BLOCK_SIZE")
		inst.Doc = "pario configures this module's buffer pool, flush, and logging tunables"
		inst.New = func() (interface{}, error) {
			f.BufferSizeLimit = int64(limit)
			return f, nil
		}
	})
}
