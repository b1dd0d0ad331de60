// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigfit

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigfit/comm"
)

// Partition describes a worker's local slice of the dataset.
type Partition struct {
	Rows     int
	Features int
}

// Context is the per-call description of a distributed computation:
// the worker set, the local partition, and the global index space
// derived from all partitions. A Context is created once per
// distributed call by Discover and passed explicitly to every
// component. It is immutable; Rediscover returns a new one.
type Context struct {
	// Comm is this worker's communicator.
	Comm comm.Comm
	// Distributed is false when the Context describes a purely local
	// computation over comm.Self.
	Distributed bool

	// Rows and Features describe the local partition.
	Rows, Features int

	// GlobalRows is the total number of rows over all partitions.
	GlobalRows int
	// Counts holds the row count of each rank's partition.
	Counts []int
	// Offsets holds the exclusive prefix sum of Counts: rank r owns
	// the global rows [Offsets[r], Offsets[r]+Counts[r]).
	Offsets []int
}

// Discover gathers the partition sizes of all workers and derives the
// global row count and prefix offsets. It performs a single
// collective (a replicated allgather). Discover must be called again
// whenever a worker's row count may have changed, for example after
// local filtering.
//
// If distributed is false, Discover describes the local partition
// only, over the one-rank communicator comm.Self, and performs no
// communication; c is ignored and may be nil.
//
// Discover returns a fatal error if the worker set is inconsistent;
// in this case no part of the distributed call may proceed. Feature
// counts that differ between non-empty partitions are reported as
// an invalid-argument error on every worker.
func Discover(ctx context.Context, c comm.Comm, rows, features int, distributed bool) (*Context, error) {
	if distributed && c == nil {
		return nil, errors.E(errors.Invalid, "bigfit.Discover: distributed context without a communicator")
	}
	if !distributed {
		c = comm.Self()
	}
	parts, err := comm.AllgatherOf(ctx, c, Partition{Rows: rows, Features: features})
	if err != nil {
		return nil, err
	}
	if len(parts) != c.Size() {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("bigfit.Discover: gathered %d partitions from %d workers", len(parts), c.Size()))
	}
	dc := &Context{
		Comm:        c,
		Distributed: distributed,
		Rows:        rows,
		Features:    features,
		Counts:      make([]int, len(parts)),
		Offsets:     make([]int, len(parts)),
	}
	globalFeatures := -1
	for r, part := range parts {
		if part.Rows < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigfit.Discover: rank %d has %d rows", r, part.Rows))
		}
		dc.Offsets[r] = dc.GlobalRows
		dc.Counts[r] = part.Rows
		dc.GlobalRows += part.Rows
		if part.Rows == 0 {
			continue
		}
		switch {
		case globalFeatures < 0:
			globalFeatures = part.Features
		case globalFeatures != part.Features:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigfit.Discover: rank %d has %d features, expected %d", r, part.Features, globalFeatures))
		}
	}
	if globalFeatures >= 0 {
		dc.Features = globalFeatures
	}
	log.Debug.Printf("bigfit.Discover: rank %d/%d: rows %d of %d at offset %d",
		c.Rank(), c.Size(), rows, dc.GlobalRows, dc.Offsets[c.Rank()])
	return dc, nil
}

// Rediscover returns a new context for the same worker set after the
// local row count has changed to rows. It is collective.
func (dc *Context) Rediscover(ctx context.Context, rows int) (*Context, error) {
	return Discover(ctx, dc.Comm, rows, dc.Features, dc.Distributed)
}

// Rank returns the rank of this worker.
func (dc *Context) Rank() int { return dc.Comm.Rank() }

// Size returns the number of workers.
func (dc *Context) Size() int { return dc.Comm.Size() }

// Range returns the global index range [lo, hi) owned by this worker.
func (dc *Context) Range() (lo, hi int) {
	lo = dc.Offsets[dc.Rank()]
	return lo, lo + dc.Rows
}

// Global returns the global index of the local row i.
func (dc *Context) Global(i int) int {
	return dc.Offsets[dc.Rank()] + i
}

// Owner returns the rank that owns the global row i, or -1 if i is
// outside of the index space.
func (dc *Context) Owner(i int) int {
	if i < 0 || i >= dc.GlobalRows {
		return -1
	}
	// The last rank whose offset is <= i; empty partitions share the
	// offset of their successor and so are skipped.
	return sort.Search(len(dc.Offsets), func(r int) bool { return dc.Offsets[r] > i }) - 1
}

// LocalIndices returns the local row positions of the global indices
// that fall within this worker's partition, in the order in which
// they appear in global.
func (dc *Context) LocalIndices(global []int) []int {
	lo, hi := dc.Range()
	var local []int
	for _, i := range global {
		if i >= lo && i < hi {
			local = append(local, i-lo)
		}
	}
	return local
}

func (dc *Context) String() string {
	lo, hi := dc.Range()
	return fmt.Sprintf("rank %d/%d rows [%d, %d) of %d", dc.Rank(), dc.Size(), lo, hi, dc.GlobalRows)
}

// Bounds returns the rows [lo, hi) of a dataset of n rows that rank
// owns when the dataset is split as evenly as possible among p ranks,
// larger partitions first.
func Bounds(n, p, rank int) (lo, hi int) {
	q, r := n/p, n%p
	lo = rank*q + min(rank, r)
	hi = lo + q
	if rank < r {
		hi++
	}
	return
}
