// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package comm implements the collective primitives on which all of
bigfit is built. A Comm represents one rank's view of a fixed,
ordered worker set. Every verb is blocking and collective: a call
returns only after every rank in the set has made the matching
call, and every rank must issue collective calls in the same order.

Verbs either replicate their result on every rank (Allreduce,
Allgather, Bcast) or deliver it only to a root (Gather). Callers
rely on this distinction, and so each call site in bigfit states
which kind of result it consumes.

Three substrates are provided: Run and NewLocal connect ranks
running as goroutines in a single process; Self is the degenerate
one-rank worker set that performs no communication; and Service
and Dial connect ranks on bigmachine machines through a rendezvous
service. Any other transport may be used so long as it implements
Comm with the same blocking semantics.

Values contributed to a collective must not be mutated afterwards,
and values returned by a collective must be treated as read-only:
in-process substrates share them between ranks.
*/
package comm

import (
	"context"
	"fmt"
	"math"
)

// Comm is a single rank's handle on a worker set.
type Comm interface {
	// Rank returns this worker's rank, in [0, Size).
	Rank() int
	// Size returns the number of workers in the set.
	Size() int
	// Node returns the name of the physical node on which this rank
	// runs. Ranks with equal node names share a machine.
	Node() string

	// Allreduce reduces x elementwise across all ranks using op. The
	// result is replicated on every rank. All ranks must contribute
	// vectors of the same length.
	Allreduce(ctx context.Context, x []float64, op Op) ([]float64, error)
	// Allgather collects v from every rank. The rank-ordered result is
	// replicated on every rank. All ranks must contribute values of the
	// same dynamic type.
	Allgather(ctx context.Context, v interface{}) ([]interface{}, error)
	// Bcast returns root's value of v on every rank. Non-root ranks
	// must pass a value of the same dynamic type as root's, which is
	// otherwise ignored.
	Bcast(ctx context.Context, v interface{}, root int) (interface{}, error)
	// Gather collects v from every rank on root. The rank-ordered
	// result is returned on root only; other ranks receive nil.
	Gather(ctx context.Context, v interface{}, root int) ([]interface{}, error)

	// Split partitions the worker set by color. Ranks that pass the
	// same non-negative color form a new worker set, ordered by key
	// and then by parent rank. Ranks passing a negative color take
	// part in the split but receive a nil Comm.
	Split(ctx context.Context, color, key int) (Comm, error)
}

// Op is a reduction operator used by Allreduce.
type Op int

const (
	// Sum adds values.
	Sum Op = iota
	// Prod multiplies values.
	Prod
	// Max selects the maximum value.
	Max
	// Min selects the minimum value.
	Min
	// LOr is logical or: the result is 1 if any value is nonzero.
	LOr
	// LAnd is logical and: the result is 1 if all values are nonzero.
	LAnd
	// MaxLoc reduces (value, index) pairs: the pair with the largest
	// value wins, and ties go to the smallest index.
	MaxLoc
)

var opNames = [...]string{
	Sum:    "sum",
	Prod:   "prod",
	Max:    "max",
	Min:    "min",
	LOr:    "lor",
	LAnd:   "land",
	MaxLoc: "maxloc",
}

// String returns the operator's name.
func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// Reduce applies op elementwise to the rank-ordered vectors xs. The
// reduction always proceeds in rank order, so that every rank that
// reduces the same inputs computes a bit-identical result.
func (op Op) Reduce(xs [][]float64) ([]float64, error) {
	if len(xs) == 0 {
		return nil, nil
	}
	n := len(xs[0])
	for r, x := range xs {
		if len(x) != n {
			return nil, fmt.Errorf("%s: rank %d contributed %d values, rank 0 contributed %d", op, r, len(x), n)
		}
	}
	out := make([]float64, n)
	copy(out, xs[0])
	switch op {
	case Sum:
		for _, x := range xs[1:] {
			for i := range out {
				out[i] += x[i]
			}
		}
	case Prod:
		for _, x := range xs[1:] {
			for i := range out {
				out[i] *= x[i]
			}
		}
	case Max:
		for _, x := range xs[1:] {
			for i := range out {
				out[i] = math.Max(out[i], x[i])
			}
		}
	case Min:
		for _, x := range xs[1:] {
			for i := range out {
				out[i] = math.Min(out[i], x[i])
			}
		}
	case LOr, LAnd:
		for i := range out {
			out[i] = truth(out[i] != 0)
		}
		for _, x := range xs[1:] {
			for i := range out {
				if op == LOr {
					out[i] = truth(out[i] != 0 || x[i] != 0)
				} else {
					out[i] = truth(out[i] != 0 && x[i] != 0)
				}
			}
		}
	case MaxLoc:
		if n%2 != 0 {
			return nil, fmt.Errorf("maxloc: odd vector length %d", n)
		}
		for _, x := range xs[1:] {
			for i := 0; i < n; i += 2 {
				if x[i] > out[i] || (x[i] == out[i] && x[i+1] < out[i+1]) {
					out[i], out[i+1] = x[i], x[i+1]
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown reduction operator %v", op)
	}
	return out, nil
}

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
