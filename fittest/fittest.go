// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fittest provides utilities for testing distributed bigfit
// code. The utilities here are generally not optimized for
// performance or robustness; they are strictly intended for unit
// testing.
package fittest

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
)

// Run runs fn on p in-process ranks. Errors returned by any rank are
// reported as fatal to the provided t instance.
func Run(t *testing.T, p int, fn func(ctx context.Context, c comm.Comm) error, opts ...comm.Option) {
	t.Helper()
	if err := comm.Run(context.Background(), p, fn, opts...); err != nil {
		t.Fatal(err)
	}
}

// RunContext is like Run, but also discovers the partition layout of
// the rank's slice of a dataset of n rows with the given number of
// features, split at cuts (see Bounds).
func RunContext(t *testing.T, p, n, features int, cuts []int, fn func(ctx context.Context, dc *bigfit.Context, lo, hi int) error, opts ...comm.Option) {
	t.Helper()
	Run(t, p, func(ctx context.Context, c comm.Comm) error {
		lo, hi := Bounds(n, p, cuts, c.Rank())
		dc, err := bigfit.Discover(ctx, c, hi-lo, features, true)
		if err != nil {
			return err
		}
		return fn(ctx, dc, lo, hi)
	}, opts...)
}

// Bounds returns the rows [lo, hi) of a dataset of n rows owned by
// rank out of p. If cuts is nil, rows are split as evenly as possible
// with larger partitions first; otherwise cuts holds the p-1 interior
// boundaries.
func Bounds(n, p int, cuts []int, rank int) (lo, hi int) {
	if cuts != nil {
		if len(cuts) != p-1 {
			panic("fittest.Bounds: need p-1 cuts")
		}
		if rank > 0 {
			lo = cuts[rank-1]
		}
		hi = n
		if rank < p-1 {
			hi = cuts[rank]
		}
		return
	}
	return bigfit.Bounds(n, p, rank)
}

// Matrix returns an n x features matrix of values in [0, 1),
// generated deterministically from seed.
func Matrix(seed int64, n, features int) [][]float64 {
	fz := fuzz.NewWithSeed(seed).NilChance(0).NumElements(features, features)
	X := make([][]float64, n)
	for i := range X {
		fz.Fuzz(&X[i])
	}
	return X
}

// Vector returns n values in [0, 1), generated deterministically from seed.
func Vector(seed int64, n int) []float64 {
	if n == 0 {
		return nil
	}
	var v []float64
	fuzz.NewWithSeed(seed).NilChance(0).NumElements(n, n).Fuzz(&v)
	return v
}

// Labels returns n class labels drawn from {0, ..., k-1},
// generated deterministically from seed.
func Labels(seed int64, n, k int) []float64 {
	fz := fuzz.NewWithSeed(seed)
	y := make([]float64, n)
	for i := range y {
		var u uint16
		fz.Fuzz(&u)
		y[i] = float64(int(u) % k)
	}
	return y
}

// Near reports whether x and y are equal within a relative tolerance
// tol, treating two NaNs as equal.
func Near(x, y, tol float64) bool {
	if x != x || y != y {
		return x != x && y != y
	}
	d := x - y
	if d < 0 {
		d = -d
	}
	s := max(abs(x), abs(y), 1)
	return d <= tol*s
}

// NearAll reports whether x and y have equal lengths and are
// elementwise Near.
func NearAll(x, y []float64, tol float64) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !Near(x[i], y[i], tol) {
			return false
		}
	}
	return true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
