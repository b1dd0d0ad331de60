// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package combine merges partial statistics computed over the
// partitions of a dataset into exact global statistics. Each kind of
// statistic has its own order-independent combination rule, so that
// results do not depend on the number of partitions or on where their
// boundaries fall. Every function in this package is collective and
// returns a result that is replicated on every worker.
package combine

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/comm"
	"gonum.org/v1/gonum/floats"
)

// Kind tags a partial statistic with its combination rule.
type Kind int

const (
	// Count is combined by summation.
	Count Kind = iota
	// Sum is combined by elementwise summation.
	Sum
	// SumOfSquares is combined by elementwise summation.
	SumOfSquares
	// MinMax is combined by elementwise minimum and maximum.
	MinMax
	// CategorySet is combined by union, in sorted order.
	CategorySet
	// ConfusionCounts is combined by elementwise summation over an
	// agreed label ordering.
	ConfusionCounts
	// WeightedMean is combined by averaging local means weighted by
	// their local counts.
	WeightedMean
)

var kindNames = [...]string{
	Count:           "count",
	Sum:             "sum",
	SumOfSquares:    "sumsq",
	MinMax:          "minmax",
	CategorySet:     "categories",
	ConfusionCounts: "confusion",
	WeightedMean:    "wmean",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// A Partial is a locally computed statistic of a vector kind (Count,
// Sum, SumOfSquares, MinMax, or WeightedMean). CategorySet and
// ConfusionCounts are typed; see Categories and Confusion.
type Partial struct {
	Kind Kind
	// Count is the local count for Count and WeightedMean.
	Count float64
	// Values holds sums for Sum and SumOfSquares, means for
	// WeightedMean, and minima for MinMax.
	Values []float64
	// Max holds maxima for MinMax.
	Max []float64
}

// A Global is the combination of the Partials of all workers.
type Global Partial

// Combine combines the partial statistic p of every worker. All
// workers must pass partials of the same kind and length.
func Combine(ctx context.Context, c comm.Comm, p Partial) (Global, error) {
	g := Global{Kind: p.Kind}
	var err error
	switch p.Kind {
	case Count:
		g.Count, err = comm.AllreduceFloat(ctx, c, p.Count, comm.Sum)
	case Sum, SumOfSquares:
		g.Values, err = c.Allreduce(ctx, p.Values, comm.Sum)
	case MinMax:
		g.Values, g.Max, err = CombineMinMax(ctx, c, p.Values, p.Max)
	case WeightedMean:
		g.Values, g.Count, err = CombineMeans(ctx, c, p.Count, p.Values)
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("combine: %s is not a vector statistic", p.Kind))
	}
	return g, err
}

// GlobalCount returns the sum of the workers' local counts n.
func GlobalCount(ctx context.Context, c comm.Comm, n int) (int, error) {
	total, err := comm.AllreduceFloat(ctx, c, float64(n), comm.Sum)
	return int(total), err
}

// GlobalSum returns the elementwise sum of the workers' vectors x.
func GlobalSum(ctx context.Context, c comm.Comm, x []float64) ([]float64, error) {
	return c.Allreduce(ctx, x, comm.Sum)
}

type localMean struct {
	Count float64
	Mean  []float64
}

// CombineMeans combines the workers' local means, each weighted by
// its local count: the result is Σ(count_i·mean_i) / Σ count_i,
// computed separately for each element. A local mean that is NaN (as
// produced by an empty partition) or that has a zero count
// contributes no weight. Elements with no weight at all are NaN.
// CombineMeans also returns the total weight.
func CombineMeans(ctx context.Context, c comm.Comm, count float64, mean []float64) ([]float64, float64, error) {
	// Replicated: every worker folds the same gathered means in rank order.
	locals, err := comm.AllgatherOf(ctx, c, localMean{count, mean})
	if err != nil {
		return nil, 0, err
	}
	n := len(mean)
	num := make([]float64, n)
	den := make([]float64, n)
	var total float64
	for r, l := range locals {
		if l.Count <= 0 {
			continue
		}
		if len(l.Mean) != n {
			return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("combine: rank %d has %d means, expected %d", r, len(l.Mean), n))
		}
		total += l.Count
		for i, m := range l.Mean {
			if math.IsNaN(m) {
				continue
			}
			num[i] += l.Count * m
			den[i] += l.Count
		}
	}
	for i := range num {
		if den[i] == 0 {
			num[i] = math.NaN()
		} else {
			num[i] /= den[i]
		}
	}
	return num, total, nil
}

type localMinMax struct {
	Min, Max []float64
}

// CombineMinMax returns the elementwise minimum of the workers' min
// vectors and the elementwise maximum of their max vectors. NaNs are
// ignored; an element with no value on any worker is +Inf (min) or
// -Inf (max).
func CombineMinMax(ctx context.Context, c comm.Comm, min, max []float64) (gmin, gmax []float64, err error) {
	// Replicated: every worker folds the same gathered extrema.
	locals, err := comm.AllgatherOf(ctx, c, localMinMax{min, max})
	if err != nil {
		return nil, nil, err
	}
	gmin = filled(len(min), math.Inf(1))
	gmax = filled(len(max), math.Inf(-1))
	for r, l := range locals {
		if len(l.Min) != len(gmin) || len(l.Max) != len(gmax) {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("combine: rank %d has %d/%d extrema, expected %d/%d", r, len(l.Min), len(l.Max), len(gmin), len(gmax)))
		}
		for i, x := range l.Min {
			if x < gmin[i] {
				gmin[i] = x
			}
		}
		for i, x := range l.Max {
			if x > gmax[i] {
				gmax[i] = x
			}
		}
	}
	return gmin, gmax, nil
}

// LocalMinMax returns the columnwise minima and maxima of X, ignoring
// NaNs. Columns with no values have minimum +Inf and maximum -Inf.
func LocalMinMax(X [][]float64, features int) (min, max []float64) {
	min = filled(features, math.Inf(1))
	max = filled(features, math.Inf(-1))
	for _, row := range X {
		for j, x := range row {
			if math.IsNaN(x) {
				continue
			}
			if x < min[j] {
				min[j] = x
			}
			if x > max[j] {
				max[j] = x
			}
		}
	}
	return
}

// Moments holds columnwise counts, sums, and sums of squares.
// Moments are partial statistics of kinds Count, Sum, and
// SumOfSquares, and are combined by summation.
type Moments struct {
	Count []float64
	Sum   []float64
	SumSq []float64
}

// LocalMoments computes the columnwise moments of X. NaN values are
// skipped, and so each column carries its own count. If weights is
// non-nil, each row contributes with its weight.
func LocalMoments(X [][]float64, weights []float64, features int) Moments {
	m := Moments{
		Count: make([]float64, features),
		Sum:   make([]float64, features),
		SumSq: make([]float64, features),
	}
	for i, row := range X {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		for j, x := range row {
			if math.IsNaN(x) {
				continue
			}
			m.Count[j] += w
			m.Sum[j] += w * x
			m.SumSq[j] += w * x * x
		}
	}
	return m
}

// CombineMoments sums the workers' moments with a single allreduce.
func CombineMoments(ctx context.Context, c comm.Comm, m Moments) (Moments, error) {
	n := len(m.Count)
	buf := make([]float64, 0, 3*n)
	buf = append(buf, m.Count...)
	buf = append(buf, m.Sum...)
	buf = append(buf, m.SumSq...)
	// Replicated.
	buf, err := c.Allreduce(ctx, buf, comm.Sum)
	if err != nil {
		return Moments{}, err
	}
	return Moments{Count: buf[:n], Sum: buf[n : 2*n], SumSq: buf[2*n:]}, nil
}

// Mean returns the columnwise means. Columns with zero count are NaN.
func (m Moments) Mean() []float64 {
	mean := floats.DivTo(make([]float64, len(m.Sum)), m.Sum, m.Count)
	for i, n := range m.Count {
		if n == 0 {
			mean[i] = math.NaN()
		}
	}
	return mean
}

// Var returns the columnwise variances with ddof delta degrees of
// freedom, recovered as E[x²] − E[x]² from the (global) sums. Small
// negative results due to cancellation are clamped to zero. Columns
// with count <= ddof are NaN.
func (m Moments) Var(ddof int) []float64 {
	mean := m.Mean()
	v := make([]float64, len(mean))
	for i := range v {
		n := m.Count[i]
		if n <= float64(ddof) {
			v[i] = math.NaN()
			continue
		}
		v[i] = m.SumSq[i]/n - mean[i]*mean[i]
		if v[i] < 0 {
			v[i] = 0
		}
		v[i] *= n / (n - float64(ddof))
	}
	return v
}

// Total returns the sum of all column counts.
func (m Moments) Total() float64 {
	return floats.Sum(m.Count)
}

func filled(n int, v float64) []float64 {
	x := make([]float64, n)
	floats.AddConst(v, x)
	return x
}
