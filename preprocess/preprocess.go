// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package preprocess implements distributed data transformers. A
// transformer is fitted collectively from global statistics of the
// distributed dataset, after which it holds the same state on every
// worker and transforms local data without communication.
package preprocess

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
)

// Stage is a single-round fitting step: a local computation followed
// by its combination. Preprocessing transformers are fitted as one or
// more stages through bigfit.Fit, which synchronizes local errors.
type stage struct {
	local   func() error
	combine func(ctx context.Context) error
}

func (s *stage) Family() bigfit.Family                   { return bigfit.Preprocessing }
func (s *stage) LocalRound(ctx context.Context) error    { return s.local() }
func (s *stage) CombineRound(ctx context.Context) error  { return s.combine(ctx) }
func (s *stage) Converged(context.Context) (bool, error) { return true, nil }

func runStage(ctx context.Context, dc *bigfit.Context, local func() error, combine func(ctx context.Context) error) error {
	_, err := bigfit.Fit(ctx, dc, &stage{local, combine}, 1)
	return err
}

// checkShape checks that X is the local partition described by dc.
func checkShape(name string, dc *bigfit.Context, X [][]float64) error {
	if len(X) != dc.Rows {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: %d rows, expected %d", name, len(X), dc.Rows))
	}
	for i, x := range X {
		if len(x) != dc.Features {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: row %d has %d features, expected %d", name, i, len(x), dc.Features))
		}
	}
	return nil
}

func checkFeatures(name string, X [][]float64, n int) error {
	for i, x := range X {
		if len(x) != n {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: row %d has %d features, fitted with %d", name, i, len(x), n))
		}
	}
	return nil
}

// apply returns f(j, X[i][j]) for every element of X.
func apply(X [][]float64, f func(j int, v float64) float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = make([]float64, len(x))
		for j, v := range x {
			out[i][j] = f(j, v)
		}
	}
	return out
}

// safeScale replaces zero (or non-finite) scales by 1, so that
// constant features are left unscaled.
func safeScale(scale []float64) []float64 {
	for j, s := range scale {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			scale[j] = 1
		}
	}
	return scale
}

// StandardScaler standardizes features by removing the mean and
// scaling to unit variance.
type StandardScaler struct {
	// WithMean and WithStd select centering and scaling.
	WithMean, WithStd bool

	// Mean, Var, and Scale hold the fitted per-feature mean,
	// (population) variance, and scale.
	Mean, Var, Scale []float64
	// NSamples is the global number of samples seen.
	NSamples int
}

// NewStandardScaler returns a StandardScaler that both centers and
// scales.
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{WithMean: true, WithStd: true}
}

// Fit computes the global mean and variance of the distributed
// dataset described by dc, of which X is the local partition. The
// mean is combined from the workers' local means, weighted by their
// row counts. The variance is computed in a second pass as the global
// mean of squared deviations from the global mean.
func (s *StandardScaler) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64) error {
	f := dc.Features
	localMean := make([]float64, f)
	err := runStage(ctx, dc, func() error {
		if err := checkShape("standard scaler", dc, X); err != nil {
			return err
		}
		for _, x := range X {
			for j, v := range x {
				localMean[j] += v
			}
		}
		for j := range localMean {
			localMean[j] /= float64(len(X))
		}
		return nil
	}, func(ctx context.Context) (err error) {
		// Replicated.
		s.Mean, _, err = combine.CombineMeans(ctx, dc.Comm, float64(dc.Rows), localMean)
		return
	})
	if err != nil {
		return err
	}
	dev := make([]float64, f)
	for _, x := range X {
		for j, v := range x {
			d := v - s.Mean[j]
			dev[j] += d * d
		}
	}
	// Replicated.
	if dev, err = combine.GlobalSum(ctx, dc.Comm, dev); err != nil {
		return err
	}
	s.NSamples = dc.GlobalRows
	s.Var = make([]float64, f)
	s.Scale = make([]float64, f)
	for j := range dev {
		s.Var[j] = dev[j] / float64(dc.GlobalRows)
		s.Scale[j] = math.Sqrt(s.Var[j])
	}
	safeScale(s.Scale)
	return nil
}

// Transform standardizes X.
func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	if err := checkFeatures("standard scaler", X, len(s.Mean)); err != nil {
		return nil, err
	}
	return apply(X, func(j int, v float64) float64 {
		if s.WithMean {
			v -= s.Mean[j]
		}
		if s.WithStd {
			v /= s.Scale[j]
		}
		return v
	}), nil
}

// InverseTransform undoes Transform.
func (s *StandardScaler) InverseTransform(X [][]float64) ([][]float64, error) {
	if err := checkFeatures("standard scaler", X, len(s.Mean)); err != nil {
		return nil, err
	}
	return apply(X, func(j int, v float64) float64 {
		if s.WithStd {
			v *= s.Scale[j]
		}
		if s.WithMean {
			v += s.Mean[j]
		}
		return v
	}), nil
}

// MinMaxScaler scales each feature to the range [Min, Max].
type MinMaxScaler struct {
	// Min and Max give the target range. If both are zero, [0, 1] is
	// used.
	Min, Max float64

	// DataMin and DataMax hold the fitted per-feature global minima
	// and maxima.
	DataMin, DataMax []float64
	// Scale holds the per-feature scale.
	Scale []float64
}

// Fit computes the global per-feature minima and maxima of the
// distributed dataset described by dc, of which X is the local
// partition. NaN values are ignored.
func (s *MinMaxScaler) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64) error {
	if s.Min == 0 && s.Max == 0 {
		s.Max = 1
	}
	if s.Min >= s.Max {
		return errors.E(errors.Invalid, fmt.Sprintf("min-max scaler: range [%v, %v] is empty", s.Min, s.Max))
	}
	var min, max []float64
	err := runStage(ctx, dc, func() error {
		if err := checkShape("min-max scaler", dc, X); err != nil {
			return err
		}
		min, max = combine.LocalMinMax(X, dc.Features)
		return nil
	}, func(ctx context.Context) (err error) {
		// Replicated.
		s.DataMin, s.DataMax, err = combine.CombineMinMax(ctx, dc.Comm, min, max)
		return
	})
	if err != nil {
		return err
	}
	s.Scale = make([]float64, dc.Features)
	for j := range s.Scale {
		s.Scale[j] = s.DataMax[j] - s.DataMin[j]
	}
	safeScale(s.Scale)
	for j := range s.Scale {
		s.Scale[j] = (s.Max - s.Min) / s.Scale[j]
	}
	return nil
}

// Transform scales X.
func (s *MinMaxScaler) Transform(X [][]float64) ([][]float64, error) {
	if err := checkFeatures("min-max scaler", X, len(s.Scale)); err != nil {
		return nil, err
	}
	return apply(X, func(j int, v float64) float64 {
		return (v-s.DataMin[j])*s.Scale[j] + s.Min
	}), nil
}

// MaxAbsScaler scales each feature by its maximum absolute value.
type MaxAbsScaler struct {
	// MaxAbs holds the fitted per-feature maximum absolute values.
	MaxAbs []float64
	// Scale holds the per-feature scale.
	Scale []float64
}

// Fit computes the global per-feature maximum absolute values of the
// distributed dataset described by dc, of which X is the local
// partition.
func (s *MaxAbsScaler) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64) error {
	var min, max []float64
	err := runStage(ctx, dc, func() error {
		if err := checkShape("max-abs scaler", dc, X); err != nil {
			return err
		}
		min, max = combine.LocalMinMax(X, dc.Features)
		return nil
	}, func(ctx context.Context) (err error) {
		// Replicated.
		min, max, err = combine.CombineMinMax(ctx, dc.Comm, min, max)
		return
	})
	if err != nil {
		return err
	}
	s.MaxAbs = make([]float64, dc.Features)
	for j := range s.MaxAbs {
		s.MaxAbs[j] = math.Max(math.Abs(min[j]), math.Abs(max[j]))
	}
	s.Scale = safeScale(append([]float64(nil), s.MaxAbs...))
	return nil
}

// Transform scales X.
func (s *MaxAbsScaler) Transform(X [][]float64) ([][]float64, error) {
	if err := checkFeatures("max-abs scaler", X, len(s.Scale)); err != nil {
		return nil, err
	}
	return apply(X, func(j int, v float64) float64 { return v / s.Scale[j] }), nil
}
