// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package score

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/fittest"
	"gonum.org/v1/gonum/stat"
)

// scalar checks that fn computes want, within tolerance, for every
// number of workers from 1 to 4.
func scalar(t *testing.T, n int, want float64, fn func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error)) {
	t.Helper()
	for p := 1; p <= 4; p++ {
		fittest.RunContext(t, p, n, 1, nil, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
			got, err := fn(ctx, dc, lo, hi)
			if err != nil {
				return err
			}
			if !fittest.Near(got, want, 1e-9) {
				return fmt.Errorf("p=%d, rank %d: got %v, want %v", p, dc.Rank(), got, want)
			}
			return nil
		})
	}
}

func TestRegressionMetrics(t *testing.T) {
	var (
		yTrue = []float64{3, -0.5, 2, 7}
		yPred = []float64{2.5, 0, 2, 8}
	)
	scalar(t, 4, 0.9486081370449679, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return R2(ctx, dc, yTrue[lo:hi], yPred[lo:hi], nil)
	})
	scalar(t, 4, 0.375, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return MeanSquaredError(ctx, dc, yTrue[lo:hi], yPred[lo:hi], nil)
	})
	scalar(t, 4, 0.5, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return MeanAbsoluteError(ctx, dc, yTrue[lo:hi], yPred[lo:hi], nil)
	})
}

func TestR2Equivalence(t *testing.T) {
	const n = 301
	var (
		yTrue   = fittest.Vector(1, n)
		yPred   = fittest.Vector(2, n)
		weights = fittest.Vector(3, n)
	)
	mean := stat.Mean(yTrue, weights)
	var total, residual float64
	for i := range yTrue {
		total += weights[i] * (yTrue[i] - mean) * (yTrue[i] - mean)
		residual += weights[i] * (yTrue[i] - yPred[i]) * (yTrue[i] - yPred[i])
	}
	want := 1 - residual/total
	// Uneven partition boundaries, including an empty partition.
	for _, cuts := range [][]int{{150}, {0, 10, 200}, {100, 100, 101}} {
		p := len(cuts) + 1
		fittest.RunContext(t, p, n, 1, cuts, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
			got, err := R2(ctx, dc, yTrue[lo:hi], yPred[lo:hi], weights[lo:hi])
			if err != nil {
				return err
			}
			if !fittest.Near(got, want, 1e-9) {
				return fmt.Errorf("cuts %v: got %v, want %v", cuts, got, want)
			}
			return nil
		})
	}
}

func TestR2Degenerate(t *testing.T) {
	fittest.RunContext(t, 3, 1, 1, nil, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
		got, err := R2(ctx, dc, []float64{1}[lo:hi], []float64{2}[lo:hi], nil)
		if err != nil {
			return err
		}
		if !math.IsNaN(got) {
			return fmt.Errorf("got %v, want NaN", got)
		}
		return nil
	})
}

func TestAccuracy(t *testing.T) {
	var (
		yTrue   = []float64{0, 1, 2, 3, 1, 1}
		yPred   = []float64{0, 2, 1, 3, 1, 0}
		weights = []float64{1, 1, 1, 1, 2, 2}
	)
	scalar(t, 6, 0.5, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return Accuracy(ctx, dc, yTrue[lo:hi], yPred[lo:hi], nil, true)
	})
	scalar(t, 6, 3, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return Accuracy(ctx, dc, yTrue[lo:hi], yPred[lo:hi], nil, false)
	})
	scalar(t, 6, 0.5, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return Accuracy(ctx, dc, yTrue[lo:hi], yPred[lo:hi], weights[lo:hi], true)
	})
}

func TestLogLoss(t *testing.T) {
	var (
		yTrue = []float64{1, 0, 0, 1}
		proba = [][]float64{{.1, .9}, {.9, .1}, {.8, .2}, {.35, .65}}
		pos   = [][]float64{{.9}, {.1}, {.2}, {.65}}
	)
	const want = 0.21616187468057912
	scalar(t, 4, want, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return LogLoss(ctx, dc, yTrue[lo:hi], proba[lo:hi], LogLossOptions{})
	})
	scalar(t, 4, want, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return LogLoss(ctx, dc, yTrue[lo:hi], pos[lo:hi], LogLossOptions{})
	})
	scalar(t, 4, 4*want, func(ctx context.Context, dc *bigfit.Context, lo, hi int) (float64, error) {
		return LogLoss(ctx, dc, yTrue[lo:hi], proba[lo:hi], LogLossOptions{Sum: true})
	})
}

func TestLengthMismatch(t *testing.T) {
	errs := make([]error, 4)
	fittest.RunContext(t, 4, 8, 1, nil, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
		yTrue, yPred := make([]float64, hi-lo), make([]float64, hi-lo)
		if dc.Rank() == 1 {
			yPred = yPred[1:]
		}
		_, errs[dc.Rank()] = MeanSquaredError(ctx, dc, yTrue, yPred, nil)
		return nil
	})
	for r, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", r, err)
		} else if got, want := err.Error(), errs[0].Error(); got != want {
			t.Errorf("rank %d: got %q, want %q", r, got, want)
		}
	}
}
