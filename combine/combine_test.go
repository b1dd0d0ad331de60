// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combine

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fittest"
	"gonum.org/v1/gonum/stat"
)

const tol = 1e-9

func column(X [][]float64, j int) []float64 {
	col := make([]float64, len(X))
	for i := range X {
		col[i] = X[i][j]
	}
	return col
}

func TestMomentsEquivalence(t *testing.T) {
	const (
		n        = 257
		features = 4
	)
	X := fittest.Matrix(1, n, features)
	for _, layout := range []struct {
		p    int
		cuts []int
	}{
		{1, nil},
		{2, nil},
		{4, nil},
		{4, []int{0, 10, 200}},
		{7, nil},
	} {
		var (
			mu        sync.Mutex
			means     [][]float64
			variances [][]float64
		)
		fittest.RunContext(t, layout.p, n, features, layout.cuts, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
			m, err := CombineMoments(ctx, dc.Comm, LocalMoments(X[lo:hi], nil, features))
			if err != nil {
				return err
			}
			mu.Lock()
			means = append(means, m.Mean())
			variances = append(variances, m.Var(1))
			mu.Unlock()
			return nil
		})
		for j := 0; j < features; j++ {
			col := column(X, j)
			mean, variance := stat.MeanVariance(col, nil)
			for r := range means {
				if !fittest.Near(means[r][j], mean, tol) {
					t.Errorf("p=%d cuts=%v col %d: got mean %v, want %v", layout.p, layout.cuts, j, means[r][j], mean)
				}
				if !fittest.Near(variances[r][j], variance, 1e-8) {
					t.Errorf("p=%d cuts=%v col %d: got variance %v, want %v", layout.p, layout.cuts, j, variances[r][j], variance)
				}
			}
		}
	}
}

func TestCombineCountSum(t *testing.T) {
	fittest.Run(t, 3, func(ctx context.Context, c comm.Comm) error {
		g, err := Combine(ctx, c, Partial{Kind: Count, Count: float64(c.Rank() + 1)})
		if err != nil {
			return err
		}
		if got, want := g.Count, 6.0; got != want {
			return fmt.Errorf("count: got %v, want %v", got, want)
		}
		g, err = Combine(ctx, c, Partial{Kind: SumOfSquares, Values: []float64{1, float64(c.Rank())}})
		if err != nil {
			return err
		}
		if got, want := g.Values, []float64{3, 3}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("sumsq: got %v, want %v", got, want)
		}
		n, err := GlobalCount(ctx, c, 2)
		if err != nil {
			return err
		}
		if got, want := n, 6; got != want {
			return fmt.Errorf("global count: got %v, want %v", got, want)
		}
		if _, err := Combine(ctx, c, Partial{Kind: CategorySet}); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("categories: got %v, want invalid", err)
		}
		return nil
	})
}

func TestWeightedMeanEmptyPartition(t *testing.T) {
	// Partition 1 is empty; its NaN mean must carry no weight.
	counts := []float64{2, 0, 6}
	means := [][]float64{{1, 10}, {math.NaN(), math.NaN()}, {3, math.NaN()}}
	fittest.Run(t, 3, func(ctx context.Context, c comm.Comm) error {
		g, err := Combine(ctx, c, Partial{Kind: WeightedMean, Count: counts[c.Rank()], Values: means[c.Rank()]})
		if err != nil {
			return err
		}
		if want := []float64{2.5, 10}; !fittest.NearAll(g.Values, want, tol) {
			return fmt.Errorf("got %v, want %v", g.Values, want)
		}
		if got, want := g.Count, 8.0; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestWeightedMeanAllEmpty(t *testing.T) {
	fittest.Run(t, 2, func(ctx context.Context, c comm.Comm) error {
		mean, _, err := CombineMeans(ctx, c, 0, []float64{math.NaN()})
		if err != nil {
			return err
		}
		if !math.IsNaN(mean[0]) {
			return fmt.Errorf("got %v, want NaN", mean[0])
		}
		return nil
	})
}

func TestMinMax(t *testing.T) {
	X := [][]float64{
		{1, math.NaN()},
		{-3, 2},
		{5, 8},
		{0, -1},
	}
	fittest.RunContext(t, 3, len(X), 2, []int{1, 1}, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
		min, max := LocalMinMax(X[lo:hi], 2)
		g, err := Combine(ctx, dc.Comm, Partial{Kind: MinMax, Values: min, Max: max})
		if err != nil {
			return err
		}
		if got, want := g.Values, []float64{-3, -1}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("min: got %v, want %v", got, want)
		}
		if got, want := g.Max, []float64{5, 8}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("max: got %v, want %v", got, want)
		}
		return nil
	})
}

func TestCategories(t *testing.T) {
	local := [][]string{{"b", "a", "b"}, nil, {"d", "a"}, {"c"}}
	fittest.Run(t, len(local), func(ctx context.Context, c comm.Comm) error {
		cats, err := Categories(ctx, c, local[c.Rank()])
		if err != nil {
			return err
		}
		if got, want := cats, []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestDistinctNaN(t *testing.T) {
	nan := math.NaN()
	got := Distinct([]float64{nan, 2, nan}, []float64{1, nan, 2})
	if want := []float64{1, 2, nan}; !fittest.NearAll(got, want, 0) {
		t.Errorf("got %v, want %v", got, want)
	}
	index := NewIndex(got)
	if got, want := index.Len(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if i, ok := index.Lookup(math.NaN()); !ok || i != 2 {
		t.Errorf("got %v, %v, want 2", i, ok)
	}
	if _, ok := NewIndex([]float64{1, 2}).Lookup(nan); ok {
		t.Error("NaN found in index without NaN")
	}
}

func TestCategoriesNaN(t *testing.T) {
	nan := math.NaN()
	local := [][]float64{{1, nan}, {nan, nan}, nil, {2, 1}}
	fittest.Run(t, len(local), func(ctx context.Context, c comm.Comm) error {
		cats, err := Categories(ctx, c, local[c.Rank()])
		if err != nil {
			return err
		}
		if got, want := cats, []float64{1, 2, nan}; !fittest.NearAll(got, want, 0) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		m, err := Confusion(ctx, c, cats, local[c.Rank()], local[c.Rank()], nil)
		if err != nil {
			return err
		}
		want := [][]float64{{2, 0, 0}, {0, 1, 0}, {0, 0, 3}}
		for i := range want {
			if !fittest.NearAll(m[i], want[i], 0) {
				return fmt.Errorf("got %v, want %v", m, want)
			}
		}
		return nil
	})
}

func TestConfusion(t *testing.T) {
	yTrue := []float64{0, 1, 2, 2, 0, 1, 1, 2}
	yPred := []float64{0, 2, 2, 1, 0, 1, 0, 2}
	want := [][]float64{
		{2, 0, 0},
		{1, 1, 1},
		{0, 1, 2},
	}
	for _, p := range []int{1, 2, 4} {
		fittest.RunContext(t, p, len(yTrue), 1, nil, func(ctx context.Context, dc *bigfit.Context, lo, hi int) error {
			labels, err := Categories(ctx, dc.Comm, yTrue[lo:hi], yPred[lo:hi])
			if err != nil {
				return err
			}
			m, err := Confusion(ctx, dc.Comm, labels, yTrue[lo:hi], yPred[lo:hi], nil)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(m, want) {
				return fmt.Errorf("p=%d: got %v, want %v", p, m, want)
			}
			return nil
		})
	}
}

func TestConfusionMissingLabel(t *testing.T) {
	// Rank 2 has a label outside the explicitly supplied label set.
	const p = 4
	yTrue := [][]int{{0, 1}, {1}, {0, 7}, {1, 0}}
	errs := make([]error, p)
	fittest.Run(t, p, func(ctx context.Context, c comm.Comm) error {
		y := yTrue[c.Rank()]
		_, errs[c.Rank()] = Confusion(ctx, c, []int{0, 1}, y, y, nil)
		return nil
	})
	for r, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Fatalf("rank %d: got %v, want invalid", r, err)
		}
		if got, want := err.Error(), errs[0].Error(); got != want {
			t.Errorf("rank %d: got %q, want %q", r, got, want)
		}
	}
}
