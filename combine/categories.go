// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combine

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/comm"
	"golang.org/x/exp/constraints"
)

// Distinct returns the distinct values of xs in sorted order. NaN,
// the only value unequal to itself, is a single category that sorts
// after every other.
func Distinct[T constraints.Ordered](xs ...[]T) []T {
	seen := make(map[T]struct{})
	var (
		out []T
		nan []T
	)
	for _, x := range xs {
		for _, v := range x {
			if v != v {
				if nan == nil {
					nan = []T{v}
				}
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return append(out, nan...)
}

// Categories returns the sorted union of the values observed by all
// workers. This is the canonical category ordering: every worker
// adopts it for mapping between indices and categories, and it is
// stable input to any later fit over the merged set.
func Categories[T constraints.Ordered](ctx context.Context, c comm.Comm, local ...[]T) ([]T, error) {
	// Replicated: every worker merges the same gathered sets.
	sets, err := comm.AllgatherOf(ctx, c, Distinct(local...))
	if err != nil {
		return nil, err
	}
	return Distinct(sets...), nil
}

// Index maps categories to their positions. All NaNs map to the
// position of the NaN category, if any.
type Index[T comparable] struct {
	pos map[T]int
	nan int
}

// NewIndex returns the index of the provided categories.
func NewIndex[T comparable](categories []T) Index[T] {
	index := Index[T]{pos: make(map[T]int, len(categories)), nan: -1}
	for i, v := range categories {
		if v != v {
			index.nan = i
			continue
		}
		index.pos[v] = i
	}
	return index
}

// Lookup returns the position of category v, and whether v is one of
// the indexed categories.
func (x Index[T]) Lookup(v T) (int, bool) {
	if v != v {
		return x.nan, x.nan >= 0
	}
	i, ok := x.pos[v]
	return i, ok
}

// Len returns the number of distinct indexed categories.
func (x Index[T]) Len() int {
	if x.nan >= 0 {
		return len(x.pos) + 1
	}
	return len(x.pos)
}

// Confusion computes the global confusion matrix of yTrue and yPred
// over the agreed label ordering labels: entry (i, j) counts (or, if
// weights is non-nil, sums the weights of) the samples with true label
// labels[i] and predicted label labels[j].
//
// A worker that observes none of the samples of some label simply
// contributes zeros. A worker that observes a label outside of labels
// fails; the failure is synchronized, and every worker returns the
// same error.
func Confusion[T constraints.Ordered](ctx context.Context, c comm.Comm, labels []T, yTrue, yPred []T, weights []float64) ([][]float64, error) {
	k := len(labels)
	local, err := localConfusion(labels, yTrue, yPred, weights)
	if err = comm.Agree(ctx, c, err); err != nil {
		return nil, err
	}
	// Replicated.
	flat, err := c.Allreduce(ctx, local, comm.Sum)
	if err != nil {
		return nil, err
	}
	m := make([][]float64, k)
	for i := range m {
		m[i] = flat[i*k : (i+1)*k]
	}
	return m, nil
}

func localConfusion[T constraints.Ordered](labels []T, yTrue, yPred []T, weights []float64) ([]float64, error) {
	k := len(labels)
	flat := make([]float64, k*k)
	if len(yTrue) != len(yPred) {
		return flat, errors.E(errors.Invalid, fmt.Sprintf("confusion: %d true labels, %d predicted labels", len(yTrue), len(yPred)))
	}
	if weights != nil && len(weights) != len(yTrue) {
		return flat, errors.E(errors.Invalid, fmt.Sprintf("confusion: %d weights for %d samples", len(weights), len(yTrue)))
	}
	index := NewIndex(labels)
	if index.Len() != k {
		return flat, errors.E(errors.Invalid, "confusion: labels are not distinct")
	}
	for n := range yTrue {
		i, ok := index.Lookup(yTrue[n])
		if !ok {
			return flat, errors.E(errors.Invalid, fmt.Sprintf("confusion: true label %v not in labels", yTrue[n]))
		}
		j, ok := index.Lookup(yPred[n])
		if !ok {
			return flat, errors.E(errors.Invalid, fmt.Sprintf("confusion: predicted label %v not in labels", yPred[n]))
		}
		w := 1.0
		if weights != nil {
			w = weights[n]
		}
		flat[i*k+j] += w
	}
	return flat, nil
}
