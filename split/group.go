// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package split

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
)

// GroupKFold splits the dataset into NSplits folds such that all
// samples of a group fall into the same fold. Groups are assigned
// largest first to the fold with the fewest samples so far, so that
// folds are approximately balanced.
type GroupKFold struct {
	NSplits int
}

// Split returns the folds of g as local row positions, given the group
// label of each local row. It is collective: the group set and the
// global group sizes are combined across dc.
func (g GroupKFold) Split(ctx context.Context, dc *bigfit.Context, groups []float64) ([]Fold, error) {
	if g.NSplits < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group kfold: NSplits %d < 2", g.NSplits))
	}
	var err error
	if len(groups) != dc.Rows {
		err = errors.E(errors.Invalid, fmt.Sprintf("group kfold: %d groups for %d rows", len(groups), dc.Rows))
	}
	if err = comm.Agree(ctx, dc.Comm, err); err != nil {
		return nil, err
	}
	// Replicated.
	set, err := combine.Categories(ctx, dc.Comm, groups)
	if err != nil {
		return nil, err
	}
	if g.NSplits > len(set) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group kfold: cannot have NSplits %d greater than the number of groups %d", g.NSplits, len(set)))
	}
	index := combine.NewIndex(set)
	local := make([]int, len(set))
	for _, v := range groups {
		i, _ := index.Lookup(v)
		local[i]++
	}
	// Replicated.
	sizes, err := comm.AllreduceInts(ctx, dc.Comm, local, comm.Sum)
	if err != nil {
		return nil, err
	}
	order := make([]int, len(set))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return sizes[order[i]] > sizes[order[j]]
	})
	weights := make([]int, g.NSplits)
	foldOf := make([]int, len(set))
	for _, group := range order {
		lightest := 0
		for f, w := range weights {
			if w < weights[lightest] {
				lightest = f
			}
		}
		weights[lightest] += sizes[group]
		foldOf[group] = lightest
	}
	folds := make([]Fold, g.NSplits)
	for i, v := range groups {
		pos, _ := index.Lookup(v)
		f := foldOf[pos]
		folds[f].Test = append(folds[f].Test, i)
		for k := range folds {
			if k != f {
				folds[k].Train = append(folds[k].Train, i)
			}
		}
	}
	return folds, nil
}
