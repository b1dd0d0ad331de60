// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package split implements distributed cross-validation splitters.
// Splitters operate on the global index space of a distributed
// dataset: every worker computes the same plan of (train, test)
// global index sets, and materializes only the portion of each that
// falls within its own partition, as local row positions.
//
// Except for GroupKFold, which needs the global group sizes,
// splitters perform no communication: the plan depends only on the
// global row count, which every worker already knows.
package split

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
)

// Fold is a single (train, test) split. Depending on how it was
// obtained, it holds either global indices or a worker's local row
// positions.
type Fold struct {
	Train, Test []int
}

// localize converts a fold of global indices into the local row
// positions of dc's partition.
func localize(dc *bigfit.Context, f Fold) Fold {
	return Fold{
		Train: dc.LocalIndices(f.Train),
		Test:  dc.LocalIndices(f.Test),
	}
}

// complement returns the ascending indices in [0, n) that are not in
// test.
func complement(n int, test []int) []int {
	mask := make([]bool, n)
	for _, i := range test {
		mask[i] = true
	}
	train := make([]int, 0, n-len(test))
	for i, t := range mask {
		if !t {
			train = append(train, i)
		}
	}
	return train
}

// KFold splits the global index space into NSplits folds of
// consecutive (optionally shuffled) indices. Each fold is used once as
// the test set, while the remaining folds form the training set.
type KFold struct {
	// NSplits is the number of folds; at least 2.
	NSplits int
	// Shuffle tells whether to shuffle the index space before
	// splitting it.
	Shuffle bool
	// Seed seeds the shuffle. It must be the same on every worker.
	Seed int64
}

// Global returns the folds of KFold over a global index space of size
// n. Test sets hold indices in (shuffled) fold order; training sets
// hold ascending indices. The first n%NSplits folds hold one index
// more than the others.
func (k KFold) Global(dc *bigfit.Context) ([]Fold, error) {
	n := dc.GlobalRows
	if k.NSplits < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kfold: NSplits %d < 2", k.NSplits))
	}
	if k.NSplits > n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kfold: cannot have NSplits %d greater than the number of samples %d", k.NSplits, n))
	}
	perm := dc.Identity()
	if k.Shuffle {
		perm = dc.Permutation(k.Seed)
	}
	folds := make([]Fold, k.NSplits)
	start := 0
	for f := range folds {
		size := n / k.NSplits
		if f < n%k.NSplits {
			size++
		}
		test := perm[start : start+size]
		folds[f] = Fold{Train: complement(n, test), Test: test}
		start += size
	}
	return folds, nil
}

// Split returns the folds of KFold, as local row positions of dc's
// partition.
func (k KFold) Split(dc *bigfit.Context) ([]Fold, error) {
	folds, err := k.Global(dc)
	if err != nil {
		return nil, err
	}
	for i := range folds {
		folds[i] = localize(dc, folds[i])
	}
	return folds, nil
}

// TrainTestOptions configures TrainTestSplit. Sizes in (0, 1) are
// fractions of the global row count; sizes >= 1 are absolute counts.
type TrainTestOptions struct {
	// TestSize is the size of the test set. If both TestSize and
	// TrainSize are zero, a test fraction of 0.25 is used; if only
	// TestSize is zero, the test set is the complement of the
	// training set.
	TestSize float64
	// TrainSize is the size of the training set. If zero, the
	// training set is the complement of the test set.
	TrainSize float64
	// NoShuffle disables shuffling the index space before splitting.
	NoShuffle bool
	// Seed seeds the shuffle. It must be the same on every worker.
	Seed int64
}

func size(s float64, n int, round func(float64) float64) (int, error) {
	switch {
	case s < 0:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("train/test split: negative size %v", s))
	case s < 1:
		return int(round(s * float64(n))), nil
	case s != math.Trunc(s):
		return 0, errors.E(errors.Invalid, fmt.Sprintf("train/test split: size %v is neither a fraction nor a count", s))
	default:
		return int(s), nil
	}
}

// TrainTestSplit splits the global index space into a single training
// and test set. The returned fold holds dc's local row positions.
func TrainTestSplit(dc *bigfit.Context, opts TrainTestOptions) (Fold, error) {
	n := dc.GlobalRows
	if opts.TestSize == 0 && opts.TrainSize == 0 {
		opts.TestSize = 0.25
	}
	nTest, err := size(opts.TestSize, n, math.Ceil)
	if err != nil {
		return Fold{}, err
	}
	nTrain, err := size(opts.TrainSize, n, math.Floor)
	if err != nil {
		return Fold{}, err
	}
	switch {
	case opts.TrainSize == 0:
		nTrain = n - nTest
	case opts.TestSize == 0:
		nTest = n - nTrain
	}
	if nTrain+nTest > n || nTrain <= 0 || nTest < 0 {
		return Fold{}, errors.E(errors.Invalid, fmt.Sprintf("train/test split: train size %d and test size %d with %d samples", nTrain, nTest, n))
	}
	var f Fold
	if opts.NoShuffle {
		perm := dc.Identity()
		f = Fold{Train: perm[:nTrain], Test: perm[nTrain : nTrain+nTest]}
	} else {
		perm := dc.Permutation(opts.Seed)
		f = Fold{Train: perm[nTest : nTest+nTrain], Test: perm[:nTest]}
	}
	return localize(dc, f), nil
}
