// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigfit

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigfit/comm"
)

// Family is the estimator family to which a fitting procedure belongs.
type Family int

const (
	// Linear is the family of linear and SGD-style estimators whose
	// parameters are averaged across workers.
	Linear Family = iota
	// Ensemble is the family of ensembles whose members are sharded
	// across nodes.
	Ensemble
	// Clustering is the family of centroid-based clustering estimators.
	Clustering
	// Preprocessing is the family of transformers fitted from global
	// statistics.
	Preprocessing
)

func (f Family) String() string {
	switch f {
	case Linear:
		return "linear"
	case Ensemble:
		return "ensemble"
	case Clustering:
		return "clustering"
	case Preprocessing:
		return "preprocessing"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// A Round is one iteration of a distributed fitting procedure. Every
// estimator family implements Round; Fit drives it through the same
// sequence on every worker:
//
//	Init -> {LocalRound -> CombineRound -> Converged}* -> Done
//
// LocalRound works on the local partition only and must not perform
// collectives: its errors are data errors, synchronized by Fit.
// CombineRound merges the workers' partial results with collectives
// and must leave every worker with an identical (replicated) state.
// Converged decides, identically on every worker, whether to stop; it
// may perform collectives.
type Round interface {
	Family() Family
	LocalRound(ctx context.Context) error
	CombineRound(ctx context.Context) error
	Converged(ctx context.Context) (bool, error)
}

// Fit drives r for at most maxRounds rounds, stopping early when r
// reports convergence. It returns the number of rounds performed.
// Errors in the local step are synchronized across the worker set, so
// that Fit fails identically on every worker.
func Fit(ctx context.Context, dc *Context, r Round, maxRounds int) (int, error) {
	if maxRounds <= 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("bigfit.Fit: maxRounds %d <= 0", maxRounds))
	}
	for n := 1; n <= maxRounds; n++ {
		err := r.LocalRound(ctx)
		if err = comm.Agree(ctx, dc.Comm, err); err != nil {
			return n, err
		}
		if err := r.CombineRound(ctx); err != nil {
			return n, err
		}
		done, err := r.Converged(ctx)
		if err != nil {
			return n, err
		}
		if done {
			log.Debug.Printf("bigfit.Fit: %s converged after %d rounds", r.Family(), n)
			return n, nil
		}
	}
	return maxRounds, nil
}
