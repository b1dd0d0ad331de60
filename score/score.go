// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package score implements distributed evaluation metrics. Each metric
// is computed from per-partition partial sums that are combined with
// collectives, so that every worker obtains the value a single process
// would compute over the concatenated dataset.
//
// Inputs are the worker's local slices of the true targets, the
// predictions, and (optionally) the sample weights. Malformed local
// inputs are data errors: they are synchronized, so that a metric
// either succeeds or fails identically on every worker.
package score

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
	"gonum.org/v1/gonum/floats"
)

// DefaultEps is the default probability clipping bound of LogLoss.
const DefaultEps = 1e-15

// checkLengths checks that the local inputs of a metric are of
// matching lengths. Its error is synchronized across dc.
func checkLengths(ctx context.Context, dc *bigfit.Context, name string, yTrue []float64, n int, weights []float64) error {
	var err error
	switch {
	case n != len(yTrue):
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: %d targets but %d predictions", name, len(yTrue), n))
	case weights != nil && len(weights) != len(yTrue):
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: %d targets but %d weights", name, len(yTrue), len(weights)))
	}
	return comm.Agree(ctx, dc.Comm, err)
}

func weight(weights []float64, i int) float64 {
	if weights == nil {
		return 1
	}
	return weights[i]
}

// Accuracy returns the weighted fraction of correct predictions. If
// normalize is false, it returns the weighted number of correct
// predictions instead.
func Accuracy(ctx context.Context, dc *bigfit.Context, yTrue, yPred, weights []float64, normalize bool) (float64, error) {
	if err := checkLengths(ctx, dc, "accuracy", yTrue, len(yPred), weights); err != nil {
		return 0, err
	}
	var local [2]float64
	for i := range yTrue {
		w := weight(weights, i)
		if yTrue[i] == yPred[i] {
			local[0] += w
		}
		local[1] += w
	}
	// Replicated.
	sums, err := dc.Comm.Allreduce(ctx, local[:], comm.Sum)
	if err != nil {
		return 0, err
	}
	if !normalize {
		return sums[0], nil
	}
	return sums[0] / sums[1], nil
}

// LogLossOptions configures LogLoss.
type LogLossOptions struct {
	// Labels is the ordered label set corresponding to the columns of
	// the probability matrix. If nil, the sorted set of labels
	// observed globally in the true targets is used.
	Labels []float64
	// Eps is the clipping bound: probabilities are clipped to
	// [Eps, 1-Eps]. If zero, DefaultEps is used.
	Eps float64
	// Sum returns the total loss instead of the mean loss.
	Sum bool
	// Weights holds optional sample weights.
	Weights []float64
}

// LogLoss returns the cross-entropy loss of the predicted class
// probabilities proba with respect to the true labels. Each row of
// proba holds one probability per label. A single-column matrix over
// two labels holds the probability of the second (positive) label.
func LogLoss(ctx context.Context, dc *bigfit.Context, yTrue []float64, proba [][]float64, opts LogLossOptions) (float64, error) {
	if err := checkLengths(ctx, dc, "log loss", yTrue, len(proba), opts.Weights); err != nil {
		return 0, err
	}
	labels := opts.Labels
	if labels == nil {
		var err error
		// Replicated.
		if labels, err = combine.Categories(ctx, dc.Comm, yTrue); err != nil {
			return 0, err
		}
	}
	if len(labels) < 2 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("log loss: need at least two labels, got %v", labels))
	}
	eps := opts.Eps
	if eps == 0 {
		eps = DefaultEps
	}
	index := combine.NewIndex(labels)
	var (
		local  [2]float64
		lerr   error
		clip   = func(p float64) float64 { return math.Max(eps, math.Min(1-eps, p)) }
		scaled = make([]float64, len(labels))
	)
	for i, y := range yTrue {
		k, ok := index.Lookup(y)
		if !ok {
			lerr = errors.E(errors.Invalid, fmt.Sprintf("log loss: label %v not in %v", y, labels))
			break
		}
		row := proba[i]
		switch {
		case len(row) == 1 && len(labels) == 2:
			scaled[0], scaled[1] = clip(1-row[0]), clip(row[0])
		case len(row) == len(labels):
			for j, p := range row {
				scaled[j] = clip(p)
			}
		default:
			lerr = errors.E(errors.Invalid, fmt.Sprintf("log loss: %d probabilities for %d labels", len(row), len(labels)))
		}
		if lerr != nil {
			break
		}
		w := weight(opts.Weights, i)
		local[0] -= w * math.Log(scaled[k]/floats.Sum(scaled))
		local[1] += w
	}
	if err := comm.Agree(ctx, dc.Comm, lerr); err != nil {
		return 0, err
	}
	// Replicated.
	sums, err := dc.Comm.Allreduce(ctx, local[:], comm.Sum)
	if err != nil {
		return 0, err
	}
	if opts.Sum {
		return sums[0], nil
	}
	return sums[0] / sums[1], nil
}

// R2 returns the coefficient of determination of the predictions. The
// total sum of squares is computed around the global weighted mean of
// the targets, which is combined from the workers' local means in a
// first pass. If fewer than two samples are available globally, R2 is
// not well-defined: a warning is logged and NaN is returned.
func R2(ctx context.Context, dc *bigfit.Context, yTrue, yPred, weights []float64) (float64, error) {
	if err := checkLengths(ctx, dc, "r2", yTrue, len(yPred), weights); err != nil {
		return 0, err
	}
	var wsum, ysum float64
	for i, y := range yTrue {
		w := weight(weights, i)
		wsum += w
		ysum += w * y
	}
	localMean := math.NaN()
	if wsum > 0 {
		localMean = ysum / wsum
	}
	// Replicated.
	mean, _, err := combine.CombineMeans(ctx, dc.Comm, wsum, []float64{localMean})
	if err != nil {
		return 0, err
	}
	var local [3]float64
	for i, y := range yTrue {
		w := weight(weights, i)
		d, r := y-mean[0], y-yPred[i]
		local[0] += w * d * d
		local[1] += w * r * r
	}
	local[2] = float64(len(yTrue))
	// Replicated.
	sums, err := dc.Comm.Allreduce(ctx, local[:], comm.Sum)
	if err != nil {
		return 0, err
	}
	total, residual, n := sums[0], sums[1], sums[2]
	if n < 2 {
		if dc.Rank() == 0 {
			log.Printf("r2: score is not well-defined with fewer than two samples")
		}
		return math.NaN(), nil
	}
	if total == 0 {
		if residual == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - residual/total, nil
}

// MeanSquaredError returns the weighted mean squared error of the
// predictions.
func MeanSquaredError(ctx context.Context, dc *bigfit.Context, yTrue, yPred, weights []float64) (float64, error) {
	return meanError(ctx, dc, "mean squared error", yTrue, yPred, weights, func(d float64) float64 { return d * d })
}

// MeanAbsoluteError returns the weighted mean absolute error of the
// predictions.
func MeanAbsoluteError(ctx context.Context, dc *bigfit.Context, yTrue, yPred, weights []float64) (float64, error) {
	return meanError(ctx, dc, "mean absolute error", yTrue, yPred, weights, math.Abs)
}

func meanError(ctx context.Context, dc *bigfit.Context, name string, yTrue, yPred, weights []float64, loss func(float64) float64) (float64, error) {
	if err := checkLengths(ctx, dc, name, yTrue, len(yPred), weights); err != nil {
		return 0, err
	}
	var local [2]float64
	for i := range yTrue {
		w := weight(weights, i)
		local[0] += w * loss(yTrue[i]-yPred[i])
		local[1] += w
	}
	// Replicated.
	sums, err := dc.Comm.Allreduce(ctx, local[:], comm.Sum)
	if err != nil {
		return 0, err
	}
	if sums[1] == 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("%s: no samples", name))
	}
	return sums[0] / sums[1], nil
}
