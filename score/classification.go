// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package score

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"gonum.org/v1/gonum/floats"
)

// Normalization selects how a confusion matrix is normalized.
type Normalization int

const (
	// NoNormalization leaves counts unnormalized.
	NoNormalization Normalization = iota
	// NormalizeTrue normalizes each row (true label) to sum to one.
	NormalizeTrue
	// NormalizePred normalizes each column (predicted label) to sum
	// to one.
	NormalizePred
	// NormalizeAll normalizes the whole matrix to sum to one.
	NormalizeAll
)

// ConfusionOptions configures ConfusionMatrix.
type ConfusionOptions struct {
	// Labels is the ordered label set indexing the matrix. If nil, the
	// sorted set of labels observed globally in either the true or
	// the predicted labels is used.
	Labels []float64
	// Weights holds optional sample weights.
	Weights []float64
	// Normalize selects the matrix normalization.
	Normalize Normalization
}

// labelSet returns labels, or the globally observed labels if labels
// is nil. The result is replicated.
func labelSet(ctx context.Context, dc *bigfit.Context, labels, yTrue, yPred []float64) ([]float64, error) {
	if labels != nil {
		return labels, nil
	}
	return combine.Categories(ctx, dc.Comm, yTrue, yPred)
}

// ConfusionMatrix returns the global confusion matrix of the
// predictions, whose entry (i, j) is the (weighted) number of samples
// with true label Labels[i] that were predicted as Labels[j]. It also
// returns the label set indexing the matrix.
//
// Workers that observe no samples of some label contribute zeros to
// it. Samples labeled outside of an explicitly supplied label set are
// data errors, reported identically on every worker.
func ConfusionMatrix(ctx context.Context, dc *bigfit.Context, yTrue, yPred []float64, opts ConfusionOptions) ([][]float64, []float64, error) {
	labels, err := labelSet(ctx, dc, opts.Labels, yTrue, yPred)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) == 0 {
		return nil, nil, errors.E(errors.Invalid, "confusion matrix: empty label set")
	}
	m, err := combine.Confusion(ctx, dc.Comm, labels, yTrue, yPred, opts.Weights)
	if err != nil {
		return nil, nil, err
	}
	normalize(m, opts.Normalize)
	return m, labels, nil
}

// normalize normalizes m in place. Rows, columns, or matrices that sum
// to zero are left as zeros.
func normalize(m [][]float64, how Normalization) {
	div := func(x, d float64) float64 {
		if d == 0 {
			return 0
		}
		return x / d
	}
	switch how {
	case NormalizeTrue:
		for _, row := range m {
			s := floats.Sum(row)
			for j := range row {
				row[j] = div(row[j], s)
			}
		}
	case NormalizePred:
		sums := make([]float64, len(m))
		for _, row := range m {
			floats.Add(sums, row)
		}
		for _, row := range m {
			for j := range row {
				row[j] = div(row[j], sums[j])
			}
		}
	case NormalizeAll:
		var s float64
		for _, row := range m {
			s += floats.Sum(row)
		}
		for _, row := range m {
			for j := range row {
				row[j] = div(row[j], s)
			}
		}
	}
}

// Average selects how per-label scores are averaged.
type Average int

const (
	// Binary reports the scores of the positive label only.
	Binary Average = iota
	// Micro computes scores from the totals of true positives, false
	// positives, and false negatives over all labels.
	Micro
	// Macro reports the unweighted mean of the per-label scores.
	Macro
	// Weighted reports the mean of the per-label scores weighted by
	// the labels' support.
	Weighted
	// None reports the per-label scores.
	None
)

func (a Average) String() string {
	switch a {
	case Binary:
		return "binary"
	case Micro:
		return "micro"
	case Macro:
		return "macro"
	case Weighted:
		return "weighted"
	case None:
		return "none"
	default:
		return fmt.Sprintf("Average(%d)", int(a))
	}
}

// ParseAverage returns the averaging mode with the given name.
func ParseAverage(name string) (Average, error) {
	for a := Binary; a <= None; a++ {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown average %q", name))
}

// PRFOptions configures PrecisionRecallFscore.
type PRFOptions struct {
	// Labels is the label set. If nil, the sorted set of labels
	// observed globally is used.
	Labels []float64
	// PosLabel is the positive label of binary averaging.
	PosLabel float64
	// Average selects the averaging mode.
	Average Average
	// Beta is the weight of recall in the F-score. If zero, 1 is used.
	Beta float64
	// ZeroDivision is the score reported where a score's denominator
	// is zero.
	ZeroDivision float64
	// Weights holds optional sample weights.
	Weights []float64
}

// Scores holds precision, recall, F-scores, and supports. Unless the
// average is None, each slice holds a single (averaged) value; the
// averaged support is the total support.
type Scores struct {
	Precision, Recall, Fscore, Support []float64
	// Labels holds the labels of per-label scores.
	Labels []float64
}

// PrecisionRecallFscore computes precision, recall, and F-score. The
// global confusion matrix is computed collectively; everything else is
// computed locally, and identically, on every worker.
func PrecisionRecallFscore(ctx context.Context, dc *bigfit.Context, yTrue, yPred []float64, opts PRFOptions) (*Scores, error) {
	labels, err := labelSet(ctx, dc, opts.Labels, yTrue, yPred)
	if err != nil {
		return nil, err
	}
	if opts.Average == Binary {
		if len(labels) > 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("precision/recall: target is multiclass (labels %v) but average is binary", labels))
		}
		found := false
		for _, l := range labels {
			found = found || l == opts.PosLabel
		}
		switch {
		case found:
		case len(labels) == 2:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("precision/recall: positive label %v not in %v", opts.PosLabel, labels))
		case len(labels) == 1:
			// The positive label is scored even if no sample has it.
			labels = combine.Distinct(labels, []float64{opts.PosLabel})
		}
	}
	if len(labels) == 0 {
		return nil, errors.E(errors.Invalid, "precision/recall: empty label set")
	}
	m, err := combine.Confusion(ctx, dc.Comm, labels, yTrue, yPred, opts.Weights)
	if err != nil {
		return nil, err
	}
	k := len(labels)
	tp, predSum, trueSum := make([]float64, k), make([]float64, k), make([]float64, k)
	for i, row := range m {
		tp[i] = row[i]
		trueSum[i] = floats.Sum(row)
		floats.Add(predSum, row)
	}
	beta := opts.Beta
	if beta == 0 {
		beta = 1
	}
	switch opts.Average {
	case Binary:
		i, _ := combine.NewIndex(labels).Lookup(opts.PosLabel)
		tp, predSum, trueSum = tp[i:i+1], predSum[i:i+1], trueSum[i:i+1]
		labels = labels[i : i+1]
	case Micro:
		tp, predSum, trueSum = []float64{floats.Sum(tp)}, []float64{floats.Sum(predSum)}, []float64{floats.Sum(trueSum)}
		labels = nil
	}
	s := &Scores{
		Precision: make([]float64, len(tp)),
		Recall:    make([]float64, len(tp)),
		Fscore:    make([]float64, len(tp)),
		Support:   trueSum,
		Labels:    labels,
	}
	b2 := beta * beta
	for i := range tp {
		s.Precision[i] = ratio(tp[i], predSum[i], opts.ZeroDivision)
		s.Recall[i] = ratio(tp[i], trueSum[i], opts.ZeroDivision)
		fp, fn := predSum[i]-tp[i], trueSum[i]-tp[i]
		s.Fscore[i] = ratio((1+b2)*tp[i], (1+b2)*tp[i]+b2*fn+fp, opts.ZeroDivision)
	}
	switch opts.Average {
	case Macro:
		s.Precision = []float64{floats.Sum(s.Precision) / float64(k)}
		s.Recall = []float64{floats.Sum(s.Recall) / float64(k)}
		s.Fscore = []float64{floats.Sum(s.Fscore) / float64(k)}
		s.Support = []float64{floats.Sum(trueSum)}
		s.Labels = nil
	case Weighted:
		total := floats.Sum(trueSum)
		avg := func(x []float64) []float64 {
			if total == 0 {
				return []float64{opts.ZeroDivision}
			}
			return []float64{floats.Dot(x, trueSum) / total}
		}
		s.Precision, s.Recall, s.Fscore = avg(s.Precision), avg(s.Recall), avg(s.Fscore)
		s.Support = []float64{total}
		s.Labels = nil
	}
	return s, nil
}

func ratio(num, den, zero float64) float64 {
	if den == 0 {
		return zero
	}
	return num / den
}

// Precision returns the precision scores selected by opts.
func Precision(ctx context.Context, dc *bigfit.Context, yTrue, yPred []float64, opts PRFOptions) ([]float64, error) {
	s, err := PrecisionRecallFscore(ctx, dc, yTrue, yPred, opts)
	if err != nil {
		return nil, err
	}
	return s.Precision, nil
}

// Recall returns the recall scores selected by opts.
func Recall(ctx context.Context, dc *bigfit.Context, yTrue, yPred []float64, opts PRFOptions) ([]float64, error) {
	s, err := PrecisionRecallFscore(ctx, dc, yTrue, yPred, opts)
	if err != nil {
		return nil, err
	}
	return s.Recall, nil
}

// F1 returns the F1 scores selected by opts. Opts.Beta is ignored.
func F1(ctx context.Context, dc *bigfit.Context, yTrue, yPred []float64, opts PRFOptions) ([]float64, error) {
	opts.Beta = 1
	s, err := PrecisionRecallFscore(ctx, dc, yTrue, yPred, opts)
	if err != nil {
		return nil, err
	}
	return s.Fscore, nil
}
