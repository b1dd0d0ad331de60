// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sgd implements distributed training of linear and SGD-style
// estimators by model averaging. In each round, every worker runs one
// epoch of its local estimator over its own partition; the workers'
// parameter vectors are then averaged, weighted by partition size,
// and the average replaces every worker's parameters. Training stops
// when the mean loss stops improving or after a maximum number of
// epochs.
package sgd

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
	"gonum.org/v1/gonum/floats"
)

// Model is the local estimator collaborator. Its learned parameters
// (coefficients followed by intercepts) are exposed as a flat vector.
type Model interface {
	// PartialFit runs one epoch of incremental training over X, y,
	// starting from the model's current parameters.
	PartialFit(X [][]float64, y []float64) error
	// Fit trains the model from scratch over X, y.
	Fit(X [][]float64, y []float64) error
	// Params returns the model's current parameters.
	Params() []float64
	// SetParams replaces the model's parameters.
	SetParams(params []float64)
	// Loss returns the mean loss of the model over X, y.
	Loss(X [][]float64, y []float64) float64
}

// Default values for Trainer.
const (
	DefaultMaxIter       = 1000
	DefaultNIterNoChange = 5
	DefaultTol           = 1e-3
)

// Trainer configures model-averaging training.
type Trainer struct {
	// MaxIter is the maximum number of epochs.
	MaxIter int
	// Tol is the minimum improvement of the mean loss over the best
	// loss seen so far for an epoch to count as an improvement. If Tol
	// is nil, every epoch counts as an improvement, and training runs
	// for MaxIter epochs.
	Tol *float64
	// NIterNoChange is the number of consecutive epochs without
	// improvement after which training stops.
	NIterNoChange int
	// Status, if non-nil, receives training progress.
	Status *status.Group
}

// Tol returns a pointer to tol, for use in Trainer.
func Tol(tol float64) *float64 { return &tol }

// NewTrainer returns a Trainer with default settings.
func NewTrainer() *Trainer {
	return &Trainer{
		MaxIter:       DefaultMaxIter,
		Tol:           Tol(DefaultTol),
		NIterNoChange: DefaultNIterNoChange,
	}
}

// Result is the outcome of a training run.
type Result struct {
	// Params holds the final parameters, identical on every worker.
	Params []float64
	// NIter is the number of epochs run.
	NIter int
	// BestLoss is the best mean loss observed.
	BestLoss float64
	// Converged tells whether training stopped before MaxIter.
	Converged bool
}

// Fit trains m over the local partition X, y of the distributed
// dataset described by dc. On return, m holds the final (averaged)
// parameters on every worker.
//
// If dc is not distributed, Fit degenerates to a single call of the
// local model's Fit.
func (t *Trainer) Fit(ctx context.Context, dc *bigfit.Context, m Model, X [][]float64, y []float64) (*Result, error) {
	if t.MaxIter <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sgd: MaxIter %d <= 0", t.MaxIter))
	}
	if t.NIterNoChange <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sgd: NIterNoChange %d <= 0", t.NIterNoChange))
	}
	if !dc.Distributed {
		if err := m.Fit(X, y); err != nil {
			return nil, err
		}
		return &Result{Params: m.Params(), NIter: 1, BestLoss: m.Loss(X, y), Converged: true}, nil
	}
	if dc.GlobalRows == 0 {
		return nil, errors.E(errors.Invalid, "sgd: empty dataset")
	}
	r := &round{
		trainer:  t,
		dc:       dc,
		model:    m,
		X:        X,
		y:        y,
		weight:   float64(dc.Rows) / float64(dc.GlobalRows),
		bestLoss: math.Inf(1),
	}
	if t.Status != nil {
		r.task = t.Status.Start(fmt.Sprintf("sgd rank %d", dc.Rank()))
		defer r.task.Done()
	}
	n, err := bigfit.Fit(ctx, dc, r, t.MaxIter)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Params:    m.Params(),
		NIter:     n,
		BestLoss:  r.bestLoss,
		Converged: r.converged,
	}
	if !res.Converged && t.Tol != nil && dc.Rank() == 0 {
		log.Printf("sgd: maximum number of epochs (%d) reached before convergence; consider increasing MaxIter", t.MaxIter)
	}
	return res, nil
}

// Round implements bigfit.Round for model averaging.
type round struct {
	trainer *Trainer
	dc      *bigfit.Context
	model   Model
	X       [][]float64
	y       []float64
	// Weight is the local partition's share of the global rows.
	weight float64

	epoch     int
	bestLoss  float64
	noImprove int
	converged bool
	lastLoss  float64
	task      *status.Task
}

func (r *round) Family() bigfit.Family { return bigfit.Linear }

func (r *round) LocalRound(ctx context.Context) error {
	r.epoch++
	if r.dc.Rows == 0 {
		return nil
	}
	return r.model.PartialFit(r.X, r.y)
}

// CombineRound replaces each worker's parameters with the row-count
// weighted mean of all workers' parameters.
func (r *round) CombineRound(ctx context.Context) error {
	params := append([]float64(nil), r.model.Params()...)
	floats.Scale(r.weight, params)
	// Replicated: every worker receives the same weighted sum.
	avg, err := r.dc.Comm.Allreduce(ctx, params, comm.Sum)
	if err != nil {
		return err
	}
	r.model.SetParams(avg)
	return nil
}

// Converged computes the mean of the workers' local losses under the
// averaged parameters. The mean is deliberately unweighted by
// partition size (a sum divided by the number of workers); the
// convergence point of existing models is calibrated against it.
func (r *round) Converged(ctx context.Context) (bool, error) {
	var local float64
	if r.dc.Rows > 0 {
		local = r.model.Loss(r.X, r.y)
	}
	// Replicated.
	sum, err := comm.AllreduceFloat(ctx, r.dc.Comm, local, comm.Sum)
	if err != nil {
		return false, err
	}
	loss := sum / float64(r.dc.Size())
	r.lastLoss = loss
	if r.trainer.Tol != nil && loss > r.bestLoss-*r.trainer.Tol {
		r.noImprove++
	} else {
		r.noImprove = 0
	}
	if loss < r.bestLoss {
		r.bestLoss = loss
	}
	if r.task != nil {
		r.task.Printf("epoch %d: loss %.6g (best %.6g)", r.epoch, loss, r.bestLoss)
	}
	if r.noImprove >= r.trainer.NIterNoChange {
		r.converged = true
		log.Debug.Printf("sgd: converged after %d epochs, loss %v", r.epoch, loss)
	}
	return r.converged, nil
}
