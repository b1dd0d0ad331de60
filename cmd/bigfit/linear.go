// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"math/rand"

	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/ensemble"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigfit/preprocess"
	"github.com/grailbio/bigfit/score"
)

// LeastSquares is a linear regressor trained by stochastic gradient
// descent on the squared loss. Its parameters are the coefficients
// followed by the intercept.
type leastSquares struct {
	params []float64
	rate   float64
	epochs int
}

func newLeastSquares(features int, rate float64, epochs int) *leastSquares {
	return &leastSquares{params: make([]float64, features+1), rate: rate, epochs: epochs}
}

func predict(params []float64, x []float64) float64 {
	p := params[len(x)]
	for j, v := range x {
		p += params[j] * v
	}
	return p
}

func (m *leastSquares) PartialFit(X [][]float64, y []float64) error {
	for i, x := range X {
		d := predict(m.params, x) - y[i]
		for j, v := range x {
			m.params[j] -= m.rate * d * v
		}
		m.params[len(x)] -= m.rate * d
	}
	return nil
}

func (m *leastSquares) Fit(X [][]float64, y []float64) error {
	for i := range m.params {
		m.params[i] = 0
	}
	for e := 0; e < m.epochs; e++ {
		if err := m.PartialFit(X, y); err != nil {
			return err
		}
	}
	return nil
}

func (m *leastSquares) Params() []float64 { return m.params }

func (m *leastSquares) SetParams(params []float64) { m.params = append([]float64(nil), params...) }

func (m *leastSquares) Loss(X [][]float64, y []float64) float64 {
	var loss float64
	for i, x := range X {
		d := predict(m.params, x) - y[i]
		loss += d * d / 2
	}
	return loss / float64(len(X))
}

// regression holds the flags and data shared by the regression
// commands.
type regression struct {
	flags  *commandFlags
	target *string
	rate   *float64
	scale  *bool

	d        *dataset
	features []int
	y        int
}

func newRegression(name, usage string) *regression {
	r := &regression{flags: newFlags(name, usage)}
	r.target = r.flags.String("target", "0", "name or index of the target column")
	r.rate = r.flags.Float64("rate", 0.01, "learning rate")
	r.scale = r.flags.Bool("scale", true, "standardize features before fitting")
	return r
}

func (r *regression) load(ctx context.Context, args []string) error {
	var err error
	if r.d, err = r.flags.load(ctx, args); err != nil {
		return err
	}
	if r.y, err = r.d.columnIndex(*r.target); err != nil {
		return err
	}
	for j := range r.d.Columns {
		if j != r.y {
			r.features = append(r.features, j)
		}
	}
	return nil
}

// xy returns the rank's context together with its (optionally
// standardized) features and targets. It is collective.
func (r *regression) xy(ctx context.Context, c comm.Comm) (*bigfit.Context, [][]float64, []float64, error) {
	dc, rows, err := partition(ctx, c, r.d)
	if err != nil {
		return nil, nil, nil, err
	}
	X, y := selectColumns(rows, r.features), column(rows, r.y)
	// The context describes the whole table; the features exclude the
	// target.
	fdc := *dc
	fdc.Features = len(r.features)
	if !*r.scale {
		return &fdc, X, y, nil
	}
	s := preprocess.NewStandardScaler()
	if err := s.Fit(ctx, &fdc, X); err != nil {
		return nil, nil, nil, err
	}
	X, err = s.Transform(X)
	return &fdc, X, y, err
}

type linearResult struct {
	Params    []float64 `json:"params"`
	Epochs    int       `json:"epochs"`
	Loss      float64   `json:"loss"`
	Converged bool      `json:"converged"`
	R2        float64   `json:"r2"`
}

var linearProgram = fitconfig.NewProgram("bigfit.linear", linear)

func linear(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	r := newRegression("linear", "usage: bigfit linear [-target col] [-rate r] file.csv")
	if err := r.load(ctx, args); err != nil {
		return nil, err
	}
	dc, X, y, err := r.xy(ctx, c)
	if err != nil {
		return nil, err
	}
	m := newLeastSquares(len(r.features), *r.rate, cfg.MaxIter)
	res, err := cfg.Trainer().Fit(ctx, dc, m, X, y)
	if err != nil {
		return nil, err
	}
	pred := make([]float64, len(X))
	for i, x := range X {
		pred[i] = predict(res.Params, x)
	}
	r2, err := score.R2(ctx, dc, y, pred, nil)
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	return linearResult{
		Params:    res.Params,
		Epochs:    res.NIter,
		Loss:      res.BestLoss,
		Converged: res.Converged,
		R2:        r2,
	}, nil
}

type bagResult struct {
	Members [][]float64 `json:"members"`
	MSE     float64     `json:"mse"`
}

var bagProgram = fitconfig.NewProgram("bigfit.bag", bag)

func bag(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	r := newRegression("bag", "usage: bigfit bag [-members n] [-seed s] [-target col] file.csv")
	var (
		members = r.flags.Int("members", 10, "number of ensemble members")
		seed    = r.flags.Int64("seed", 0, "ensemble seed")
		epochs  = r.flags.Int("epochs", 20, "training epochs per member")
	)
	if err := r.load(ctx, args); err != nil {
		return nil, err
	}
	// Each member is fitted on a bootstrap sample of the full dataset.
	fit := func(ctx context.Context, X [][]float64, y []float64, seed int64) ([]float64, error) {
		rnd := rand.New(rand.NewSource(seed))
		bx, by := make([][]float64, len(X)), make([]float64, len(y))
		for i := range bx {
			k := rnd.Intn(len(X))
			bx[i], by[i] = X[k], y[k]
		}
		m := newLeastSquares(len(r.features), *r.rate, *epochs)
		if err := m.Fit(bx, by); err != nil {
			return nil, err
		}
		return m.Params(), nil
	}
	dc, X, y, err := r.xy(ctx, c)
	if err != nil {
		return nil, err
	}
	trainer := fitconfig.EnsembleTrainer[[]float64](cfg, *members, *seed)
	ens, err := trainer.Fit(ctx, dc, X, y, ensemble.FitFunc[[]float64](fit))
	if err != nil {
		return nil, err
	}
	pred := make([]float64, len(X))
	for i, x := range X {
		for _, params := range ens.Members {
			pred[i] += predict(params, x)
		}
		pred[i] /= float64(len(ens.Members))
	}
	mse, err := score.MeanSquaredError(ctx, dc, y, pred, nil)
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	return bagResult{Members: ens.Members, MSE: mse}, nil
}
