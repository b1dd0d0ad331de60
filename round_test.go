// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigfit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fittest"
)

// countRound sums the ranks' local counters until the global total
// reaches a target.
type countRound struct {
	dc     *bigfit.Context
	local  float64
	total  float64
	target float64
	fail   int
}

func (r *countRound) Family() bigfit.Family { return bigfit.Clustering }

func (r *countRound) LocalRound(ctx context.Context) error {
	r.local++
	if r.dc.Rank() == r.fail && r.local == 2 {
		return errors.E(errors.Invalid, "local failure")
	}
	return nil
}

func (r *countRound) CombineRound(ctx context.Context) (err error) {
	r.total, err = comm.AllreduceFloat(ctx, r.dc.Comm, r.local, comm.Sum)
	return
}

func (r *countRound) Converged(ctx context.Context) (bool, error) {
	return r.total >= r.target, nil
}

func TestFit(t *testing.T) {
	fittest.Run(t, 4, func(ctx context.Context, c comm.Comm) error {
		dc, err := bigfit.Discover(ctx, c, 1, 1, true)
		if err != nil {
			return err
		}
		r := &countRound{dc: dc, target: 12, fail: -1}
		n, err := bigfit.Fit(ctx, dc, r, 10)
		if err != nil {
			return err
		}
		if got, want := n, 3; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		r = &countRound{dc: dc, target: 1000, fail: -1}
		n, err = bigfit.Fit(ctx, dc, r, 5)
		if err != nil {
			return err
		}
		if got, want := n, 5; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestFitError(t *testing.T) {
	errs := make([]error, 4)
	fittest.Run(t, 4, func(ctx context.Context, c comm.Comm) error {
		dc, err := bigfit.Discover(ctx, c, 1, 1, true)
		if err != nil {
			return err
		}
		_, errs[c.Rank()] = bigfit.Fit(ctx, dc, &countRound{dc: dc, target: 100, fail: 2}, 10)
		return nil
	})
	for r, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", r, err)
		} else if err.Error() != errs[0].Error() {
			t.Errorf("rank %d: got %q, want %q", r, err, errs[0])
		}
	}
}
