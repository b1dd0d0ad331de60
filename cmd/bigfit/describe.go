// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"math"

	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fitconfig"
)

type summary struct {
	Column string  `json:"column"`
	Count  float64 `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

var describeProgram = fitconfig.NewProgram("bigfit.describe", describe)

func describe(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	flags := newFlags("describe", "usage: bigfit describe [-header=false] file.csv")
	d, err := flags.load(ctx, args)
	if err != nil {
		return nil, err
	}
	dc, X, err := partition(ctx, c, d)
	if err != nil {
		return nil, err
	}
	// Replicated.
	moments, err := combine.CombineMoments(ctx, dc.Comm, combine.LocalMoments(X, nil, dc.Features))
	if err != nil {
		return nil, err
	}
	min, max := combine.LocalMinMax(X, dc.Features)
	// Replicated.
	min, max, err = combine.CombineMinMax(ctx, dc.Comm, min, max)
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	mean, variance := moments.Mean(), moments.Var(1)
	out := make([]summary, dc.Features)
	for j := range out {
		out[j] = summary{
			Column: d.Columns[j],
			Count:  moments.Count[j],
			Mean:   mean[j],
			Std:    math.Sqrt(variance[j]),
			Min:    min[j],
			Max:    max[j],
		}
	}
	return out, nil
}
