// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigfit/score"
)

type scoreResult struct {
	Metric string      `json:"metric"`
	Value  interface{} `json:"value"`
}

type confusion struct {
	Labels []float64   `json:"labels"`
	Matrix [][]float64 `json:"matrix"`
}

var scoreProgram = fitconfig.NewProgram("bigfit.score", scoreCmd)

func scoreCmd(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	var (
		flags   = newFlags("score", "usage: bigfit score [-metric m] [-true col] [-pred col] [-weights col] file.csv")
		metric  = flags.String("metric", "r2", "metric: r2, mse, mae, accuracy, precision, recall, f1, or confusion")
		trueCol = flags.String("true", "0", "name or index of the column of true values")
		predCol = flags.String("pred", "1", "name or index of the column of predictions")
		wCol    = flags.String("weights", "", "name or index of the column of sample weights")
		average = flags.String("average", "binary", "averaging of precision, recall, and f1: binary, micro, macro, weighted, or none")
		pos     = flags.Float64("pos", 1, "positive label of binary averaging")
	)
	d, err := flags.load(ctx, args)
	if err != nil {
		return nil, err
	}
	avg, err := score.ParseAverage(*average)
	if err != nil {
		return nil, err
	}
	ti, err := d.columnIndex(*trueCol)
	if err != nil {
		return nil, err
	}
	pi, err := d.columnIndex(*predCol)
	if err != nil {
		return nil, err
	}
	wi := -1
	if *wCol != "" {
		if wi, err = d.columnIndex(*wCol); err != nil {
			return nil, err
		}
	}
	dc, rows, err := partition(ctx, c, d)
	if err != nil {
		return nil, err
	}
	yTrue, yPred := column(rows, ti), column(rows, pi)
	var weights []float64
	if wi >= 0 {
		weights = column(rows, wi)
	}
	prf := score.PRFOptions{Average: avg, PosLabel: *pos, Weights: weights}
	var value interface{}
	switch *metric {
	case "r2":
		value, err = score.R2(ctx, dc, yTrue, yPred, weights)
	case "mse":
		value, err = score.MeanSquaredError(ctx, dc, yTrue, yPred, weights)
	case "mae":
		value, err = score.MeanAbsoluteError(ctx, dc, yTrue, yPred, weights)
	case "accuracy":
		value, err = score.Accuracy(ctx, dc, yTrue, yPred, weights, true)
	case "precision":
		value, err = score.Precision(ctx, dc, yTrue, yPred, prf)
	case "recall":
		value, err = score.Recall(ctx, dc, yTrue, yPred, prf)
	case "f1":
		value, err = score.F1(ctx, dc, yTrue, yPred, prf)
	case "confusion":
		var cm confusion
		cm.Matrix, cm.Labels, err = score.ConfusionMatrix(ctx, dc, yTrue, yPred, score.ConfusionOptions{Weights: weights})
		value = cm
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown metric %q", *metric))
	}
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	return scoreResult{Metric: *metric, Value: value}, nil
}
