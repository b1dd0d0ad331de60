// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigfit/split"
)

type foldPlan struct {
	Fold  int   `json:"fold"`
	Test  int   `json:"test"`
	Train int   `json:"train"`
	Local []int `json:"local_test"`
}

var kfoldProgram = fitconfig.NewProgram("bigfit.kfold", kfold)

func kfold(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	var (
		flags   = newFlags("kfold", "usage: bigfit kfold [-k n] [-shuffle] [-seed s] file.csv")
		k       = flags.Int("k", 5, "number of folds")
		shuffle = flags.Bool("shuffle", false, "shuffle rows before splitting")
		seed    = flags.Int64("seed", 0, "shuffle seed")
	)
	d, err := flags.load(ctx, args)
	if err != nil {
		return nil, err
	}
	dc, _, err := partition(ctx, c, d)
	if err != nil {
		return nil, err
	}
	splitter := split.KFold{NSplits: *k, Shuffle: *shuffle, Seed: *seed}
	folds, err := splitter.Split(dc)
	if err != nil {
		return nil, err
	}
	local := make([]int, len(folds))
	for i, f := range folds {
		local[i] = len(f.Test)
	}
	// Root-only: the per-rank test set sizes.
	sizes, err := comm.GatherOf(ctx, dc.Comm, local, 0)
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	plan := make([]foldPlan, len(folds))
	for i := range plan {
		plan[i].Fold = i
		for _, s := range sizes {
			plan[i].Test += s[i]
			plan[i].Local = append(plan[i].Local, s[i])
		}
		plan[i].Train = dc.GlobalRows - plan[i].Test
	}
	return plan, nil
}
