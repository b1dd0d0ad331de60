// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/grailbio/bigfit/cluster"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigfit/preprocess"
)

type clustering struct {
	Centroids [][]float64 `json:"centroids"`
	Inertia   float64     `json:"inertia"`
	Rounds    int         `json:"rounds"`
}

var kmeansProgram = fitconfig.NewProgram("bigfit.kmeans", kmeans)

func kmeans(ctx context.Context, cfg *fitconfig.Config, c comm.Comm, args []string) (interface{}, error) {
	var (
		flags   = newFlags("kmeans", "usage: bigfit kmeans [-k n] [-seed s] [-scale] file.csv")
		k       = flags.Int("k", 3, "number of clusters")
		seed    = flags.Int64("seed", 0, "seed selecting the initial centroids")
		maxIter = flags.Int("maxiter", cluster.DefaultMaxIter, "maximum number of rounds")
		scale   = flags.Bool("scale", false, "standardize features before clustering")
	)
	d, err := flags.load(ctx, args)
	if err != nil {
		return nil, err
	}
	dc, X, err := partition(ctx, c, d)
	if err != nil {
		return nil, err
	}
	var scaler *preprocess.StandardScaler
	if *scale {
		scaler = preprocess.NewStandardScaler()
		if err := scaler.Fit(ctx, dc, X); err != nil {
			return nil, err
		}
		if X, err = scaler.Transform(X); err != nil {
			return nil, err
		}
	}
	km := &cluster.KMeans{K: *k, Seed: *seed, MaxIter: *maxIter, Status: cfg.Status.Group("kmeans")}
	res, err := km.Fit(ctx, dc, X)
	if err != nil || dc.Rank() != 0 {
		return nil, err
	}
	centroids := res.Centroids
	if scaler != nil {
		if centroids, err = scaler.InverseTransform(centroids); err != nil {
			return nil, err
		}
	}
	return clustering{Centroids: centroids, Inertia: res.Inertia, Rounds: res.NIter}, nil
}
