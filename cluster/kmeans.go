// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster implements distributed centroid-based clustering.
package cluster

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
	"gonum.org/v1/gonum/floats"
)

// Default values for KMeans.
const (
	DefaultMaxIter = 300
	DefaultTol     = 1e-4
)

// KMeans configures distributed k-means clustering (Lloyd's
// algorithm). Each round assigns local rows to their nearest
// centroids; the per-cluster sums and counts are then combined into
// new centroids, replicated on every worker.
type KMeans struct {
	// K is the number of clusters.
	K int
	// MaxIter is the maximum number of rounds. If zero,
	// DefaultMaxIter is used.
	MaxIter int
	// Tol is the convergence tolerance, relative to the mean variance
	// of the features: clustering stops when the total squared
	// movement of the centroids falls below it. If zero, DefaultTol
	// is used.
	Tol float64
	// Seed selects the initial centroids. It must be the same on
	// every worker.
	Seed int64
	// Status, if non-nil, receives clustering progress.
	Status *status.Group
}

// Result is the outcome of a k-means clustering.
type Result struct {
	// Centroids holds the cluster centers, identical on every worker.
	Centroids [][]float64
	// Labels holds the cluster index of each local row.
	Labels []int
	// Inertia is the global sum of squared distances of rows to their
	// centroids.
	Inertia float64
	// NIter is the number of rounds run.
	NIter int
}

// Fit clusters the distributed dataset described by dc, of which X is
// the local partition.
func (k *KMeans) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64) (*Result, error) {
	if k.K <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: K %d <= 0", k.K))
	}
	if k.K > dc.GlobalRows {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d samples for %d clusters", dc.GlobalRows, k.K))
	}
	maxIter, tol := k.MaxIter, k.Tol
	if maxIter == 0 {
		maxIter = DefaultMaxIter
	}
	if tol == 0 {
		tol = DefaultTol
	}
	var err error
	if len(X) != dc.Rows {
		err = errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d rows, expected %d", len(X), dc.Rows))
	}
	for i := 0; err == nil && i < len(X); i++ {
		if len(X[i]) != dc.Features {
			err = errors.E(errors.Invalid, fmt.Sprintf("kmeans: row %d has %d features, expected %d", i, len(X[i]), dc.Features))
		}
	}
	if err = comm.Agree(ctx, dc.Comm, err); err != nil {
		return nil, err
	}
	// Replicated.
	moments, err := combine.CombineMoments(ctx, dc.Comm, combine.LocalMoments(X, nil, dc.Features))
	if err != nil {
		return nil, err
	}
	r := &round{
		dc:     dc,
		X:      X,
		k:      k.K,
		labels: make([]int, len(X)),
		tol:    tol * floats.Sum(moments.Var(0)) / float64(dc.Features),
	}
	if r.centroids, err = initCentroids(ctx, dc, X, k.K, k.Seed); err != nil {
		return nil, err
	}
	if k.Status != nil {
		r.task = k.Status.Startf("kmeans rank %d", dc.Rank())
		defer r.task.Done()
	}
	n, err := bigfit.Fit(ctx, dc, r, maxIter)
	if err != nil {
		return nil, err
	}
	// Relabel with the final centroids.
	inertia := r.assign(nil, nil)
	// Replicated.
	if inertia, err = comm.AllreduceFloat(ctx, dc.Comm, inertia, comm.Sum); err != nil {
		return nil, err
	}
	if !r.converged && dc.Rank() == 0 {
		log.Printf("kmeans: maximum number of rounds (%d) reached before convergence", maxIter)
	}
	return &Result{Centroids: r.centroids, Labels: r.labels, Inertia: inertia, NIter: n}, nil
}

// initCentroids selects the rows at k pseudo-randomly chosen global
// indices as the initial centroids. Each row is contributed by its
// owner and replicated through a sum reduction.
func initCentroids(ctx context.Context, dc *bigfit.Context, X [][]float64, k int, seed int64) ([][]float64, error) {
	f := dc.Features
	flat := make([]float64, k*f)
	lo, hi := dc.Range()
	for c, i := range dc.Permutation(seed)[:k] {
		if i >= lo && i < hi {
			copy(flat[c*f:(c+1)*f], X[i-lo])
		}
	}
	// Replicated.
	flat, err := dc.Comm.Allreduce(ctx, flat, comm.Sum)
	if err != nil {
		return nil, err
	}
	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = flat[c*f : (c+1)*f]
	}
	return centroids, nil
}

// Predict returns the index of the nearest centroid of each row of X.
func Predict(centroids [][]float64, X [][]float64) []int {
	labels := make([]int, len(X))
	for i, x := range X {
		labels[i], _ = nearest(centroids, x)
	}
	return labels
}

func nearest(centroids [][]float64, x []float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqdist(centroid, x); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func sqdist(x, y []float64) float64 {
	var d float64
	for i := range x {
		e := x[i] - y[i]
		d += e * e
	}
	return d
}

type round struct {
	dc        *bigfit.Context
	X         [][]float64
	k         int
	tol       float64
	centroids [][]float64
	labels    []int

	// partial holds the per-cluster sums followed by the per-cluster
	// counts and the local inertia.
	partial   []float64
	shift     float64
	converged bool
	task      *status.Task
}

func (r *round) Family() bigfit.Family { return bigfit.Clustering }

// assign labels the local rows, accumulating the per-cluster sums and
// counts when they are non-nil, and returns the local inertia.
func (r *round) assign(sums, counts []float64) float64 {
	f := r.dc.Features
	var inertia float64
	for i, x := range r.X {
		c, d := nearest(r.centroids, x)
		r.labels[i] = c
		inertia += d
		if sums != nil {
			floats.Add(sums[c*f:(c+1)*f], x)
			counts[c]++
		}
	}
	return inertia
}

func (r *round) LocalRound(ctx context.Context) error {
	f := r.dc.Features
	r.partial = make([]float64, r.k*f+r.k+1)
	sums, counts := r.partial[:r.k*f], r.partial[r.k*f:r.k*f+r.k]
	r.partial[len(r.partial)-1] = r.assign(sums, counts)
	return nil
}

// CombineRound computes the new centroids from the global per-cluster
// sums and counts. Clusters that lost all of their rows keep their
// previous centroids.
func (r *round) CombineRound(ctx context.Context) error {
	// Replicated.
	global, err := r.dc.Comm.Allreduce(ctx, r.partial, comm.Sum)
	if err != nil {
		return err
	}
	f := r.dc.Features
	r.shift = 0
	for c := range r.centroids {
		count := global[r.k*f+c]
		if count == 0 {
			continue
		}
		next := global[c*f : (c+1)*f]
		floats.Scale(1/count, next)
		r.shift += sqdist(r.centroids[c], next)
		r.centroids[c] = next
	}
	if r.task != nil {
		r.task.Printf("inertia %.6g, shift %.6g", global[len(global)-1], r.shift)
	}
	return nil
}

func (r *round) Converged(ctx context.Context) (bool, error) {
	r.converged = r.shift <= r.tol
	return r.converged, nil
}
