// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package preprocess

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
)

// LabelEncoder encodes target labels as integers in [0, len(Classes)).
type LabelEncoder struct {
	// Classes holds the sorted global label set.
	Classes []float64
	index   combine.Index[float64]
}

// Fit computes the global label set of the distributed targets, of
// which y is the local portion. The label ordering is canonical:
// every worker adopts the same one.
func (e *LabelEncoder) Fit(ctx context.Context, dc *bigfit.Context, y []float64) error {
	var err error
	// Replicated.
	if e.Classes, err = combine.Categories(ctx, dc.Comm, y); err != nil {
		return err
	}
	e.index = combine.NewIndex(e.Classes)
	return nil
}

// Transform encodes y. Labels that were not seen during fitting are
// an error.
func (e *LabelEncoder) Transform(y []float64) ([]int, error) {
	codes := make([]int, len(y))
	for i, v := range y {
		code, ok := e.index.Lookup(v)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("label encoder: unseen label %v", v))
		}
		codes[i] = code
	}
	return codes, nil
}

// InverseTransform decodes codes.
func (e *LabelEncoder) InverseTransform(codes []int) ([]float64, error) {
	y := make([]float64, len(codes))
	for i, code := range codes {
		if code < 0 || code >= len(e.Classes) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("label encoder: code %d out of range [0, %d)", code, len(e.Classes)))
		}
		y[i] = e.Classes[code]
	}
	return y, nil
}

// OneHotEncoder encodes categorical features as one-hot vectors.
type OneHotEncoder struct {
	// IgnoreUnknown encodes categories that were not seen during
	// fitting as all zeros instead of failing.
	IgnoreUnknown bool

	// Categories holds the sorted global category set of each
	// feature.
	Categories [][]float64
	indices    []combine.Index[float64]
}

// Fit computes the global category set of each feature of the
// distributed dataset described by dc, of which X is the local
// partition. All features' local category sets are exchanged in a
// single allgather.
func (e *OneHotEncoder) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64) error {
	f := dc.Features
	local := make([][]float64, f)
	return runStage(ctx, dc, func() error {
		if err := checkShape("one-hot encoder", dc, X); err != nil {
			return err
		}
		columns := make([][]float64, f)
		for _, x := range X {
			for j, v := range x {
				columns[j] = append(columns[j], v)
			}
		}
		for j := range columns {
			local[j] = combine.Distinct(columns[j])
		}
		return nil
	}, func(ctx context.Context) error {
		// Replicated.
		sets, err := comm.AllgatherOf(ctx, dc.Comm, local)
		if err != nil {
			return err
		}
		e.Categories = make([][]float64, f)
		e.indices = make([]combine.Index[float64], f)
		for j := range e.Categories {
			perRank := make([][]float64, len(sets))
			for r, set := range sets {
				if j < len(set) {
					perRank[r] = set[j]
				}
			}
			e.Categories[j] = combine.Distinct(perRank...)
			e.indices[j] = combine.NewIndex(e.Categories[j])
		}
		return nil
	})
}

// Width returns the number of output columns.
func (e *OneHotEncoder) Width() int {
	var n int
	for _, c := range e.Categories {
		n += len(c)
	}
	return n
}

// Transform encodes X.
func (e *OneHotEncoder) Transform(X [][]float64) ([][]float64, error) {
	if err := checkFeatures("one-hot encoder", X, len(e.Categories)); err != nil {
		return nil, err
	}
	width := e.Width()
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = make([]float64, width)
		offset := 0
		for j, v := range x {
			k, ok := e.indices[j].Lookup(v)
			switch {
			case ok:
				out[i][offset+k] = 1
			case !e.IgnoreUnknown:
				return nil, errors.E(errors.Invalid, fmt.Sprintf("one-hot encoder: unseen category %v in feature %d", v, j))
			}
			offset += len(e.Categories[j])
		}
	}
	return out, nil
}
