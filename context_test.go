// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigfit_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/fittest"
)

func TestDiscover(t *testing.T) {
	counts := []int{3, 0, 5, 2}
	fittest.Run(t, len(counts), func(ctx context.Context, c comm.Comm) error {
		dc, err := bigfit.Discover(ctx, c, counts[c.Rank()], 7, true)
		if err != nil {
			return err
		}
		if got, want := dc.GlobalRows, 10; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		if got, want := dc.Offsets, []int{0, 3, 3, 8}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		if got, want := dc.Counts, counts; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		owners := make([]int, dc.GlobalRows+1)
		for i := range owners {
			owners[i] = dc.Owner(i)
		}
		if got, want := owners, []int{0, 0, 0, 2, 2, 2, 2, 2, 3, 3, -1}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		lo, hi := dc.Range()
		for i := lo; i < hi; i++ {
			if dc.Owner(i) != c.Rank() {
				return fmt.Errorf("rank %d does not own %d", c.Rank(), i)
			}
		}
		local := dc.LocalIndices([]int{9, 0, 4, 3, 2})
		want := map[int][]int{0: {0, 2}, 1: nil, 2: {1, 0}, 3: {1}}[c.Rank()]
		if !reflect.DeepEqual(local, want) {
			return fmt.Errorf("rank %d: got %v, want %v", c.Rank(), local, want)
		}
		// Drop a row from every non-empty partition and rediscover.
		rows := counts[c.Rank()]
		if rows > 0 {
			rows--
		}
		dc, err = dc.Rediscover(ctx, rows)
		if err != nil {
			return err
		}
		if got, want := dc.Offsets, []int{0, 2, 2, 6}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestDiscoverFeatureMismatch(t *testing.T) {
	errs := make([]error, 3)
	fittest.Run(t, 3, func(ctx context.Context, c comm.Comm) error {
		features := 4
		if c.Rank() == 2 {
			features = 5
		}
		_, errs[c.Rank()] = bigfit.Discover(ctx, c, 10, features, true)
		return nil
	})
	for r, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", r, err)
		}
	}
}

func TestDiscoverLocal(t *testing.T) {
	comms := comm.NewLocal(2)
	// No peer participates: a non-distributed discovery must not communicate.
	dc, err := bigfit.Discover(context.Background(), comms[1], 5, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Distributed {
		t.Error("expected local context")
	}
	if got, want := dc.GlobalRows, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := dc.Rank(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDiscoverNilComm(t *testing.T) {
	ctx := context.Background()
	if _, err := bigfit.Discover(ctx, nil, 5, 2, true); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	dc, err := bigfit.Discover(ctx, nil, 5, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Distributed || dc.Comm.Size() != 1 {
		t.Errorf("got distributed %v over %d ranks, want local", dc.Distributed, dc.Comm.Size())
	}
}

func TestPermutation(t *testing.T) {
	perms := make([][]int, 3)
	fittest.Run(t, 3, func(ctx context.Context, c comm.Comm) error {
		dc, err := bigfit.Discover(ctx, c, c.Rank()+4, 1, true)
		if err != nil {
			return err
		}
		perms[c.Rank()] = dc.Permutation(42)
		return nil
	})
	for r := range perms {
		if !reflect.DeepEqual(perms[r], perms[0]) {
			t.Errorf("rank %d: permutation differs", r)
		}
	}
	if got, want := len(perms[0]), 15; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
