// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/stats"
)

func TestReduce(t *testing.T) {
	xs := [][]float64{
		{1, 0, 5, 3, 0},
		{2, 0, -1, 3, 1},
		{3, 1, 4, 3, 0},
	}
	for _, c := range []struct {
		op   Op
		want []float64
	}{
		{Sum, []float64{6, 1, 8, 9, 1}},
		{Prod, []float64{6, 0, -20, 27, 0}},
		{Max, []float64{3, 1, 5, 3, 1}},
		{Min, []float64{1, 0, -1, 3, 0}},
		{LOr, []float64{1, 1, 1, 1, 1}},
		{LAnd, []float64{1, 0, 1, 1, 0}},
	} {
		got, err := c.op.Reduce(xs)
		if err != nil {
			t.Errorf("%v: %v", c.op, err)
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%v: got %v, want %v", c.op, got, c.want)
		}
	}
}

func TestReduceMaxLoc(t *testing.T) {
	got, err := MaxLoc.Reduce([][]float64{
		{0, 0, 5, 0},
		{1, 1, 5, 1},
		{1, 2, 7, 2},
		{0, 3, 1, 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{1, 1, 7, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := MaxLoc.Reduce([][]float64{{1, 2, 3}}); err == nil {
		t.Error("expected error for odd length")
	}
	if _, err := Sum.Reduce([][]float64{{1}, {1, 2}}); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}

func TestCollectives(t *testing.T) {
	const p = 5
	ctx := context.Background()
	err := Run(ctx, p, func(ctx context.Context, c Comm) error {
		r := c.Rank()
		sum, err := c.Allreduce(ctx, []float64{float64(r), 1}, Sum)
		if err != nil {
			return err
		}
		if got, want := sum, []float64{10, p}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("rank %d: allreduce: got %v, want %v", r, got, want)
		}
		names, err := AllgatherOf(ctx, c, fmt.Sprint("r", r))
		if err != nil {
			return err
		}
		if got, want := names, []string{"r0", "r1", "r2", "r3", "r4"}; !reflect.DeepEqual(got, want) {
			return fmt.Errorf("rank %d: allgather: got %v, want %v", r, got, want)
		}
		v, err := BcastOf(ctx, c, r*10, 3)
		if err != nil {
			return err
		}
		if got, want := v, 30; got != want {
			return fmt.Errorf("rank %d: bcast: got %v, want %v", r, got, want)
		}
		gathered, err := GatherOf(ctx, c, []int{r, r}, 1)
		if err != nil {
			return err
		}
		if r != 1 && gathered != nil {
			return fmt.Errorf("rank %d: gather: non-root received %v", r, gathered)
		}
		if r == 1 && len(gathered) != p {
			return fmt.Errorf("gather: got %d values", len(gathered))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSplit(t *testing.T) {
	const p = 6
	var (
		mu    sync.Mutex
		sizes = make(map[int]int)
		ranks = make(map[int]int)
	)
	err := Run(context.Background(), p, func(ctx context.Context, c Comm) error {
		color := c.Rank() % 2
		if c.Rank() == 5 {
			color = -1
		}
		// Reverse order within each color.
		sub, err := c.Split(ctx, color, -c.Rank())
		if err != nil {
			return err
		}
		// The parent is still usable after the split, by all of its
		// ranks including those left out of every subgroup.
		total, err := AllreduceFloat(ctx, c, 1, Sum)
		if err != nil {
			return err
		}
		if total != p {
			return fmt.Errorf("rank %d: parent allreduce got %v, want %v", c.Rank(), total, p)
		}
		if color < 0 {
			if sub != nil {
				return fmt.Errorf("rank %d: expected nil communicator", c.Rank())
			}
			return nil
		}
		mu.Lock()
		sizes[c.Rank()] = sub.Size()
		ranks[c.Rank()] = sub.Rank()
		mu.Unlock()
		sum, err := AllreduceFloat(ctx, sub, float64(c.Rank()), Sum)
		if err != nil {
			return err
		}
		want := 6.0
		if color == 1 {
			want = 4
		}
		if sum != want {
			return fmt.Errorf("rank %d: got %v, want %v", c.Rank(), sum, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sizes, map[int]int{0: 3, 1: 2, 2: 3, 3: 2, 4: 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ranks, map[int]int{0: 2, 1: 1, 2: 1, 3: 0, 4: 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAgree(t *testing.T) {
	const p = 4
	errs := make([]error, p)
	err := Run(context.Background(), p, func(ctx context.Context, c Comm) error {
		var local error
		if c.Rank() == 2 {
			local = errors.E(errors.Invalid, "label 7 not in labels")
		}
		if c.Rank() == 3 {
			local = errors.E(errors.NotExist, "a later failure")
		}
		errs[c.Rank()] = Agree(ctx, c, local)
		// The worker set remains synchronized.
		_, err := c.Allreduce(ctx, []float64{1}, Sum)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for r, err := range errs {
		if err == nil {
			t.Fatalf("rank %d: expected error", r)
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", r, err)
		}
		if got, want := err.Error(), errs[0].Error(); got != want {
			t.Errorf("rank %d: got %q, want %q", r, got, want)
		}
	}
}

func TestAgreeNoError(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, c Comm) error {
		return Agree(ctx, c, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunCancel(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, c Comm) error {
		if c.Rank() == 1 {
			return errors.E(errors.Invalid, "bail")
		}
		_, err := c.Allreduce(ctx, []float64{1}, Sum)
		return err
	})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestNodes(t *testing.T) {
	comms := NewLocal(8, Nodes(3))
	var nodes []string
	for _, c := range comms {
		nodes = append(nodes, c.Node())
	}
	want := []string{"node0", "node0", "node0", "node1", "node1", "node1", "node2", "node2"}
	if !reflect.DeepEqual(nodes, want) {
		t.Errorf("got %v, want %v", nodes, want)
	}
}

func TestSelf(t *testing.T) {
	ctx := context.Background()
	c := Self()
	if got, want := c.Size(), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	x, err := c.Allreduce(ctx, []float64{1, 2}, Sum)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := x, []float64{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := Agree(ctx, c, nil); err != nil {
		t.Error(err)
	}
}

func TestStats(t *testing.T) {
	m := stats.NewMap()
	err := Run(context.Background(), 2, func(ctx context.Context, c Comm) error {
		_, err := c.Allreduce(ctx, []float64{1, 2, 3}, Sum)
		if err != nil {
			return err
		}
		_, err = c.Allgather(ctx, 1)
		return err
	}, Stats(m))
	if err != nil {
		t.Fatal(err)
	}
	vals := m.Snapshot()
	if got, want := vals["allreduce"], (stats.Value{Calls: 2, Elems: 6}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["allgather"].Calls, int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
