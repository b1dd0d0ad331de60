// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigfit/stats"
)

// An exchangeKey names a single collective call: the worker set
// (group) in which it occurs and its position in that set's call
// sequence.
type exchangeKey struct {
	Group string
	Seq   uint64
}

func (k exchangeKey) String() string {
	return fmt.Sprintf("%s#%d", k.Group, k.Seq)
}

// A transport performs the all-to-all exchange that underlies every
// collective verb: each rank contributes one value (nil meaning "no
// contribution") and receives the rank-ordered contributions of all
// ranks. Typ is the dynamic type of the values exchanged, for
// transports that must decode them.
type transport interface {
	exchange(ctx context.Context, key exchangeKey, rank, size int, v interface{}, typ reflect.Type) ([]interface{}, error)
}

// Group implements Comm on top of a transport. All four verbs are
// expressed as exchanges; the root-only and replicated variants
// differ only in which ranks keep the result.
type group struct {
	name       string
	rank, size int
	node       string
	t          transport
	stats      *stats.Map

	// Seq and splits are only accessed by the rank's own (single)
	// control flow, as required of SPMD callers.
	seq    uint64
	splits int
}

func newGroup(name string, rank, size int, node string, t transport, m *stats.Map) *group {
	if m == nil {
		m = stats.NewMap()
	}
	return &group{name: name, rank: rank, size: size, node: node, t: t, stats: m}
}

func (g *group) Rank() int    { return g.rank }
func (g *group) Size() int    { return g.size }
func (g *group) Node() string { return g.node }

// Stats returns the collective call counters of this rank.
func (g *group) Stats() *stats.Map { return g.stats }

func (g *group) String() string {
	return fmt.Sprintf("%s[%d/%d]@%s", g.name, g.rank, g.size, g.node)
}

func (g *group) exchange(ctx context.Context, verb string, v interface{}, n int, typ reflect.Type) ([]interface{}, error) {
	key := exchangeKey{g.name, g.seq}
	g.seq++
	g.stats.Counter(verb).Observe(n)
	log.Debug.Printf("%s: %s %s (%d elems)", g, verb, key, n)
	vals, err := g.t.exchange(ctx, key, g.rank, g.size, v, typ)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("%s %s", verb, key), err)
	}
	if len(vals) != g.size {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("%s %s: got %d contributions from %d ranks", verb, key, len(vals), g.size))
	}
	return vals, nil
}

func (g *group) Allreduce(ctx context.Context, x []float64, op Op) ([]float64, error) {
	vals, err := g.exchange(ctx, "allreduce", x, len(x), reflect.TypeOf(x))
	if err != nil {
		return nil, err
	}
	xs := make([][]float64, len(vals))
	for i, v := range vals {
		xs[i], _ = v.([]float64)
	}
	out, err := op.Reduce(xs)
	if err != nil {
		return nil, errors.E(errors.Fatal, err)
	}
	return out, nil
}

func (g *group) Allgather(ctx context.Context, v interface{}) ([]interface{}, error) {
	return g.exchange(ctx, "allgather", v, 1, reflect.TypeOf(v))
}

func (g *group) Bcast(ctx context.Context, v interface{}, root int) (interface{}, error) {
	if err := g.checkRoot(root); err != nil {
		return nil, err
	}
	typ := reflect.TypeOf(v)
	n := 0
	if g.rank != root {
		v = nil
	} else {
		n = 1
	}
	vals, err := g.exchange(ctx, "bcast", v, n, typ)
	if err != nil {
		return nil, err
	}
	return vals[root], nil
}

func (g *group) Gather(ctx context.Context, v interface{}, root int) ([]interface{}, error) {
	if err := g.checkRoot(root); err != nil {
		return nil, err
	}
	vals, err := g.exchange(ctx, "gather", v, 1, reflect.TypeOf(v))
	if err != nil || g.rank != root {
		return nil, err
	}
	return vals, nil
}

type splitKey struct {
	Color, Key, Rank int
}

func (g *group) Split(ctx context.Context, color, key int) (Comm, error) {
	vals, err := g.exchange(ctx, "split", splitKey{color, key, g.rank}, 1, reflect.TypeOf(splitKey{}))
	if err != nil {
		return nil, err
	}
	index := g.splits
	g.splits++
	if color < 0 {
		return nil, nil
	}
	var members []splitKey
	for _, v := range vals {
		if k := v.(splitKey); k.Color == color {
			members = append(members, k)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Key != members[j].Key {
			return members[i].Key < members[j].Key
		}
		return members[i].Rank < members[j].Rank
	})
	rank := -1
	for i, k := range members {
		if k.Rank == g.rank {
			rank = i
		}
	}
	name := fmt.Sprintf("%s/%d.%d", g.name, index, color)
	return newGroup(name, rank, len(members), g.node, g.t, g.stats), nil
}

func (g *group) checkRoot(root int) error {
	if root < 0 || root >= g.size {
		return errors.E(errors.Invalid, fmt.Sprintf("root %d out of range [0, %d)", root, g.size))
	}
	return nil
}
