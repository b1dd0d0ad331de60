// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ensemble implements distributed training of ensembles whose
// members (trees, for example) are fitted independently. The members
// are sharded across the physical nodes of the worker set: on each
// node, one rank is elected trainer, the whole dataset is gathered to
// it, and it fits its shard of the members, with the node's other
// ranks contributing parallelism instead of additional shards. The
// trainers then ship their shards to the root in batches, and the
// root broadcasts the reassembled ensemble to every rank.
package ensemble

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/combine"
	"github.com/grailbio/bigfit/comm"
	"github.com/spaolacci/murmur3"
)

// DefaultBatchSize is the default number of members shipped to the
// root per gather.
const DefaultBatchSize = 10

// FitFunc fits a single ensemble member over the full dataset X, y.
// Seed is the member's random seed. FitFunc may be called
// concurrently.
type FitFunc[M any] func(ctx context.Context, X [][]float64, y []float64, seed int64) (M, error)

// Ensemble is a reassembled ensemble.
type Ensemble[M any] struct {
	// Members holds the ensemble's members, ordered by member index.
	Members []M
	// Classes holds the sorted class labels of a classifier ensemble.
	// It is nil for regressors.
	Classes []float64
	// NOutputs is the number of outputs predicted per sample.
	NOutputs int
}

// Trainer configures sharded ensemble training.
type Trainer[M any] struct {
	// Size is the number of ensemble members.
	Size int
	// BatchSize is the maximum number of members sent to the root in
	// a single gather. If zero, DefaultBatchSize is used.
	BatchSize int
	// Seed is the ensemble's random seed, from which the members'
	// seeds are derived.
	Seed int64
	// Classify indicates that the ensemble is a classifier, so that
	// its class labels are recorded.
	Classify bool
	// Status, if non-nil, receives training progress.
	Status *status.Group
}

// ShardSizes returns the number of members fitted on each of nodes
// nodes for an ensemble of size members: size/nodes each, with the
// first size%nodes nodes fitting one more.
func ShardSizes(size, nodes int) []int {
	if nodes <= 0 {
		return nil
	}
	sizes := make([]int, nodes)
	for i := range sizes {
		sizes[i] = size / nodes
		if i < size%nodes {
			sizes[i]++
		}
	}
	return sizes
}

// MemberSeed returns the seed of the member with the given index in an
// ensemble with the given seed. Member seeds depend only on the
// member's index, so that an ensemble does not depend on how its
// members were placed.
func MemberSeed(seed int64, index int) int64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(seed))
	binary.LittleEndian.PutUint64(b[8:], uint64(index))
	return int64(murmur3.Sum64(b[:]) >> 1)
}

// Topology is the placement of a worker set's ranks on physical nodes.
type Topology struct {
	// Nodes lists the distinct node names, in order of their first
	// appearance by rank.
	Nodes []string
	// Trainers holds, for each node, the lowest rank running on it.
	Trainers []int
	// Ranks holds, for each node, the number of ranks running on it.
	Ranks []int
	// NodeOf holds the node index of each rank.
	NodeOf []int
}

// NewTopology computes the topology of a worker set from the
// rank-ordered node names of its ranks.
func NewTopology(names []string) *Topology {
	t := &Topology{NodeOf: make([]int, len(names))}
	index := make(map[string]int)
	for r, name := range names {
		k, ok := index[name]
		if !ok {
			k = len(t.Nodes)
			index[name] = k
			t.Nodes = append(t.Nodes, name)
			t.Trainers = append(t.Trainers, r)
			t.Ranks = append(t.Ranks, 0)
		}
		t.NodeOf[r] = k
		t.Ranks[k]++
	}
	return t
}

// Partition is a rank's partition of the training data, as shipped to
// the node trainers.
type partition struct {
	X [][]float64
	Y []float64
}

// Batch is a batch of members shipped from a trainer to the root.
type batch[M any] struct {
	Members []M
}

// Fit trains the ensemble over the distributed dataset described by
// dc, of which X, y is the local partition. The returned ensemble is
// identical on every rank. Errors returned by fit are synchronized, so
// that Fit fails identically on every rank.
//
// If dc is not distributed, all members are fitted locally.
func (t *Trainer[M]) Fit(ctx context.Context, dc *bigfit.Context, X [][]float64, y []float64, fit FitFunc[M]) (*Ensemble[M], error) {
	if t.Size <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ensemble: size %d <= 0", t.Size))
	}
	if t.BatchSize < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ensemble: batch size %d < 0", t.BatchSize))
	}
	if dc.GlobalRows == 0 {
		return nil, errors.E(errors.Invalid, "ensemble: empty dataset")
	}
	if !dc.Distributed {
		members, err := t.fitShard(ctx, X, y, 0, t.Size, 1, fit)
		if err != nil {
			return nil, err
		}
		return t.assemble(members, y), nil
	}
	c := dc.Comm

	// Replicated: every rank derives the same topology.
	names, err := comm.AllgatherOf(ctx, c, c.Node())
	if err != nil {
		return nil, err
	}
	topo := NewTopology(names)
	sizes := ShardSizes(t.Size, len(topo.Nodes))
	node := topo.NodeOf[c.Rank()]
	trainer := topo.Trainers[node] == c.Rank()
	first := 0
	for k := 0; k < node; k++ {
		first += sizes[k]
	}
	if c.Rank() == 0 {
		log.Printf("ensemble: fitting %d members on %d nodes: shards %v", t.Size, len(topo.Nodes), sizes)
	}

	// Root-only: each node's trainer receives the full dataset, in
	// rank order.
	var data []partition
	for k, root := range topo.Trainers {
		parts, err := comm.GatherOf(ctx, c, partition{X, y}, root)
		if err != nil {
			return nil, err
		}
		if k == node && trainer {
			data = parts
		}
	}

	var (
		shard  []M
		labels []float64
		fitErr error
	)
	if trainer {
		var allX [][]float64
		for _, p := range data {
			allX = append(allX, p.X...)
			labels = append(labels, p.Y...)
		}
		shard, fitErr = t.fitShard(ctx, allX, labels, first, sizes[node], topo.Ranks[node], fit)
	}
	if err := comm.Agree(ctx, c, fitErr); err != nil {
		return nil, err
	}

	color := -1
	if trainer {
		color = 0
	}
	// Trainers are ordered by node index, so that the sub-communicator's
	// rank 0 is the trainer of node 0, which is world rank 0.
	sub, err := c.Split(ctx, color, node)
	if err != nil {
		return nil, err
	}
	var ens Ensemble[M]
	if sub != nil {
		members, err := t.reassemble(ctx, sub, shard, sizes)
		if err != nil {
			return nil, err
		}
		if sub.Rank() == 0 {
			ens = *t.assemble(members, labels)
		}
	}
	// Replicated: the root's ensemble.
	ens, err = comm.BcastOf(ctx, c, ens, 0)
	if err != nil {
		return nil, err
	}
	if len(ens.Members) != t.Size {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("ensemble: reassembled %d members, expected %d", len(ens.Members), t.Size))
	}
	return &ens, nil
}

// reassemble gathers the trainers' shards on the trainer with sub-rank
// 0, in batches of at most BatchSize members. Every trainer performs
// the same number of gathers, as determined by the largest shard. The
// result is returned on the root only.
func (t *Trainer[M]) reassemble(ctx context.Context, sub comm.Comm, shard []M, sizes []int) ([]M, error) {
	batchSize := t.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	var nbatch int
	for _, size := range sizes {
		if n := (size + batchSize - 1) / batchSize; n > nbatch {
			nbatch = n
		}
	}
	var shards [][]M
	if sub.Rank() == 0 {
		shards = make([][]M, sub.Size())
	}
	for i := 0; i < nbatch; i++ {
		lo, hi := min(i*batchSize, len(shard)), min((i+1)*batchSize, len(shard))
		// Root-only.
		batches, err := comm.GatherOf(ctx, sub, batch[M]{shard[lo:hi]}, 0)
		if err != nil {
			return nil, err
		}
		for k, b := range batches {
			shards[k] = append(shards[k], b.Members...)
		}
	}
	if sub.Rank() != 0 {
		return nil, nil
	}
	var members []M
	for k, s := range shards {
		if len(s) != sizes[k] {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("ensemble: node %d sent %d members, expected %d", k, len(s), sizes[k]))
		}
		members = append(members, s...)
	}
	return members, nil
}

// fitShard fits the n members starting at member index first, using at
// most parallelism concurrent calls to fit.
func (t *Trainer[M]) fitShard(ctx context.Context, X [][]float64, y []float64, first, n, parallelism int, fit FitFunc[M]) ([]M, error) {
	var task *status.Task
	if t.Status != nil {
		task = t.Status.Startf("members [%d, %d)", first, first+n)
		defer task.Done()
	}
	members := make([]M, n)
	err := traverse.Limit(parallelism).Each(n, func(i int) error {
		m, err := fit(ctx, X, y, MemberSeed(t.Seed, first+i))
		if err != nil {
			return errors.E(fmt.Sprintf("fit member %d", first+i), err)
		}
		members[i] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task != nil {
		task.Printf("fitted %d members on %d rows", n, len(X))
	}
	return members, nil
}

func (t *Trainer[M]) assemble(members []M, y []float64) *Ensemble[M] {
	ens := &Ensemble[M]{Members: members, NOutputs: 1}
	if t.Classify {
		ens.Classes = combine.Distinct(y)
	}
	return ens
}
