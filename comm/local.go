// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/stats"
	"golang.org/x/sync/errgroup"
)

// LocalTransport exchanges values directly in memory between ranks
// that run in the same process.
type localTransport struct {
	r *rendezvous[interface{}]
}

func (t localTransport) exchange(ctx context.Context, key exchangeKey, rank, size int, v interface{}, _ reflect.Type) ([]interface{}, error) {
	return t.r.exchange(ctx, key, rank, size, v)
}

type options struct {
	nodes int
	stats *stats.Map
}

// An Option configures an in-process worker set.
type Option func(*options)

// Nodes places the ranks of an in-process worker set on n simulated
// physical nodes. Ranks are assigned to nodes in contiguous blocks,
// as a process launcher does when it fills each machine in turn.
func Nodes(n int) Option {
	if n <= 0 {
		panic("comm.Nodes: n <= 0")
	}
	return func(o *options) {
		o.nodes = n
	}
}

// Stats configures the worker set to record collective calls of all
// ranks in the provided map.
func Stats(m *stats.Map) Option {
	return func(o *options) {
		o.stats = m
	}
}

// NodeName returns the name of the simulated node on which rank runs,
// when size ranks are placed in contiguous blocks on nodes nodes.
func NodeName(rank, size, nodes int) string {
	return fmt.Sprintf("node%d", rank*nodes/size)
}

// NewLocal returns the p communicators of an in-process worker set,
// indexed by rank. Each must be driven by its own goroutine.
func NewLocal(p int, opts ...Option) []Comm {
	if p <= 0 {
		panic("comm.NewLocal: p <= 0")
	}
	o := options{nodes: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nodes > p {
		o.nodes = p
	}
	t := localTransport{newRendezvous[interface{}]()}
	comms := make([]Comm, p)
	for rank := range comms {
		node := NodeName(rank, p, o.nodes)
		m := o.stats
		if m == nil {
			m = stats.NewMap()
		}
		comms[rank] = newGroup("world", rank, p, node, t, m)
	}
	return comms
}

// Run runs fn once for each of p ranks of an in-process worker set,
// each in its own goroutine, and waits for all of them to complete.
// Run returns the first error returned by any rank. When a rank
// fails, the context passed to the other ranks is canceled so that
// their pending collectives return rather than deadlock.
func Run(ctx context.Context, p int, fn func(ctx context.Context, c Comm) error, opts ...Option) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range NewLocal(p, opts...) {
		c := c
		g.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					err = errors.E(errors.Fatal, fmt.Errorf("rank %d panic: %v", c.Rank(), e))
				}
			}()
			return fn(ctx, c)
		})
	}
	return g.Wait()
}

// selfTransport is the transport of the one-rank worker set.
type selfTransport struct{}

func (selfTransport) exchange(_ context.Context, key exchangeKey, rank, size int, v interface{}, _ reflect.Type) ([]interface{}, error) {
	if rank != 0 || size != 1 {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("exchange %s: self transport with rank %d of %d", key, rank, size))
	}
	return []interface{}{v}, nil
}

// Self returns the communicator of a worker set containing only the
// calling process. Its collectives return immediately without any
// communication.
func Self() Comm {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return newGroup("self", 0, 1, host, selfTransport{}, nil)
}

// StatsOf returns the collective call counters kept by c, or nil if
// c does not keep any.
func StatsOf(c Comm) *stats.Map {
	if s, ok := c.(interface{ Stats() *stats.Map }); ok {
		return s.Stats()
	}
	return nil
}
