// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// A round holds the contributions to a single exchange.
type round[T any] struct {
	vals        []T
	contributed []bool
	// Ready is closed once every rank has contributed.
	ready chan struct{}
	// N is the number of contributions received; read the number
	// of ranks that have collected the result.
	n, read int
}

// Rendezvous matches the contributions of the ranks of a worker set
// to the same exchange. A round is retired once every rank has
// collected its result.
type rendezvous[T any] struct {
	mu     sync.Mutex
	rounds map[exchangeKey]*round[T]
}

func newRendezvous[T any]() *rendezvous[T] {
	return &rendezvous[T]{rounds: make(map[exchangeKey]*round[T])}
}

// Exchange contributes v as rank's value to the round named by key,
// and blocks until all size ranks have contributed. It returns the
// rank-ordered contributions.
func (r *rendezvous[T]) exchange(ctx context.Context, key exchangeKey, rank, size int, v T) ([]T, error) {
	if rank < 0 || rank >= size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exchange %s: rank %d out of range [0, %d)", key, rank, size))
	}
	rd, err := r.contribute(key, rank, size, v)
	if err != nil {
		return nil, err
	}
	select {
	case <-rd.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make([]T, size)
	copy(vals, rd.vals)
	rd.read++
	if rd.read == size {
		delete(r.rounds, key)
	}
	return vals, nil
}

// Contribute records v as rank's contribution to the round named by
// key, creating the round if rank is the first to contribute.
func (r *rendezvous[T]) contribute(key exchangeKey, rank, size int, v T) (*round[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd := r.rounds[key]
	if rd == nil {
		rd = &round[T]{
			vals:        make([]T, size),
			contributed: make([]bool, size),
			ready:       make(chan struct{}),
		}
		r.rounds[key] = rd
	}
	if len(rd.vals) != size {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("exchange %s: rank %d expects %d ranks, round has %d", key, rank, size, len(rd.vals)))
	}
	if rd.contributed[rank] {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("exchange %s: rank %d contributed twice", key, rank))
	}
	rd.vals[rank] = v
	rd.contributed[rank] = true
	rd.n++
	if rd.n == size {
		close(rd.ready)
	}
	return rd, nil
}
