// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// AllgatherOf is a typed Allgather. The result is replicated.
func AllgatherOf[T any](ctx context.Context, c Comm, v T) ([]T, error) {
	vals, err := c.Allgather(ctx, v)
	if err != nil {
		return nil, err
	}
	return convert[T](vals)
}

// GatherOf is a typed Gather. The result is returned on root only.
func GatherOf[T any](ctx context.Context, c Comm, v T, root int) ([]T, error) {
	vals, err := c.Gather(ctx, v, root)
	if err != nil || vals == nil {
		return nil, err
	}
	return convert[T](vals)
}

// BcastOf is a typed Bcast. The result is replicated.
func BcastOf[T any](ctx context.Context, c Comm, v T, root int) (T, error) {
	var zero T
	val, err := c.Bcast(ctx, v, root)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	t, ok := val.(T)
	if !ok {
		return zero, errors.E(errors.Fatal, fmt.Sprintf("bcast: got %T, want %T", val, zero))
	}
	return t, nil
}

// AllreduceFloat reduces a single value. The result is replicated.
func AllreduceFloat(ctx context.Context, c Comm, x float64, op Op) (float64, error) {
	out, err := c.Allreduce(ctx, []float64{x}, op)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// AllreduceInts reduces integer vectors. Values are carried as
// float64 and are exact up to 2^53. The result is replicated.
func AllreduceInts(ctx context.Context, c Comm, x []int, op Op) ([]int, error) {
	f := make([]float64, len(x))
	for i := range x {
		f[i] = float64(x[i])
	}
	f, err := c.Allreduce(ctx, f, op)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(f))
	for i := range f {
		out[i] = int(f[i])
	}
	return out, nil
}

func convert[T any](vals []interface{}) ([]T, error) {
	out := make([]T, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		t, ok := v.(T)
		if !ok {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("rank %d contributed %T, want %T", i, v, out[i]))
		}
		out[i] = t
	}
	return out, nil
}
