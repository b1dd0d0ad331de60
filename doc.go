// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bigfit implements distributed data-parallel estimator
fitting and statistics aggregation. A fixed set of workers, each
holding a disjoint contiguous slice ("partition") of the rows of a
dataset, cooperatively compute model parameters and evaluation
metrics that are equivalent, within floating-point tolerance, to
what a single process would compute over the concatenated dataset.
The dataset is never centralized.

Workers run the same program in lock-step (SPMD). Every distributed
call begins by discovering the partition layout:

	dc, err := bigfit.Discover(ctx, c, len(X), len(X[0]), true)

The returned Context carries the communicator and the global index
space (global row count and per-rank prefix offsets), and is passed
explicitly to every component: the statistics combiner (package
combine), the model-averaging trainer (package sgd), the ensemble
sharding trainer (package ensemble), the metric aggregator (package
score), and the split and fold generators (package split). All of
these are expressed purely in terms of the collective primitives of
package comm.

The learning algorithms themselves are not part of bigfit: each
component wraps an opaque local collaborator and decides only how
many times, and with what data, it is invoked, and how the partial
results of all workers are combined.

# Errors

Configuration errors are detected identically on every worker and
returned directly. Data errors, which may arise on only some
workers, are synchronized with comm.Agree so that every worker
returns the same error. Topology errors (an inconsistent worker
set) carry the Fatal severity; no attempt is made to recover from
them. Distributed calls thus either succeed on every worker or fail
identically on every worker.
*/
package bigfit
