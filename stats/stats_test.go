// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Counter("allreduce")
		_ = coll.Counter("bcast")
	)
	if got, want := x.Get(), (Value{}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Observe(3)
	x.Observe(5)
	if got, want := x.Get(), (Value{Calls: 2, Elems: 8}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["allreduce"], (Value{Calls: 4, Elems: 16}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["bcast"], (Value{}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.Total(), (Value{Calls: 4, Elems: 16}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "allreduce:4/16 bcast:0/0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	c := m.Counter("x")
	c.Observe(1)
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCollector(t *testing.T) {
	m := NewMap()
	m.Counter("allgather").Observe(4)
	m.Counter("bcast").Observe(1)
	c := NewCollector(m, "bigfit", prometheus.Labels{"rank": "0"})
	if got, want := testutil.CollectAndCount(c), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
