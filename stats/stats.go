// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides counters for collective operations. Each
// communicator keeps a Map of counters keyed by verb; maps can be
// snapshotted and aggregated across communicators.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Value is the snapshot of a single counter.
type Value struct {
	// Calls is the number of collective calls observed.
	Calls int64
	// Elems is the total number of elements contributed by
	// the local rank across all calls.
	Elems int64
}

// Values is a snapshot of the values in a collection.
type Values map[string]Value

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, val := range v {
		w[k] = val
	}
	return w
}

// Total returns the sum of all values in the snapshot.
func (v Values) Total() Value {
	var t Value
	for _, val := range v {
		t.Calls += val.Calls
		t.Elems += val.Elems
	}
	return t
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d/%d", key, v[key].Calls, v[key].Elems)
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. A nil Map discards
// all observations.
type Map struct {
	mu     sync.Mutex
	values map[string]*Counter
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Counter)}
}

// Counter returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Counter(name string) *Counter {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	c := m.values[name]
	if c == nil {
		c = new(Counter)
		m.values[name] = c
	}
	m.mu.Unlock()
	return c
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	if m == nil {
		return
	}
	m.mu.Lock()
	for k, c := range m.values {
		val := vals[k]
		val.Calls += atomic.LoadInt64(&c.calls)
		val.Elems += atomic.LoadInt64(&c.elems)
		vals[k] = val
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// A Counter counts calls and contributed elements. Counters are
// safe for concurrent use; nil counters ignore updates.
type Counter struct {
	calls int64
	elems int64
}

// Observe records one call contributing n elements.
func (c *Counter) Observe(n int) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.calls, 1)
	atomic.AddInt64(&c.elems, int64(n))
}

// Get returns the counter's current value.
func (c *Counter) Get() Value {
	if c == nil {
		return Value{}
	}
	return Value{
		Calls: atomic.LoadInt64(&c.calls),
		Elems: atomic.LoadInt64(&c.elems),
	}
}
