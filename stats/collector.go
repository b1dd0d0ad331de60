// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the counters of a Map as Prometheus metrics.
// Each counter becomes two series labeled by verb: the number of
// calls and the number of contributed elements.
type Collector struct {
	m     *Map
	calls *prometheus.Desc
	elems *prometheus.Desc
}

// NewCollector returns a collector for the provided map. Constant
// labels (for example, the rank) are attached to every series.
func NewCollector(m *Map, namespace string, labels prometheus.Labels) *Collector {
	return &Collector{
		m: m,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "collective", "calls_total"),
			"Number of collective calls, by verb.",
			[]string{"verb"}, labels),
		elems: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "collective", "elements_total"),
			"Number of elements contributed to collective calls, by verb.",
			[]string{"verb"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.elems
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for verb, val := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(val.Calls), verb)
		ch <- prometheus.MustNewConstMetric(c.elems, prometheus.CounterValue, float64(val.Elems), verb)
	}
}
