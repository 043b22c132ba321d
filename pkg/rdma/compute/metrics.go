// Copyright The Remus Project Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descReadOps = prometheus.NewDesc(
		"remus_compute_read_ops_total",
		"One-sided reads issued by one compute thread.",
		[]string{"thread"}, nil,
	)
	descReadBytes = prometheus.NewDesc(
		"remus_compute_read_bytes_total",
		"Bytes read one-sided by one compute thread.",
		[]string{"thread"}, nil,
	)
	descWriteOps = prometheus.NewDesc(
		"remus_compute_write_ops_total",
		"One-sided writes issued by one compute thread.",
		[]string{"thread"}, nil,
	)
	descWriteBytes = prometheus.NewDesc(
		"remus_compute_write_bytes_total",
		"Bytes written one-sided by one compute thread.",
		[]string{"thread"}, nil,
	)
	descCASOps = prometheus.NewDesc(
		"remus_compute_cas_ops_total",
		"Compare-and-swap operations issued by one compute thread.",
		[]string{"thread"}, nil,
	)
	descFAAOps = prometheus.NewDesc(
		"remus_compute_faa_ops_total",
		"Fetch-and-add operations issued by one compute thread.",
		[]string{"thread"}, nil,
	)
	descInflight = prometheus.NewDesc(
		"remus_compute_lane_inflight_requests",
		"Work requests currently in flight on one lane.",
		[]string{"node", "lane"}, nil,
	)
)

// collector exposes the live counters of a compute node's threads and
// lanes.
type collector struct {
	n *ComputeNode
}

// Collector returns a prometheus collector reading this node's per-thread
// operation counters and per-lane in-flight gauges.
func (n *ComputeNode) Collector() prometheus.Collector {
	return &collector{n: n}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descReadOps
	ch <- descReadBytes
	ch <- descWriteOps
	ch <- descWriteBytes
	ch <- descCASOps
	ch <- descFAAOps
	ch <- descInflight
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.n.mu.Lock()
	threads := make([]*Thread, len(c.n.threads))
	copy(threads, c.n.threads)
	c.n.mu.Unlock()

	for _, t := range threads {
		m := t.Metrics()
		label := fmt.Sprint(t.id)
		ch <- prometheus.MustNewConstMetric(descReadOps,
			prometheus.CounterValue, float64(m.ReadOps), label)
		ch <- prometheus.MustNewConstMetric(descReadBytes,
			prometheus.CounterValue, float64(m.ReadBytes), label)
		ch <- prometheus.MustNewConstMetric(descWriteOps,
			prometheus.CounterValue, float64(m.WriteOps), label)
		ch <- prometheus.MustNewConstMetric(descWriteBytes,
			prometheus.CounterValue, float64(m.WriteBytes), label)
		ch <- prometheus.MustNewConstMetric(descCASOps,
			prometheus.CounterValue, float64(m.CASOps), label)
		ch <- prometheus.MustNewConstMetric(descFAAOps,
			prometheus.CounterValue, float64(m.FAAOps), label)
	}
	for nodeID, lanes := range c.n.lanes {
		for i, l := range lanes {
			ch <- prometheus.MustNewConstMetric(descInflight,
				prometheus.GaugeValue, float64(atomic.LoadUint64(&l.inflight)),
				fmt.Sprint(nodeID), fmt.Sprint(i))
		}
	}
}
