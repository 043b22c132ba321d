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

package memnode

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remus-project/remus/pkg/rdma/segment"
)

var (
	descControlFlag = prometheus.NewDesc(
		"remus_memnode_control_flag",
		"Number of compute threads that have checked out for shutdown.",
		nil, nil,
	)
	descThreadsExpected = prometheus.NewDesc(
		"remus_memnode_threads_expected",
		"Total compute thread count the shutdown counter must reach.",
		nil, nil,
	)
	descSegmentAllocated = prometheus.NewDesc(
		"remus_memnode_segment_allocated_bytes",
		"Value of the bump counter of one published segment.",
		[]string{"segment"}, nil,
	)
	descSegmentCapacity = prometheus.NewDesc(
		"remus_memnode_segment_capacity_bytes",
		"Capacity of one published segment.",
		[]string{"segment"}, nil,
	)
)

// collector exposes the live counters of a memory node.
type collector struct {
	m *MemoryNode
}

// Collector returns a prometheus collector reading this node's control
// block counters.
func (m *MemoryNode) Collector() prometheus.Collector {
	return &collector{m: m}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descControlFlag
	ch <- descThreadsExpected
	ch <- descSegmentAllocated
	ch <- descSegmentCapacity
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descControlFlag,
		prometheus.GaugeValue, float64(c.m.ControlFlag()))
	ch <- prometheus.MustNewConstMetric(descThreadsExpected,
		prometheus.GaugeValue, float64(c.m.cfg.totalThreads()))
	for i, s := range c.m.segs {
		label := fmt.Sprint(i)
		ch <- prometheus.MustNewConstMetric(descSegmentAllocated,
			prometheus.GaugeValue,
			float64(atomic.LoadUint64(s.seg.Word(segment.OffAllocated))),
			label)
		ch <- prometheus.MustNewConstMetric(descSegmentCapacity,
			prometheus.GaugeValue, float64(s.seg.Capacity()), label)
	}
}
