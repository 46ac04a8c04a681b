// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	LatencyBuckets    = 101
	LatencyBucketSize = 10 * time.Millisecond

	metricsInterval = time.Minute
	metricsHistory  = 120
)

// Histogram counts durations in LatencyBucketSize buckets. The last bucket
// holds everything slower.
type Histogram struct {
	Buckets [LatencyBuckets]uint64 `json:"b"`
	Count   uint64                 `json:"c"`
	Sum     float64                `json:"s"` // milliseconds
}

func (h *Histogram) Add(d time.Duration) {
	d = max(d, 0)
	idx := min(int(d/LatencyBucketSize), LatencyBuckets-1)
	h.Buckets[idx]++
	h.Count++
	h.Sum += float64(d) / float64(time.Millisecond)
}

func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	for i := range LatencyBuckets {
		h.Buckets[i] += other.Buckets[i]
	}
	h.Count += other.Count
	h.Sum += other.Sum
}

// Percentile returns the upper bound of the bucket holding the p-th
// percentile, or 0 when the histogram is empty.
func (h *Histogram) Percentile(p float64) time.Duration {
	if h.Count == 0 {
		return 0
	}
	rank := max(uint64(math.Ceil(p/100*float64(h.Count))), 1)
	var seen uint64
	for i, n := range h.Buckets {
		seen += n
		if seen >= rank {
			return time.Duration(i+1) * LatencyBucketSize
		}
	}
	return LatencyBuckets * LatencyBucketSize
}

// Point is a single sample of a time series.
type Point[T any] struct {
	Timestamp int64 `json:"t"`
	Value     T     `json:"v"`
}

// RingBuffer keeps the most recent samples, at most one per resolution
// step.
type RingBuffer[T any] struct {
	Resolution time.Duration `json:"resolution"`
	Data       []Point[T]    `json:"data"`
	Head       int           `json:"head"` // next write position
}

func NewRingBuffer[T any](resolution time.Duration, size int) *RingBuffer[T] {
	return &RingBuffer[T]{
		Resolution: resolution,
		Data:       make([]Point[T], max(size, 1)),
	}
}

// Add stores value at timestamp, aligned to the resolution. A second value
// in the same step replaces the first.
func (rb *RingBuffer[T]) Add(timestamp int64, value T) {
	resSec := max(int64(rb.Resolution.Seconds()), 1)
	aligned := (timestamp / resSec) * resSec

	prev := (rb.Head - 1 + len(rb.Data)) % len(rb.Data)
	if rb.Data[prev].Timestamp == aligned {
		rb.Data[prev].Value = value
		return
	}
	rb.Data[rb.Head] = Point[T]{Timestamp: aligned, Value: value}
	rb.Head = (rb.Head + 1) % len(rb.Data)
}

// GetPoints returns the stored points, oldest first.
func (rb *RingBuffer[T]) GetPoints() []Point[T] {
	points := make([]Point[T], 0, len(rb.Data))
	for i := range len(rb.Data) {
		idx := (rb.Head + i) % len(rb.Data)
		if rb.Data[idx].Timestamp > 0 {
			points = append(points, rb.Data[idx])
		}
	}
	return points
}

// NodeSample is one metrics sample of this node.
type NodeSample struct {
	Actions    uint64     `json:"actions"` // action requests handled in the interval
	ActiveWS   int64      `json:"activeWS"`
	Hubs       int        `json:"hubs"`
	QueueDepth int        `json:"queueDepth"` // requests waiting in all hubs
	SinkDrops  int        `json:"sinkDrops"`
	Latency    *Histogram `json:"latency,omitempty"`
}

// Monitor collects the hub and stats sink metrics of this node.
type Monitor struct {
	hm *HubManager

	actions  atomic.Uint64
	activeWS atomic.Int64

	mu        sync.Mutex
	latency   *Histogram
	history   *RingBuffer[NodeSample]
	lastDrops int
}

func newMonitor(hm *HubManager) *Monitor {
	return &Monitor{
		hm:      hm,
		latency: &Histogram{},
		history: NewRingBuffer[NodeSample](metricsInterval, metricsHistory),
	}
}

// ObserveAction records the time a hub spent on one action request.
func (m *Monitor) ObserveAction(d time.Duration) {
	m.actions.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency.Add(d)
}

func (m *Monitor) gauges() NodeSample {
	hubs, depth := m.hm.queueStats()
	return NodeSample{
		ActiveWS:   m.activeWS.Load(),
		Hubs:       hubs,
		QueueDepth: depth,
		SinkDrops:  m.hm.sinks.Dropped(),
	}
}

// Sample closes the current interval. The sample carries the action count
// and latencies since the previous one and is appended to the history.
func (m *Monitor) Sample(now time.Time) NodeSample {
	s := m.gauges()
	s.Actions = m.actions.Swap(0)

	m.mu.Lock()
	s.Latency = m.latency
	m.latency = &Histogram{}
	m.history.Add(now.Unix(), s)
	newDrops := s.SinkDrops - m.lastDrops
	m.lastDrops = s.SinkDrops
	m.mu.Unlock()

	if newDrops > 0 {
		log.Printf("Monitor: %d stats updates dropped since last sample", newDrops)
	}
	if s.QueueDepth >= hubQueueSize {
		log.Printf("Monitor: %d requests queued across %d hubs", s.QueueDepth, s.Hubs)
	}
	return s
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sample(now)
		}
	}
}

// MetricsReport is the body of /api/metrics.
type MetricsReport struct {
	NodeID       string              `json:"nodeId,omitempty"`
	Current      NodeSample          `json:"current"`
	LatencyP50MS int64               `json:"latencyP50Ms"`
	LatencyP99MS int64               `json:"latencyP99Ms"`
	History      []Point[NodeSample] `json:"history"`
}

// Report returns the live gauges, the open interval and the sample history.
func (m *Monitor) Report() MetricsReport {
	s := m.gauges()
	s.Actions = m.actions.Load()

	m.mu.Lock()
	lat := *m.latency
	history := m.history.GetPoints()
	m.mu.Unlock()

	s.Latency = &lat
	return MetricsReport{
		Current:      s,
		LatencyP50MS: lat.Percentile(50).Milliseconds(),
		LatencyP99MS: lat.Percentile(99).Milliseconds(),
		History:      history,
	}
}
