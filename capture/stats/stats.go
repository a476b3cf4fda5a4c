/*
Copyright (c) the ilt-recorder authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats collects and reports the recorder's runtime counters:
// a mutex-free atomic counter block the scheduler updates on its own
// goroutine, a Prometheus exporter, a colorized six-line status block,
// and supplementary process-level stats.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/eclesh/welford"
)

// Counters holds the per-session runtime counters described in
// spec section 3 ("Runtime Counters"): current packet number, bytes
// written, and packets-seen/expected both cumulative and since the
// last log line. All fields are updated with atomic operations so the
// scheduler's owner goroutine and a background status-log task can
// both read a consistent snapshot without a lock.
type Counters struct {
	currentPacketNumber uint64
	bytesWritten        uint64

	seenTotal      uint64
	expectedTotal  uint64
	seenInterval   uint64
	expectedInterval uint64

	shortReceives uint64
	headerErrors  uint64

	cadence *welford.Stats
	lastBatch time.Time
}

// New returns a zeroed Counters, ready to use.
func New() *Counters {
	return &Counters{cadence: welford.New()}
}

// SetCurrentPacketNumber records the scheduler's current packet
// number. current_packet never decreases during a session; callers
// are responsible for honoring that invariant.
func (c *Counters) SetCurrentPacketNumber(n uint64) {
	atomic.StoreUint64(&c.currentPacketNumber, n)
}

// AddBytesWritten accumulates bytes written to the data ring.
func (c *Counters) AddBytesWritten(n uint64) {
	atomic.AddUint64(&c.bytesWritten, n)
}

// AddSeen accumulates packets_seen, both cumulative and since the last
// interval reset.
func (c *Counters) AddSeen(n uint64) {
	atomic.AddUint64(&c.seenTotal, n)
	atomic.AddUint64(&c.seenInterval, n)
}

// AddExpected accumulates packets_expected, both cumulative and since
// the last interval reset.
func (c *Counters) AddExpected(n uint64) {
	atomic.AddUint64(&c.expectedTotal, n)
	atomic.AddUint64(&c.expectedInterval, n)
}

// IncShortReceives records a batch that returned fewer packets than
// requested.
func (c *Counters) IncShortReceives() {
	atomic.AddUint64(&c.shortReceives, 1)
}

// IncHeaderErrors records a header validation failure.
func (c *Counters) IncHeaderErrors() {
	atomic.AddUint64(&c.headerErrors, 1)
}

// ObserveBatchArrival feeds the wall-clock gap since the previous
// batch into a running mean/variance, for cadence/jitter diagnostics.
// The very first call only seeds the clock; it has no prior gap to
// record.
func (c *Counters) ObserveBatchArrival(now time.Time) {
	if !c.lastBatch.IsZero() {
		c.cadence.Add(now.Sub(c.lastBatch).Seconds())
	}
	c.lastBatch = now
}

// ResetInterval zeroes the since-last-log counters. It does not touch
// the cumulative counters or the cadence tracker.
func (c *Counters) ResetInterval() {
	atomic.StoreUint64(&c.seenInterval, 0)
	atomic.StoreUint64(&c.expectedInterval, 0)
}

// Snapshot is a point-in-time, by-value copy of Counters suitable for
// handing to a background status-log task: it touches only scalar
// fields taken by the owner goroutine before dispatch, never the
// socket, scratch buffer, or ring.
type Snapshot struct {
	CurrentPacketNumber uint64
	BytesWritten        uint64
	SeenTotal           uint64
	ExpectedTotal       uint64
	SeenInterval        uint64
	ExpectedInterval    uint64
	ShortReceives       uint64
	HeaderErrors        uint64
	CadenceMeanSeconds  float64
	CadenceStddevSeconds float64
}

// Snapshot takes a consistent point-in-time copy of the counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		CurrentPacketNumber:  atomic.LoadUint64(&c.currentPacketNumber),
		BytesWritten:         atomic.LoadUint64(&c.bytesWritten),
		SeenTotal:            atomic.LoadUint64(&c.seenTotal),
		ExpectedTotal:        atomic.LoadUint64(&c.expectedTotal),
		SeenInterval:         atomic.LoadUint64(&c.seenInterval),
		ExpectedInterval:     atomic.LoadUint64(&c.expectedInterval),
		ShortReceives:        atomic.LoadUint64(&c.shortReceives),
		HeaderErrors:         atomic.LoadUint64(&c.headerErrors),
		CadenceMeanSeconds:   c.cadence.Mean(),
		CadenceStddevSeconds: c.cadence.Stddev(),
	}
}

// ToMap flattens a Snapshot into a string-keyed map, the same shape
// ptp/ptp4u/stats.counters.toMap produces for its own counters, so the
// Prometheus exporter and any future JSON stats sink can share one
// representation.
func (s Snapshot) ToMap() map[string]int64 {
	return map[string]int64{
		"current_packet_number": int64(s.CurrentPacketNumber),
		"bytes_written":         int64(s.BytesWritten),
		"packets_seen.total":    int64(s.SeenTotal),
		"packets_expected.total": int64(s.ExpectedTotal),
		"packets_seen.interval":  int64(s.SeenInterval),
		"packets_expected.interval": int64(s.ExpectedInterval),
		"short_receives":        int64(s.ShortReceives),
		"header_errors":         int64(s.HeaderErrors),
		"cadence.mean_us":       int64(s.CadenceMeanSeconds * 1e6),
		"cadence.stddev_us":     int64(s.CadenceStddevSeconds * 1e6),
	}
}

// MissedInterval and MissedTotal return expected-minus-seen for the
// interval and cumulative counters, the packet-loss accounting
// described in spec section 4.E.
func (s Snapshot) MissedInterval() uint64 {
	if s.ExpectedInterval < s.SeenInterval {
		return 0
	}
	return s.ExpectedInterval - s.SeenInterval
}

func (s Snapshot) MissedTotal() uint64 {
	if s.ExpectedTotal < s.SeenTotal {
		return 0
	}
	return s.ExpectedTotal - s.SeenTotal
}
