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

// Package scheduler drives the warm-up/observe/finalize state machine
// that sits on top of a session handle: it peeks the first packet to
// learn the clock mode and packet size, runs the state machine from
// ilt_dada_operate, and accounts for packet loss against the
// packet-number timeline.
package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lofar-eng/ilt-recorder/capture/header"
	"github.com/lofar-eng/ilt-recorder/capture/session"
	"github.com/lofar-eng/ilt-recorder/capture/stats"
)

// HeaderCheckMode controls how many headers in a batch are validated
// during Observe.
type HeaderCheckMode int

const (
	// CheckNone validates no headers during Observe (AwaitFirstPacket
	// always fully validates the first packet regardless of mode).
	CheckNone HeaderCheckMode = iota
	// CheckFirstLast validates only the first and last header in each
	// batch. cmd/ilt-recorder uses this mode; the zero value of
	// HeaderCheckMode is CheckNone.
	CheckFirstLast
	// CheckEvery validates every header in each batch, packets
	// 0..count-1 inclusive.
	CheckEvery
)

// ErrLateStart is returned as a warning (not a fatal error) from
// AwaitFirstPacket when the feed is already past start_packet.
var ErrLateStart = errors.New("scheduler: late start")

// SchedulerError wraps a fatal failure with the phase it occurred in.
type SchedulerError struct {
	Phase string
	Err   error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler: %s: %v", e.Phase, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

func fail(phase string, err error) error {
	return &SchedulerError{Phase: phase, Err: err}
}

// Config controls header and first-packet payload validation; the
// warm-up/observe/finalize state transitions themselves are fixed, and
// the logging cadence comes from the session's WritesPerLog.
type Config struct {
	CheckMode               HeaderCheckMode
	CheckFirstPacketPayload bool
	StrictPayloadCheck      bool
}

// Scheduler drives one observation to completion over a prepared
// session handle.
type Scheduler struct {
	h   *session.Handle
	cfg Config

	stop int32

	clockBit   int
	packetSize uint32
}

// New returns a Scheduler bound to an already-Prepare()d session
// handle. It does not itself open the socket or the ring.
func New(h *session.Handle, cfg Config) *Scheduler {
	return &Scheduler{h: h, cfg: cfg}
}

// Stop requests cancellation. It is safe to call from a signal
// handler; the scheduler checks it between batches and jumps directly
// to Finalize, matching the cooperative cancellation model.
func (s *Scheduler) Stop() {
	atomic.StoreInt32(&s.stop, 1)
}

func (s *Scheduler) stopped() bool {
	return atomic.LoadInt32(&s.stop) != 0
}

// Run executes AwaitFirstPacket, WarmUp, Observe, and Finalize in
// order, returning the first fatal error encountered. A late start is
// logged as a warning, not returned as an error.
func (s *Scheduler) Run() error {
	if err := s.awaitFirstPacket(); err != nil && !errors.Is(err, ErrLateStart) {
		return err
	}

	lateStart := s.h.Flags.Has(session.NetworkChecked) && s.h.Stats.Snapshot().CurrentPacketNumber > s.h.Config.StartPacket
	if !lateStart {
		if err := s.warmUp(); err != nil {
			_ = s.finalize()
			return err
		}
	}

	if err := s.observe(); err != nil {
		_ = s.finalize()
		return err
	}

	return s.finalize()
}

// nominalRate returns the packet rate in packets/second implied by
// the packet-number formula for the given clock bit: N advances by
// 1e6*(160+40c) / (1024*16) per second of wall-clock time.
func nominalRate(clockBit int) float64 {
	c := float64(clockBit)
	return 1e6 * (160 + 40*c) / (1024 * 16)
}

// awaitFirstPacket peeks one packet (non-consuming), fully validates
// its header, derives clock_mode and packet_size from it, and sets
// current_packet = N(header) - 1 so the first consuming receive in
// WarmUp reads that same packet. If the feed is already past
// start_packet, it logs a late-start warning and leaves current_packet
// advanced rather than backing it up. Otherwise, if the gap to
// start_packet exceeds the configured pre-roll, it sleeps until
// pre-roll seconds before the estimated arrival of start_packet.
func (s *Scheduler) awaitFirstPacket() error {
	peekBuf := make([]byte, header.Size)
	if _, err := s.h.Socket.PeekHeader(peekBuf); err != nil {
		return fail("AwaitFirstPacket", err)
	}

	v, err := header.Parse(peekBuf)
	if err != nil {
		return fail("AwaitFirstPacket", err)
	}
	if err := header.Validate(v); err != nil {
		return fail("AwaitFirstPacket", err)
	}

	s.clockBit = v.ClockBit()
	packetSize, err := v.PacketSize()
	if err != nil {
		return fail("AwaitFirstPacket", err)
	}
	s.packetSize = packetSize

	if s.cfg.CheckFirstPacketPayload {
		full := make([]byte, s.packetSize)
		if _, err := s.h.Socket.PeekHeader(full); err != nil {
			return fail("AwaitFirstPacket", err)
		}
		if err := header.ValidatePayload(v, full[header.Size:], header.Policy{CheckPayloadAllZero: true}); err != nil {
			log.Warningf("scheduler: first packet payload is all zero")
			if s.cfg.StrictPayloadCheck {
				return fail("AwaitFirstPacket", err)
			}
		}
	}

	if err := session.ValidateConfig(&s.h.Config, s.packetSize); err != nil {
		return fail("AwaitFirstPacket", err)
	}
	if err := s.h.OpenBatchReceiver(int(s.packetSize)); err != nil {
		return fail("AwaitFirstPacket", err)
	}
	if err := s.h.OpenRing(); err != nil {
		return fail("AwaitFirstPacket", err)
	}
	if err := s.h.Ring.WriteHeader(observationDescriptor(s.h.Config, v, s.packetSize)); err != nil {
		return fail("AwaitFirstPacket", err)
	}

	current := v.PacketNumber() - 1
	s.h.Stats.SetCurrentPacketNumber(current)
	s.h.Flags.Set(session.NetworkChecked)

	start := s.h.Config.StartPacket
	if current > start {
		log.Warningf("scheduler: late start, current packet %d already past start packet %d", current, start)
		return ErrLateStart
	}

	gap := start - current
	rate := nominalRate(s.clockBit)
	gapSeconds := float64(gap) / rate
	preroll := float64(s.h.Config.PreRollSeconds)
	if gapSeconds > preroll {
		sleep := time.Duration((gapSeconds - preroll) * float64(time.Second))
		log.Infof("scheduler: sleeping %s before pre-roll window", sleep)
		time.Sleep(sleep)
	}

	return nil
}

// observationDescriptor builds the single metadata-ring record for one
// observation, written exactly once by AwaitFirstPacket right after the
// ring is attached, satisfying the invariant that the header record
// precedes the first data write. Fields are tab-delimited, matching the
// log line convention from section 6.
func observationDescriptor(cfg session.Config, first header.View, packetSize uint32) []byte {
	return []byte(fmt.Sprintf(
		"port=%d\tring_key=%d\tclock_mode=%d\tpacket_size=%d\tbatch_size=%d\tstart_packet=%d\tend_packet=%d\tsegment_count=%d\tsegment_size=%d\twritten_at=%s\n",
		cfg.Port, cfg.RingKey, first.ClockBit(), packetSize, cfg.BatchSize,
		cfg.StartPacket, cfg.EndPacket, cfg.SegmentCount, cfg.SegmentSize,
		time.Now().UTC().Format(time.RFC3339),
	))
}

// warmUp consumes (and, once close enough to start_packet, publishes)
// packets arriving before the configured start. It repeats until
// current_packet >= start_packet, then resets the interval counters so
// warm-up traffic is not double-counted in the first Observe log line.
func (s *Scheduler) warmUp() error {
	start := s.h.Config.StartPacket
	batchSize := uint64(s.h.Config.BatchSize)

	for {
		if s.stopped() {
			return nil
		}
		count, err := s.receiveBatch()
		if err != nil {
			return fail("WarmUp", err)
		}

		last, err := s.lastHeader(count)
		if err != nil {
			return fail("WarmUp", err)
		}
		current := last.PacketNumber()
		s.h.Stats.SetCurrentPacketNumber(current)

		if current >= subSat(start, batchSize) {
			if _, err := s.h.Ring.Write(s.h.Batch.Data(count)); err != nil {
				return fail("WarmUp", err)
			}
		}

		if current >= start {
			s.h.Stats.ResetInterval()
			return nil
		}
	}
}

// subSat subtracts b from a saturating at zero, since start_packet may
// legitimately be smaller than batch_size early in a session's
// timeline.
func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// observe is the main capture loop: receive, validate per cfg.CheckMode,
// account for loss against the packet-number timeline, write to the
// ring, and emit a status line every WritesPerLog iterations.
func (s *Scheduler) observe() error {
	end := s.h.Config.EndPacket
	iterations := 0

	for s.h.Stats.Snapshot().CurrentPacketNumber < end {
		if s.stopped() {
			return nil
		}

		count, err := s.receiveBatch()
		if err != nil {
			return fail("Observe", err)
		}

		if err := s.validateBatch(count); err != nil {
			return fail("Observe", err)
		}

		last, err := s.lastHeader(count)
		if err != nil {
			return fail("Observe", err)
		}

		previous := s.h.Stats.Snapshot().CurrentPacketNumber
		current := last.PacketNumber()

		s.h.Stats.AddSeen(uint64(count))
		s.h.Stats.AddExpected(current - previous)
		s.h.Stats.AddBytesWritten(uint64(count) * uint64(s.packetSize))

		n, err := s.h.Ring.Write(s.h.Batch.Data(count))
		if err != nil {
			return fail("Observe", err)
		}
		if n != count*int(s.packetSize) {
			return fail("Observe", fmt.Errorf("ring accepted %d of %d bytes", n, count*int(s.packetSize)))
		}

		s.h.Stats.SetCurrentPacketNumber(current)

		iterations++
		if s.h.Config.WritesPerLog > 0 && iterations%s.h.Config.WritesPerLog == 0 {
			s.logStatus()
			s.h.Stats.ResetInterval()
		}
	}

	return nil
}

// finalize emits a last status line, marks end-of-data on the ring,
// and hands off to session Cleanup for scratch/socket/ring release.
func (s *Scheduler) finalize() error {
	s.logStatus()
	if s.h.Ring != nil {
		if err := s.h.Ring.MarkEndOfData(); err != nil {
			return fail("Finalize", err)
		}
	}
	s.h.Flags.Set(session.Complete)
	return nil
}

func (s *Scheduler) logStatus() {
	s.h.LogStatus(stats.StatusLine{
		Port:        s.h.Config.Port,
		StartPacket: s.h.Config.StartPacket,
		EndPacket:   s.h.Config.EndPacket,
		Snapshot:    s.h.Stats.Snapshot(),
	})
}

// receiveBatch returns the batch receiver's timeout/truncation errors
// as-is (the calling phase turns them into fatal scheduler failures)
// and logs a short-receive warning, per the propagation policy:
// timeouts and truncation abort, but a short but nonzero count is
// merely logged.
func (s *Scheduler) receiveBatch() (int, error) {
	count, err := s.h.Batch.Receive(s.h.Config.Timeout)
	s.h.Stats.ObserveBatchArrival(time.Now())
	if err != nil {
		return count, err
	}
	if count < s.h.Config.BatchSize {
		s.h.Stats.IncShortReceives()
		log.Warningf("scheduler: short receive: got %d of %d packets", count, s.h.Config.BatchSize)
	}
	return count, nil
}

// lastHeader parses, without validating, the header of the last packet
// in a batch of count packets; validation is validateBatch's job.
func (s *Scheduler) lastHeader(count int) (header.View, error) {
	return s.parseHeaderAt(count - 1)
}

func (s *Scheduler) parseHeaderAt(i int) (header.View, error) {
	slot := s.h.Batch.Slot(i)
	v, err := header.Parse(slot)
	if err != nil {
		return header.View{}, err
	}
	return v, nil
}

// validateBatch applies cfg.CheckMode to the just-received batch:
// CheckNone validates nothing, CheckFirstLast validates packets 0 and
// count-1, CheckEvery validates every packet 0..count-1 inclusive.
func (s *Scheduler) validateBatch(count int) error {
	switch s.cfg.CheckMode {
	case CheckNone:
		return nil
	case CheckFirstLast:
		if err := s.validateAt(0); err != nil {
			return err
		}
		return s.validateAt(count - 1)
	case CheckEvery:
		for i := 0; i < count; i++ {
			if err := s.validateAt(i); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("scheduler: unknown check mode %d", s.cfg.CheckMode)
	}
}

func (s *Scheduler) validateAt(i int) error {
	v, err := s.parseHeaderAt(i)
	if err != nil {
		return err
	}
	if err := header.Validate(v); err != nil {
		s.h.Stats.IncHeaderErrors()
		return err
	}
	return nil
}
