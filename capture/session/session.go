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

package session

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lofar-eng/ilt-recorder/capture/batch"
	"github.com/lofar-eng/ilt-recorder/capture/ring"
	"github.com/lofar-eng/ilt-recorder/capture/socket"
	"github.com/lofar-eng/ilt-recorder/capture/stats"
)

// detachTimeout bounds how long Cleanup waits for ring readers to
// leave before forcing a detach.
const detachTimeout = 30 * time.Second

// Handle is the ownership root for one observation: it exclusively
// owns the socket, the scratch receive buffers, the ring handle, the
// header-ring handle, and a log sink, per the ownership section of
// section 3 of the design notes. Sub-records are reached through this
// handle and are never back-referenced.
type Handle struct {
	Config Config
	Flags  Flags

	Socket *socket.Handle
	Ring   *ring.Ring
	Batch  *batch.Receiver
	Stats  *stats.Counters

	LogSink io.Writer

	eg       *errgroup.Group
	mu       sync.Mutex
	cleaned  bool
}

// Init allocates and zero-initializes a session handle, installing
// defaults and returning an owning handle. No I/O happens here; see
// Prepare.
func Init(cfg Config) (*Handle, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 256
	}
	if cfg.PreRollSeconds == 0 {
		cfg.PreRollSeconds = 2
	}
	if err := ValidateConfig(&cfg, 0); err != nil {
		return nil, err
	}

	h := &Handle{
		Config:  cfg,
		Stats:   stats.New(),
		LogSink: os.Stdout,
		eg:      new(errgroup.Group),
	}
	return h, nil
}

// Prepare validates the configuration, opens and tunes the socket,
// and, if setupRingNow is true, attaches or force-creates the ring
// immediately (the -e flag case where the expected packet size is
// known upfront rather than learned from the first peeked packet).
func (h *Handle) Prepare(setupRingNow bool, expectedPacketSize uint32) error {
	if err := ValidateConfig(&h.Config, expectedPacketSize); err != nil {
		return err
	}

	if err := h.Config.CreatePidFile(); err != nil {
		return fmt.Errorf("session: writing pid file: %w", err)
	}

	sh, err := socket.Open(socket.Config{
		Port:         h.Config.Port,
		RecvBufBytes: h.Config.RecvBufBytes,
		Priority:     h.Config.Priority,
		Timeout:      h.Config.Timeout,
	})
	if err != nil {
		return fmt.Errorf("session: opening socket: %w", err)
	}
	h.Socket = sh
	h.Flags.Set(NetworkReady)

	if setupRingNow {
		if err := h.openRing(); err != nil {
			return err
		}
	}

	return nil
}

// OpenRing attaches or force-creates the ring once packet_size is
// known. It is a no-op if the ring is already open (Prepare was
// called with setupRingNow).
func (h *Handle) OpenRing() error {
	if h.Ring != nil {
		return nil
	}
	return h.openRing()
}

func (h *Handle) openRing() error {
	r, err := ring.AttachOrCreate(ring.Config{
		Key:          h.Config.RingKey,
		SegmentCount: h.Config.SegmentCount,
		SegmentSize:  h.Config.SegmentSize,
		NumReaders:   h.Config.NumReaders,
		Force:        h.Config.ForceReclaim,
	})
	if err != nil {
		return fmt.Errorf("session: attaching ring: %w", err)
	}
	h.Ring = r
	h.Flags.Set(RingbufferReady)
	return nil
}

// OpenBatchReceiver allocates the scratch buffers for vectored
// receive once packet_size is known. It must be called after the
// socket is open and before the scheduler's first receive.
func (h *Handle) OpenBatchReceiver(packetSize int) error {
	b, err := batch.New(h.Socket.Fd, h.Config.BatchSize, packetSize)
	if err != nil {
		return fmt.Errorf("session: allocating batch receiver: %w", err)
	}
	h.Batch = b
	return nil
}

// LogStatus dispatches a scoped, fire-and-forget background task that
// renders a status-line snapshot to the log sink. Per the concurrency
// model, these tasks read only a by-value snapshot taken by the owner
// and never touch the socket, scratch buffer, or ring; ordering across
// dispatches is not guaranteed.
func (h *Handle) LogStatus(line stats.StatusLine) {
	h.eg.Go(func() error {
		stats.Render(h.LogSink, line)
		return nil
	})
}

// Cleanup releases scratch memory, the ring, the socket, and the pid
// file, in that order, and is safe to call more than once (later
// calls are no-ops). It waits for any in-flight background log tasks
// to finish rendering before releasing the sink.
func (h *Handle) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cleaned {
		return nil
	}
	h.cleaned = true

	_ = h.eg.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	h.Batch = nil

	if h.Ring != nil {
		record(h.Ring.Detach(detachTimeout))
		h.Ring = nil
	}

	if h.Socket != nil {
		record(h.Socket.Close())
		h.Socket = nil
	}

	record(h.Config.DeletePidFile())

	h.Flags.Set(Complete)
	return firstErr
}
