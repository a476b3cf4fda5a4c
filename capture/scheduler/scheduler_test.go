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

package scheduler

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lofar-eng/ilt-recorder/capture/batch"
	"github.com/lofar-eng/ilt-recorder/capture/header"
	"github.com/lofar-eng/ilt-recorder/capture/ring"
	"github.com/lofar-eng/ilt-recorder/capture/session"
	"github.com/lofar-eng/ilt-recorder/capture/socket"
)

func TestSubSatSaturatesAtZero(t *testing.T) {
	assert.EqualValues(t, 0, subSat(10, 20))
	assert.EqualValues(t, 90, subSat(100, 10))
}

func TestNominalRateMatchesSpecFigures(t *testing.T) {
	assert.InDelta(t, 9765.625, nominalRate(0), 0.001)
	assert.InDelta(t, 12207.03125, nominalRate(1), 0.001)
}

// packetBytes builds a valid 16-bit-mode station packet with zero
// beamlets (so its header implies a header-only, 16-byte packet), padded
// with zeros to stride, with the given timestamp/sequence, for feeding
// into a Receiver's scratch buffer directly.
func packetBytes(stride int, timestamp, sequence uint32) []byte {
	buf := make([]byte, stride)
	buf[0] = header.Version
	buf[1] = 0 // error=0, clock=0 (160MHz), bitmode=0 (16-bit)
	buf[6] = 0
	buf[7] = header.SliceCount
	binary.LittleEndian.PutUint32(buf[8:12], timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], sequence)
	return buf
}

func newTestScheduler(t *testing.T, n, stride int) (*Scheduler, *batch.Receiver) {
	t.Helper()
	b, err := batch.New(0, n, stride)
	require.NoError(t, err)

	h, err := session.Init(session.Config{
		StaticConfig: session.StaticConfig{Port: socket.MinPort + 20},
		DynamicConfig: session.DynamicConfig{
			RingKey:      1, // unused by these tests, never attached
			SegmentCount: 1,
			SegmentSize:  stride,
			NumReaders:   1,
			BatchSize:    n,
			RecvBufBytes: 1 << 16,
			Priority:     0,
			Timeout:      3 * time.Second,
			StartPacket:  1,
			EndPacket:    2,
			WritesPerLog: 1,
		},
	})
	require.NoError(t, err)
	h.Batch = b

	return New(h, Config{CheckMode: CheckFirstLast}), b
}

func TestValidateBatchFirstLastOnlyChecksEnds(t *testing.T) {
	s, b := newTestScheduler(t, 4, header.Size)
	copy(b.Slot(0), packetBytes(header.Size, 1_700_000_000, 0))
	// a corrupt middle packet is not reached under CheckFirstLast
	copy(b.Slot(1), make([]byte, header.Size))
	copy(b.Slot(2), make([]byte, header.Size))
	copy(b.Slot(3), packetBytes(header.Size, 1_700_000_000, 160))

	require.NoError(t, s.validateBatch(4))
}

func TestValidateBatchEveryCatchesMiddleCorruption(t *testing.T) {
	s, b := newTestScheduler(t, 4, header.Size)
	s.cfg.CheckMode = CheckEvery
	copy(b.Slot(0), packetBytes(header.Size, 1_700_000_000, 0))
	copy(b.Slot(1), make([]byte, header.Size)) // version 0, fails validation
	copy(b.Slot(2), packetBytes(header.Size, 1_700_000_000, 32))
	copy(b.Slot(3), packetBytes(header.Size, 1_700_000_000, 160))

	err := s.validateBatch(4)
	require.Error(t, err)
}

func TestLastHeaderComputesPacketNumber(t *testing.T) {
	s, b := newTestScheduler(t, 2, header.Size)
	copy(b.Slot(0), packetBytes(header.Size, 1_700_000_000, 0))
	copy(b.Slot(1), packetBytes(header.Size, 1_700_000_000, 160))

	v, err := s.lastHeader(2)
	require.NoError(t, err)
	assert.Equal(t, header.PacketNumber(1_700_000_000, 160, 0), v.PacketNumber())
}

// TestHappyPathObservation exercises the full AwaitFirstPacket/WarmUp/
// Observe/Finalize pipeline against a real loopback socket and a real
// SysV ring, matching spec section 8's scenario 1: a short observation
// of whole batches with no loss.
func TestHappyPathObservation(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a real UDP socket, recvmmsg, and SysV shared memory")
	}

	const (
		port      = socket.MinPort + 21
		stride    = header.Size // zero-length payload: zero-beamlet header-only packets
		batchSize = 4
	)

	h, err := session.Init(session.Config{
		StaticConfig: session.StaticConfig{Port: port},
		DynamicConfig: session.DynamicConfig{
			RingKey:      int32(time.Now().UnixNano() % 1_000_000),
			SegmentCount: 4,
			SegmentSize:  stride * batchSize,
			NumReaders:   1,
			BatchSize:    batchSize,
			RecvBufBytes: 1 << 20,
			Priority:     0,
			Timeout:      3 * time.Second,
			StartPacket:  0, // set precisely once we know the first packet's number below
			EndPacket:    1,
			WritesPerLog: 1,
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.Prepare(false, 0))
	defer h.Cleanup()

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	first := header.PacketNumber(1_700_000_000, 0, 0)
	h.Config.StartPacket = first
	h.Config.EndPacket = first + batchSize

	// Packets are written synchronously, before Run, so they already
	// sit in the kernel receive queue by the time the peek and the
	// first vectored receive happen; this keeps the test deterministic
	// instead of racing a background sender against recvmmsg's
	// variable batch-coalescing behavior.
	// Consecutive packets advance sequence by 16 (one slice group), the
	// step that advances the packet number by exactly 1; see
	// header.PacketNumber's derivation.
	// WarmUp consumes (and publishes, but does not count) the first
	// batch, which already reaches start_packet; Observe then reads the
	// second whole batch, so two batches are queued.
	for i := uint32(0); i < 2*batchSize; i++ {
		_, err := sender.Write(packetBytes(stride, 1_700_000_000, i*16))
		require.NoError(t, err)
	}

	s := New(h, Config{CheckMode: CheckFirstLast})
	err = s.Run()
	require.NoError(t, err)

	snap := h.Stats.Snapshot()
	assert.GreaterOrEqual(t, snap.SeenTotal, uint64(batchSize))
	assert.True(t, h.Flags.Has(session.Complete))

	// simulate the one expected reader leaving so Cleanup's Detach
	// doesn't have to wait out its full timeout
	require.NoError(t, h.Ring.ReaderDetached())
}
