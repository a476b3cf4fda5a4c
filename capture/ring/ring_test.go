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

package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testKey picks a SysV IPC key unlikely to collide with another test
// or a live recorder on the same host.
func testKey(t *testing.T) int32 {
	return int32(0x4c4f0000 + int32(time.Now().UnixNano()&0xffff))
}

func TestAttachOrCreateAndWriteRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{
		Key:          key,
		SegmentCount: 4,
		SegmentSize:  256,
		NumReaders:   1,
	})
	require.NoError(t, err)
	defer r.Detach(time.Second)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := r.Write(payload)
	require.NoError(t, err)
	require.Equal(t, 256, n)
}

func TestAttachOrCreateRejectsDuplicateWithoutForce(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r1, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 64, NumReaders: 1})
	require.NoError(t, err)
	defer r1.Detach(time.Second)

	_, err = AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 64, NumReaders: 1})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAttachOrCreateForceReclaim(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	stale, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 64, NumReaders: 1})
	require.NoError(t, err)
	// Deliberately do not detach stale: simulate a ring left behind by
	// a crashed prior session.

	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 64, NumReaders: 1, Force: true})
	require.NoError(t, err)
	defer r.Detach(time.Second)

	_ = stale // the underlying OS segment was destroyed and recreated under this handle
}

func TestWriteBlocksUntilReaderReleases(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 32, NumReaders: 1})
	require.NoError(t, err)
	defer r.Detach(time.Second)

	seg := make([]byte, 32)

	// Fill both segments; the ring has no back-pressure yet since
	// global index 0 and 1 are both "never used".
	_, err = r.Write(seg)
	require.NoError(t, err)
	_, err = r.Write(seg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	writeDone := make(chan struct{})
	go func() {
		defer wg.Done()
		_, _ = r.Write(seg) // this is segment index 2, which reuses slot 0
		close(writeDone)
	}()

	select {
	case <-writeDone:
		t.Fatal("write should have blocked until the reader released segment 0")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.ReleaseSegment(0, 1))

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after reader released the segment")
	}
	wg.Wait()
}

func TestWriteAppendsAcrossPartialSegmentCalls(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 32, NumReaders: 1})
	require.NoError(t, err)
	defer r.Detach(time.Second)

	first := make([]byte, 16)
	for i := range first {
		first[i] = byte(i + 1)
	}
	second := make([]byte, 16)
	for i := range second {
		second[i] = byte(i + 100)
	}

	n, err := r.Write(first)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	n, err = r.Write(second)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	seg := r.segmentPayload(0)
	require.Equal(t, first, seg[:16], "second partial write must not overwrite the first")
	require.Equal(t, second, seg[16:32])
}

func TestWriteHeaderOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 32, NumReaders: 1})
	require.NoError(t, err)
	defer r.Detach(time.Second)

	require.NoError(t, r.WriteHeader([]byte("observation-descriptor")))
	require.Error(t, r.WriteHeader([]byte("second-call-should-fail")))
}

func TestDetachTimesOutWithAttachedReader(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 32, NumReaders: 1})
	require.NoError(t, err)

	err = r.Detach(150 * time.Millisecond)
	require.ErrorIs(t, err, ErrDetachTimeout)
}

func TestDetachSucceedsAfterReaderLeaves(t *testing.T) {
	if testing.Short() {
		t.Skip("requires SysV shared memory support")
	}
	key := testKey(t)
	r, err := AttachOrCreate(Config{Key: key, SegmentCount: 2, SegmentSize: 32, NumReaders: 1})
	require.NoError(t, err)

	require.NoError(t, r.ReaderDetached())
	require.NoError(t, r.Detach(time.Second))
}
