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

// Package ring owns the process-shared data ring and its companion
// metadata ring, both backed by SysV shared memory segments. One
// writer (this recorder) and up to MaxReaders independent reader
// processes attach to the same pair of keys; readers consume on their
// own schedule and coordinate with the writer purely through counters
// published inside the ring, never through any other shared state.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HeaderRingSize is the default size, in bytes, of the metadata ring's
// single segment.
const HeaderRingSize = 4096

// MaxReaders bounds how many independent reader release-counters the
// control block can track. It is a fixed allocation, not a hard
// protocol limit; raise it if a deployment needs more readers.
const MaxReaders = 64

// Error classes returned by this package.
var (
	ErrAlreadyExists  = errors.New("ring: segment already exists")
	ErrNotAttached    = errors.New("ring: writer not attached")
	ErrTooManyReaders = fmt.Errorf("ring: more than %d readers requested", MaxReaders)
	ErrDetachTimeout  = errors.New("ring: timed out waiting for readers to detach")
)

// controlSize is the fixed size, in bytes, of the control block placed
// at the start of the data ring's shared memory segment.
const controlSize = 64 + 8*MaxReaders

// control is the layout (by byte offset, accessed via atomic loads and
// stores against the raw shared-memory slice; it is not used as a Go
// struct directly because the memory is shared with other processes
// that may not agree on Go's struct layout, so every field is read and
// written through fixed, hand-computed offsets instead).
const (
	offMagic            = 0
	offSegmentSize      = 8
	offSegmentCount     = 16
	offPacketSize       = 24
	offWriterSegments   = 32
	offEndOfData        = 40
	offAttachedReaders  = 44
	offReaderReleasedAt = 64 // MaxReaders * 8 bytes follow
)

const ringMagic uint64 = 0x494c544441444121 // "ILTDADA!" as an 8-byte tag packed into a uint64

// Config describes the ring layout requested by attach_or_create.
type Config struct {
	Key          int32
	SegmentCount int
	SegmentSize  int
	NumReaders   int
	Force        bool
}

// Ring owns the writer role over a data ring at Key and a metadata
// ring at Key+1.
type Ring struct {
	cfg Config

	dataID int
	data   []byte

	headerID int
	header   []byte

	writerSegment uint64 // local mirror of the next segment index to write
	writeOffset   int    // bytes already filled in the current (not yet full) segment
	headerWritten bool
}

func u64At(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

func u32At(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// AttachOrCreate allocates (or, with Force, force-reclaims) both the
// data ring at cfg.Key and the metadata ring at cfg.Key+1, and opens
// the writer role over both.
//
// If creation fails because a segment already exists at the key and
// Force is set, AttachOrCreate looks up the stale segment's id, marks
// it for destruction, and retries the create exactly once, mirroring the
// original capture daemon's force-reclaim behavior.
func AttachOrCreate(cfg Config) (*Ring, error) {
	if cfg.NumReaders < 1 {
		return nil, fmt.Errorf("ring: num_readers must be >= 1")
	}
	if cfg.NumReaders > MaxReaders {
		return nil, ErrTooManyReaders
	}
	if cfg.SegmentSize <= 0 || cfg.SegmentCount <= 0 {
		return nil, fmt.Errorf("ring: segment size and count must be positive")
	}

	totalData := controlSize + cfg.SegmentCount*cfg.SegmentSize
	dataID, data, err := createOrReclaim(int(cfg.Key), totalData, cfg.Force)
	if err != nil {
		return nil, fmt.Errorf("ring: data segment: %w", err)
	}

	headerID, header, err := createOrReclaim(int(cfg.Key)+1, HeaderRingSize, cfg.Force)
	if err != nil {
		_ = unix.SysvShmDetach(data)
		_, _ = unix.SysvShmCtl(dataID, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("ring: header segment: %w", err)
	}

	r := &Ring{
		cfg:      cfg,
		dataID:   dataID,
		data:     data,
		headerID: headerID,
		header:   header,
	}

	*u64At(r.data, offMagic) = ringMagic
	*u64At(r.data, offSegmentSize) = uint64(cfg.SegmentSize)
	*u64At(r.data, offSegmentCount) = uint64(cfg.SegmentCount)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[offAttachedReaders])), uint32(cfg.NumReaders))

	return r, nil
}

// createOrReclaim performs a single shmget(IPC_CREAT|IPC_EXCL); on
// EEXIST with force set, it looks up the stale segment's id (without
// attaching to it), destroys it, and retries the create exactly once.
func createOrReclaim(key, size int, force bool) (int, []byte, error) {
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|0660)
	if err == nil {
		data, attachErr := unix.SysvShmAttach(id, 0, 0)
		if attachErr != nil {
			return 0, nil, attachErr
		}
		return id, data, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return 0, nil, err
	}
	if !force {
		return 0, nil, fmt.Errorf("%w at key %d", ErrAlreadyExists, key)
	}

	log.Warningf("ring: segment at key %d already exists, force-reclaiming", key)
	staleID, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("ring: locate stale segment at key %d: %w", key, err)
	}
	if _, err := unix.SysvShmCtl(staleID, unix.IPC_RMID, nil); err != nil {
		return 0, nil, fmt.Errorf("ring: destroy stale segment at key %d: %w", key, err)
	}

	id, err = unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|0660)
	if err != nil {
		return 0, nil, fmt.Errorf("ring: retry create at key %d after reclaim: %w", key, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return 0, nil, err
	}
	return id, data, nil
}

// segmentPayload returns the data-ring byte range backing global
// segment index g, for the current ring layout.
func (r *Ring) segmentPayload(g uint64) []byte {
	segSize := int(r.cfg.SegmentSize)
	segCount := uint64(r.cfg.SegmentCount)
	offset := controlSize + int(g%segCount)*segSize
	return r.data[offset : offset+segSize]
}

// minReaderReleased returns the smallest "segments released" counter
// across every registered reader.
func (r *Ring) minReaderReleased() uint64 {
	min := ^uint64(0)
	for i := 0; i < r.cfg.NumReaders; i++ {
		v := atomic.LoadUint64(u64At(r.data, offReaderReleasedAt+8*i))
		if v < min {
			min = v
		}
	}
	if min == ^uint64(0) {
		return 0
	}
	return min
}

// awaitSegmentFree blocks until global segment index g may be safely
// overwritten: either it has never been used (g < segment count) or
// every reader has released the segment currently occupying that slot.
func (r *Ring) awaitSegmentFree(g uint64) {
	segCount := uint64(r.cfg.SegmentCount)
	if g < segCount {
		return
	}
	needReleased := g - segCount + 1
	for r.minReaderReleased() < needReleased {
		time.Sleep(time.Millisecond)
	}
}

// Write enqueues len(data) bytes of raw packet data onto the data
// ring, filling the current segment from writeOffset and rolling onto
// the next segment (with back-pressure via awaitSegmentFree) whenever
// it fills. A call may fill less than a whole segment — a short final
// batch, for instance — in which case the next Write call resumes
// appending at writeOffset rather than overwriting the segment's
// start. The caller guarantees len(data) is an integer multiple of the
// packet size.
func (r *Ring) Write(data []byte) (int, error) {
	if r.data == nil {
		return 0, ErrNotAttached
	}
	written := 0
	for len(data) > 0 {
		r.awaitSegmentFree(r.writerSegment)
		seg := r.segmentPayload(r.writerSegment)
		n := copy(seg[r.writeOffset:], data)
		written += n
		data = data[n:]
		r.writeOffset += n
		if r.writeOffset == len(seg) {
			r.writeOffset = 0
			r.writerSegment++
			atomic.StoreUint64(u64At(r.data, offWriterSegments), r.writerSegment)
		}
	}
	return written, nil
}

// WriteHeader enqueues exactly one header record on the metadata ring.
// Calling it a second time for the same Ring is a programming error
// (the protocol guarantees exactly one header record per observation)
// and returns an error rather than silently overwriting it.
func (r *Ring) WriteHeader(data []byte) error {
	if r.header == nil {
		return ErrNotAttached
	}
	if r.headerWritten {
		return fmt.Errorf("ring: header record already written for this observation")
	}
	if len(data) > len(r.header) {
		return fmt.Errorf("ring: header record of %d bytes exceeds ring capacity %d", len(data), len(r.header))
	}
	copy(r.header, data)
	r.headerWritten = true
	return nil
}

// MarkEndOfData signals to readers that no further writes will occur
// in this session.
func (r *Ring) MarkEndOfData() error {
	if r.data == nil {
		return ErrNotAttached
	}
	atomic.StoreUint32(u32At(r.data, offEndOfData), 1)
	return nil
}

// ReleaseSegment is called by a reader (identified by index) to
// publish that it has consumed and released up through segment count
// n. It exists so this module's own tests, and any reader implemented
// in Go, can participate in the back-pressure protocol without a
// separate shared-memory client library.
func (r *Ring) ReleaseSegment(readerIndex int, n uint64) error {
	if readerIndex < 0 || readerIndex >= r.cfg.NumReaders {
		return fmt.Errorf("ring: reader index %d out of range", readerIndex)
	}
	atomic.StoreUint64(u64At(r.data, offReaderReleasedAt+8*readerIndex), n)
	return nil
}

// Detach closes the writer role: it waits up to timeout (polling every
// 100ms) for the attached-reader count to drop to zero, then destroys
// both rings regardless of whether readers detached in time.
func (r *Ring) Detach(timeout time.Duration) error {
	if r.data == nil {
		return ErrNotAttached
	}
	deadline := time.Now().Add(timeout)
	var timedOut bool
	for atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[offAttachedReaders]))) > 0 {
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := unix.SysvShmDetach(r.data); err != nil {
		log.Warningf("ring: detach data segment: %v", err)
	}
	if _, err := unix.SysvShmCtl(r.dataID, unix.IPC_RMID, nil); err != nil {
		log.Warningf("ring: destroy data segment: %v", err)
	}
	if err := unix.SysvShmDetach(r.header); err != nil {
		log.Warningf("ring: detach header segment: %v", err)
	}
	if _, err := unix.SysvShmCtl(r.headerID, unix.IPC_RMID, nil); err != nil {
		log.Warningf("ring: destroy header segment: %v", err)
	}
	r.data = nil
	r.header = nil

	if timedOut {
		return ErrDetachTimeout
	}
	return nil
}

// ReaderDetached decrements the attached-reader count; a reader calls
// this once it has consumed the end-of-data signal and is exiting.
func (r *Ring) ReaderDetached() error {
	if r.data == nil {
		return ErrNotAttached
	}
	atomic.AddUint32((*uint32)(unsafe.Pointer(&r.data[offAttachedReaders])), ^uint32(0))
	return nil
}
