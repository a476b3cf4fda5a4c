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

// Package header parses and validates the fixed 16-byte station packet
// header and computes the monotonic packet number the rest of the
// recorder schedules against.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the fixed length of the station packet header in bytes.
const Size = 16

// Version is the only station protocol version this codec accepts.
const Version = 3

// SliceCount is the fixed number of time-slices every packet carries.
const SliceCount = 16

// MaxPacketLen is the largest possible packet (header + payload) across
// every bit-mode: UDPNTIMESLICE * UDPNPOL * 122 + UDPHDRLEN, with
// UDPNPOL=4, UDPNTIMESLICE=16.
const MaxPacketLen = 16*4*122 + Size

// lfrEpoch is Jan 1 2008 00:00:00 UTC, the earliest timestamp the
// station protocol ever emits.
const lfrEpoch = 1199145600

// Sentinel validation errors, returned (possibly wrapped) by Validate.
var (
	ErrErrorBit        = errors.New("header: error bit set")
	ErrBadVersion      = errors.New("header: unexpected protocol version")
	ErrTimestampTooOld = errors.New("header: timestamp predates protocol epoch")
	ErrSequenceTooLarge = errors.New("header: sequence exceeds clock-dependent maximum")
	ErrTooManyBeamlets = errors.New("header: beamlet count exceeds protocol maximum")
	ErrWrongSliceCount = errors.New("header: slice count is not 16")
	ErrNonZeroPadding  = errors.New("header: reserved padding bits are non-zero")
	ErrBadBitMode      = errors.New("header: unknown sample bit-mode")
	ErrShortHeader     = errors.New("header: buffer shorter than 16 bytes")
)

// View is a zero-copy interpretation of the 16 leading bytes of a
// station packet. It borrows the backing buffer; callers must not
// reuse the buffer while a View derived from it is still in use.
type View struct {
	raw []byte
}

// Parse returns a View over the first Size bytes of buf. It does not
// allocate and does not validate the contents; call Validate to check
// the fields.
func Parse(buf []byte) (View, error) {
	if len(buf) < Size {
		return View{}, ErrShortHeader
	}
	return View{raw: buf[:Size]}, nil
}

// ErrorBit reports the station error flag (source byte, bit 0).
func (v View) ErrorBit() bool {
	return v.raw[1]&0x01 != 0
}

// ClockBit reports the sampling-clock mode: 0 = 160 MHz, 1 = 200 MHz.
func (v View) ClockBit() int {
	return int((v.raw[1] >> 1) & 0x01)
}

// BitMode reports the sample width mode: 0 = 16-bit, 1 = 8-bit, 2 = 4-bit.
func (v View) BitMode() int {
	return int((v.raw[1] >> 2) & 0x03)
}

// padding reports the four high bits of the source byte (the two padding
// fields), which must be zero.
func (v View) padding() uint8 {
	return v.raw[1] >> 4
}

// Version reports the protocol version byte.
func (v View) Version() uint8 {
	return v.raw[0]
}

// Beamlets reports the number of frequency beamlets carried on this port.
func (v View) Beamlets() int {
	return int(v.raw[6])
}

// Slices reports the time-slice count field.
func (v View) Slices() int {
	return int(v.raw[7])
}

// Timestamp reports the packet's embedded Unix timestamp, in seconds.
func (v View) Timestamp() uint32 {
	return binary.LittleEndian.Uint32(v.raw[8:12])
}

// Sequence reports the packet's intra-second fractional counter.
func (v View) Sequence() uint32 {
	return binary.LittleEndian.Uint32(v.raw[12:16])
}

// widthFactor maps a bit-mode (0, 1, 2) to the divisor used in the
// payload-size formula. Resolved against original_source/src/lib/
// ilt_dada.c's packetSize computation (UDPNPOL / (bitMode ? bitMode :
// 0.5)) rather than read literally off the spec prose, since the
// literal prose ordering contradicts the 7,824-byte wire cap. See
// SPEC_FULL.md section 2 for the full derivation.
var widthFactor = [3]float64{0: 0.5, 1: 1.0, 2: 2.0}

// beamletMax maps a bit-mode to its protocol-maximum beamlet count.
var beamletMax = [3]int{61, 122, 244}

// udpnpol is the fixed polarization/component factor in the payload
// formula (two polarizations, each a complex sample).
const udpnpol = 4

// WidthFactor returns the sample-width divisor for the given bit-mode,
// or an error if bitMode is not 0, 1, or 2.
func WidthFactor(bitMode int) (float64, error) {
	if bitMode < 0 || bitMode > 2 {
		return 0, fmt.Errorf("%w: %d", ErrBadBitMode, bitMode)
	}
	return widthFactor[bitMode], nil
}

// BeamletMax returns the protocol-maximum beamlet count for the given
// bit-mode, or an error if bitMode is not 0, 1, or 2.
func BeamletMax(bitMode int) (int, error) {
	if bitMode < 0 || bitMode > 2 {
		return 0, fmt.Errorf("%w: %d", ErrBadBitMode, bitMode)
	}
	return beamletMax[bitMode], nil
}

// PayloadBytes returns the payload size, in bytes, for a packet with
// the given beamlet count, slice count and bit-mode.
func PayloadBytes(beamlets, slices, bitMode int) (uint32, error) {
	wf, err := WidthFactor(bitMode)
	if err != nil {
		return 0, err
	}
	return uint32(float64(beamlets*slices*udpnpol) / wf), nil
}

// PayloadBytes computes the payload size carried by this header.
func (v View) PayloadBytes() (uint32, error) {
	return PayloadBytes(v.Beamlets(), v.Slices(), v.BitMode())
}

// PacketSize computes the total on-wire packet size (header + payload)
// implied by this header.
func (v View) PacketSize() (uint32, error) {
	p, err := v.PayloadBytes()
	if err != nil {
		return 0, err
	}
	return p + Size, nil
}

// SequenceMax returns the largest valid sequence value for the given
// clock bit. Derived from the packet-number formula in PacketNumber:
// a second's worth of sequence values must map onto a contiguous run
// of packet numbers with no gap at the second boundary, which bounds
// sequence at (1_000_000*(160+40*c))/1024 - 1 (integer division).
func SequenceMax(clockBit int) uint32 {
	hz := int64(160 + 40*clockBit)
	return uint32(1_000_000*hz/1024 - 1)
}

// PacketNumber computes the canonical monotonic packet index from a
// timestamp, sequence and clock bit, following
// N(T, S, c) = ((T * 1_000_000 * (160 + 40*c) + 512) / 1024 + S) / 16
// with 64-bit integer arithmetic throughout.
func PacketNumber(timestamp, sequence uint32, clockBit int) uint64 {
	t := int64(timestamp)
	s := int64(sequence)
	hz := int64(160 + 40*clockBit)
	n := (t*1_000_000*hz+512)/1024 + s
	return uint64(n / 16)
}

// PacketNumber computes the packet number carried by this header.
func (v View) PacketNumber() uint64 {
	return PacketNumber(v.Timestamp(), v.Sequence(), v.ClockBit())
}

// Policy controls which optional header checks Validate performs.
type Policy struct {
	// CheckPayloadAllZero, when true, additionally reports an
	// all-zero payload as ErrAllZeroPayload (a warning-class
	// condition, distinct from the hard validation errors).
	CheckPayloadAllZero bool
}

// ErrAllZeroPayload is returned by ValidatePayload when a packet's
// payload is entirely zero bytes. It is warning-class: callers may
// treat it as fatal only in strict mode.
var ErrAllZeroPayload = errors.New("header: payload is all-zero")

// Validate checks every header field against the protocol's bounds,
// returning the first violation encountered. Validation is pure and
// side-effect-free; it never allocates.
func Validate(v View) error {
	if v.ErrorBit() {
		return ErrErrorBit
	}
	if v.Version() != Version {
		return ErrBadVersion
	}
	if v.padding() != 0 {
		return ErrNonZeroPadding
	}
	if v.Slices() != SliceCount {
		return ErrWrongSliceCount
	}
	if v.Timestamp() < lfrEpoch {
		return ErrTimestampTooOld
	}
	if v.Sequence() > SequenceMax(v.ClockBit()) {
		return ErrSequenceTooLarge
	}
	bitMode := v.BitMode()
	if bitMode > 2 {
		return ErrBadBitMode
	}
	if v.Beamlets() > beamletMax[bitMode] {
		return ErrTooManyBeamlets
	}
	return nil
}

// ValidatePayload checks the policy's optional payload-level rule
// against the packet's payload bytes (the bytes of buf following the
// 16-byte header, up to the header's own PacketSize).
func ValidatePayload(v View, payload []byte, policy Policy) error {
	if !policy.CheckPayloadAllZero {
		return nil
	}
	for _, b := range payload {
		if b != 0 {
			return nil
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return ErrAllZeroPayload
}
