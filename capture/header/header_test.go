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

package header

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBuf(timestamp, sequence uint32, beamlets, bitMode, clockBit byte) []byte {
	b := make([]byte, Size)
	b[0] = Version
	b[1] = (bitMode << 2) | (clockBit << 1)
	b[6] = beamlets
	b[7] = SliceCount
	binary.LittleEndian.PutUint32(b[8:12], timestamp)
	binary.LittleEndian.PutUint32(b[12:16], sequence)
	return b
}

func TestParseShortBuffer(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestParseAndFields(t *testing.T) {
	buf := validBuf(1_700_000_000, 42, 61, 0, 1)
	v, err := Parse(buf)
	require.NoError(t, err)

	assert.Equal(t, uint8(Version), v.Version())
	assert.False(t, v.ErrorBit())
	assert.Equal(t, 1, v.ClockBit())
	assert.Equal(t, 0, v.BitMode())
	assert.Equal(t, 61, v.Beamlets())
	assert.Equal(t, SliceCount, v.Slices())
	assert.EqualValues(t, 1_700_000_000, v.Timestamp())
	assert.EqualValues(t, 42, v.Sequence())
}

func TestValidateHappyPath(t *testing.T) {
	buf := validBuf(1_700_000_000, 42, 61, 0, 1)
	v, err := Parse(buf)
	require.NoError(t, err)
	require.NoError(t, Validate(v))
}

func TestValidateErrorBit(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 10, 1, 0)
	buf[1] |= 0x01
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrErrorBit)
}

func TestValidateBadVersion(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 10, 1, 0)
	buf[0] = 2
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrBadVersion)
}

func TestValidateNonZeroPadding(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 10, 1, 0)
	buf[1] |= 0x10
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrNonZeroPadding)
}

func TestValidateWrongSliceCount(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 10, 1, 0)
	buf[7] = 8
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrWrongSliceCount)
}

func TestValidateTimestampTooOld(t *testing.T) {
	buf := validBuf(lfrEpoch-1, 0, 10, 1, 0)
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrTimestampTooOld)
}

func TestValidateSequenceTooLarge(t *testing.T) {
	buf := validBuf(1_700_000_000, SequenceMax(0)+1, 10, 1, 0)
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrSequenceTooLarge)
}

func TestValidateTooManyBeamlets(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 245, 2, 0)
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrTooManyBeamlets)
}

func TestValidatePayloadAllZero(t *testing.T) {
	payload := make([]byte, 32)
	err := ValidatePayload(View{}, payload, Policy{CheckPayloadAllZero: true})
	require.ErrorIs(t, err, ErrAllZeroPayload)

	payload[5] = 1
	require.NoError(t, ValidatePayload(View{}, payload, Policy{CheckPayloadAllZero: true}))

	require.NoError(t, ValidatePayload(View{}, make([]byte, 32), Policy{CheckPayloadAllZero: false}))
}

func TestPayloadBytesMatchesWireCap(t *testing.T) {
	// All three bit-modes must cap out at exactly the 7,824-byte wire
	// limit when beamlets is at its protocol maximum for that mode.
	cases := []struct {
		bitMode  int
		beamlets int
	}{
		{0, 61},
		{1, 122},
		{2, 244},
	}
	for _, c := range cases {
		p, err := PayloadBytes(c.beamlets, SliceCount, c.bitMode)
		require.NoError(t, err)
		assert.EqualValues(t, MaxPacketLen-Size, p, "bit-mode %d", c.bitMode)
		assert.EqualValues(t, MaxPacketLen, p+Size, "bit-mode %d", c.bitMode)
	}
}

func TestPayloadBytesBadBitMode(t *testing.T) {
	_, err := PayloadBytes(10, SliceCount, 3)
	require.ErrorIs(t, err, ErrBadBitMode)
}

func TestPacketNumberMonotonicWithinSecond(t *testing.T) {
	const clockBit = 1
	base := PacketNumber(1_700_000_000, 1000, clockBit)
	next := PacketNumber(1_700_000_000, 1016, clockBit)
	assert.Equal(t, base+1, next)
}

func TestPacketNumberRoundTrip(t *testing.T) {
	buf := validBuf(1_700_000_000, 12345, 100, 1, 1)
	v, err := Parse(buf)
	require.NoError(t, err)
	n1 := v.PacketNumber()

	v2, err := Parse(buf)
	require.NoError(t, err)
	n2 := v2.PacketNumber()
	assert.Equal(t, n1, n2)
}

func TestSequenceMaxDiffersByClock(t *testing.T) {
	assert.Less(t, SequenceMax(0), SequenceMax(1))
}

func TestValidateUnknownBitMode(t *testing.T) {
	buf := validBuf(1_700_000_000, 0, 10, 1, 0)
	buf[1] = (buf[1] &^ 0x0c) | (3 << 2)
	v, err := Parse(buf)
	require.NoError(t, err)
	require.ErrorIs(t, Validate(v), ErrBadBitMode)
}
