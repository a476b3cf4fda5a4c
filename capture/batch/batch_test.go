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

package batch

import (
	"net"
	"testing"
	"time"

	"github.com/lofar-eng/ilt-recorder/capture/socket"
	"github.com/stretchr/testify/require"
)

func TestReceiveHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a real UDP socket and recvmmsg support")
	}
	h, err := socket.Open(socket.Config{Port: socket.MinPort + 10, Timeout: 3 * time.Second})
	require.NoError(t, err)
	defer h.Close()

	r, err := New(h.Fd, 4, 64)
	require.NoError(t, err)

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: socket.MinPort + 10})
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		payload := make([]byte, 20)
		payload[0] = byte(i)
		_, err := sender.Write(payload)
		require.NoError(t, err)
	}

	count, err := r.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	for i := 0; i < count; i++ {
		require.Equal(t, byte(i), r.Slot(i)[0])
	}

	data := r.Data(count)
	require.Len(t, data, count*r.Stride())
	require.Equal(t, byte(0), data[0])
	require.Equal(t, byte(1), data[r.Stride()])
}

func TestReceiveTimesOutWithNoTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a real UDP socket")
	}
	h, err := socket.Open(socket.Config{Port: socket.MinPort + 11, Timeout: 3 * time.Second})
	require.NoError(t, err)
	defer h.Close()

	r, err := New(h.Fd, 2, 64)
	require.NoError(t, err)

	_, err = r.Receive(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestNewRejectsBadDimensions(t *testing.T) {
	_, err := New(0, 0, 64)
	require.Error(t, err)
	_, err = New(0, 4, 0)
	require.Error(t, err)
}
