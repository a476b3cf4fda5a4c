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
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReadDynamicConfigRoundTrip(t *testing.T) {
	dc := &DynamicConfig{
		RingKey:      7,
		SegmentCount: 4,
		SegmentSize:  65536,
		NumReaders:   2,
		BatchSize:    128,
		Timeout:      5 * time.Second,
		StartPacket:  100,
		EndPacket:    200,
		WritesPerLog: 16,
	}

	f, err := os.CreateTemp("", "ilt-recorder-dynamic-config")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	require.NoError(t, dc.Write(f.Name()))

	loaded, err := ReadDynamicConfig(f.Name())
	require.NoError(t, err)
	require.Equal(t, dc, loaded)
}

func TestReadDynamicConfigMissingFile(t *testing.T) {
	_, err := ReadDynamicConfig("/nonexistent/ilt-recorder-config.yaml")
	require.Error(t, err)
}

func TestPidFile(t *testing.T) {
	f, err := os.CreateTemp("", "ilt-recorder-pid")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	require.NoError(t, os.Remove(f.Name()))
	require.NoFileExists(t, f.Name())

	c := &Config{StaticConfig: StaticConfig{PidFile: f.Name()}}

	require.NoError(t, c.CreatePidFile())
	require.FileExists(t, c.PidFile)

	content, err := os.ReadFile(c.PidFile)
	require.NoError(t, err)
	require.Contains(t, string(content), strconv.Itoa(unix.Getpid()))

	require.NoError(t, c.DeletePidFile())
	require.NoFileExists(t, c.PidFile)

	// Deleting an already-absent pid file is a no-op, not an error.
	require.NoError(t, c.DeletePidFile())
}

func TestPidFileEmptyIsNoop(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.CreatePidFile())
	require.NoError(t, c.DeletePidFile())
}
