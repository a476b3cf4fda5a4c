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

// Package session owns the configuration record, session-state
// bitmask, and teardown ordering for one observation.
package session

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

// StaticConfig is the set of options fixed for the lifetime of one
// recorder process; changing any of them requires a restart.
type StaticConfig struct {
	ConfigFile     string
	PidFile        string
	LogLevel       string
	MonitoringPort int
	Port           int
	Interface      string
}

// DynamicConfig is the set of options that describe one observation
// and may be reloaded between runs without touching StaticConfig.
type DynamicConfig struct {
	// RingKey is the 32-bit SysV key of the data ring; the header
	// ring is RingKey+1.
	RingKey int32
	// SegmentCount is the number of segments in the data ring.
	SegmentCount int
	// SegmentSize is the size in bytes of one data-ring segment; it
	// must be a multiple of packet_size * BatchSize.
	SegmentSize int
	// NumReaders is the number of independent reader processes the
	// writer waits for at detach time.
	NumReaders int
	// ForceReclaim destroys a pre-existing ring on RingKey/RingKey+1
	// before attaching.
	ForceReclaim bool

	// BatchSize is the number of packets requested per receive
	// syscall (default 256, ~21ms at the nominal rate).
	BatchSize int
	// RecvBufBytes is the kernel receive-buffer target in bytes.
	RecvBufBytes int
	// Priority is the requested socket priority, 0-6.
	Priority int
	// Timeout is the socket receive timeout; must exceed 2s.
	Timeout time.Duration

	// StartPacket and EndPacket bound the observation on the
	// packet-number timeline.
	StartPacket uint64
	EndPacket   uint64
	// PreRollSeconds is how long before StartPacket the scheduler
	// wakes from its pre-observation sleep (default 2s).
	PreRollSeconds int

	// WritesPerLog is how many batch iterations elapse between
	// status-log emissions.
	WritesPerLog int
	// SkipEndTimeSanity disables the end-packet-in-the-future check.
	SkipEndTimeSanity bool
}

// Config is the full session configuration.
type Config struct {
	StaticConfig
	DynamicConfig
}

// ReadDynamicConfig loads a DynamicConfig overlay from a YAML file,
// mirroring ptp4u's static/dynamic config split.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, dc); err != nil {
		return nil, err
	}
	return dc, nil
}

// Write persists the dynamic config as YAML, for operators capturing
// the effective configuration of a completed observation.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0644)
}

// CreatePidFile writes the current process id to c.PidFile.
func (c *Config) CreatePidFile() error {
	if c.PidFile == "" {
		return nil
	}
	return os.WriteFile(c.PidFile, []byte(fmt.Sprintf("%d\n", unix.Getpid())), 0644)
}

// DeletePidFile removes c.PidFile, ignoring a not-exist error so
// cleanup stays idempotent.
func (c *Config) DeletePidFile() error {
	if c.PidFile == "" {
		return nil
	}
	err := os.Remove(c.PidFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
