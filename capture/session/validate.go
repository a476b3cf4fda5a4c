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
	"time"

	"github.com/lofar-eng/ilt-recorder/capture/header"
)

// ConfigError names the offending field and the reason it failed
// preflight validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Reason)
}

func configErr(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// ValidateConfig preflights every field with a meaningful bound. It is
// called with the fields known before any packet has been seen (by
// Init, and by Prepare), and again once packet_size is known (by the
// scheduler's AwaitFirstPacket after it peeks the first packet, and by
// cmd/ilt-recorder after its own peek).
//
// packetSize is 0 before the first packet peek; when non-zero it is
// checked against the ring segment-size invariant from spec section 3.
func ValidateConfig(c *Config, packetSize uint32) error {
	if c.Port < 1024 || c.Port > 49151 {
		return configErr("port", "must be in [1024, 49151]")
	}
	if c.RecvBufBytes <= 0 {
		return configErr("recv_buf_bytes", "must be > 0")
	}
	if c.Priority < 0 || c.Priority > 6 {
		return configErr("priority", "must be in [0, 6]")
	}
	if c.Timeout <= 2*time.Second {
		return configErr("timeout", "must be > 2s")
	}
	if c.BatchSize <= 0 {
		return configErr("batch_size", "must be > 0")
	}
	if c.RingKey < 0 {
		return configErr("ring_key", "must be >= 0")
	}
	if c.SegmentCount <= 0 {
		return configErr("segment_count", "must be > 0")
	}
	if c.SegmentSize <= 0 {
		return configErr("segment_size", "must be > 0")
	}
	if c.NumReaders < 1 {
		return configErr("num_readers", "must be >= 1")
	}
	if c.WritesPerLog < 0 {
		return configErr("writes_per_log", "must be >= 0")
	}
	if c.EndPacket <= c.StartPacket {
		return configErr("end_packet", "must be greater than start_packet")
	}
	if c.PreRollSeconds < 0 {
		return configErr("preroll_seconds", "must be >= 0")
	}

	if packetSize != 0 {
		if packetSize < header.Size || packetSize > header.MaxPacketLen {
			return configErr("packet_size", fmt.Sprintf("must be in [%d, %d]", header.Size, header.MaxPacketLen))
		}
		if c.SegmentSize%(int(packetSize)*c.BatchSize) != 0 {
			return configErr("segment_size", "must be a multiple of packet_size * batch_size")
		}
	}

	return nil
}
