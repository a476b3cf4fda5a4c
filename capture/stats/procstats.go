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

package stats

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

var processStartTime = time.Now()

// ProcessStats reports supplementary process-level diagnostics
// (RSS, CPU%, FD count) that accompany the capture counters proper,
// grounded on sptp/client.SysStats.CollectRuntimeStats.
type ProcessStats struct {
	RSSBytes   uint64
	CPUPercent float64
	NumFDs     int32
	NumThreads int32
	UptimeSec  int64
}

// CollectProcessStats samples the current process's resource usage.
func CollectProcessStats() (ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, err
	}

	var ps ProcessStats
	ps.UptimeSec = int64(time.Since(processStartTime).Seconds())

	if mem, err := proc.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if pct, err := proc.Percent(0); err == nil {
		ps.CPUPercent = pct
	}
	if fds, err := proc.NumFDs(); err == nil {
		ps.NumFDs = fds
	}
	if threads, err := proc.NumThreads(); err == nil {
		ps.NumThreads = threads
	}

	return ps, nil
}
