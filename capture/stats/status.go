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
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// lossWarnThreshold is the fraction of missed packets in an interval
// above which the status line's missed-percent cell is colorized as a
// warning rather than printed plain.
const lossWarnThreshold = 0.01

// StatusLine describes the six-line per-batch status report from
// spec section 6 ("Log format"): observation header, column headings,
// interval counts, interval percentages, cumulative counts, and
// cumulative percentages.
type StatusLine struct {
	Port           int
	StartPacket    uint64
	EndPacket      uint64
	Snapshot       Snapshot
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

func percentComplete(current, start, end uint64) float64 {
	if end <= start {
		return 0
	}
	if current < start {
		return 0
	}
	return percent(current-start, end-start)
}

// Render writes the six-line status block to w, following the
// original capture daemon's packet-comment format, rendered through a
// tablewriter table for the interval/cumulative rows and colorized
// with fatih/color for the missed-percent cells.
func Render(w io.Writer, line StatusLine) {
	s := line.Snapshot
	fmt.Fprintf(w, "port %d\tobservation %.1f%% complete\tcurrent packet %d\n",
		line.Port, percentComplete(s.CurrentPacketNumber, line.StartPacket, line.EndPacket), s.CurrentPacketNumber)

	table := tablewriter.NewWriter(w)
	table.SetColWidth(16)
	table.SetHeader([]string{"scope", "expected", "seen", "missed"})

	table.Append([]string{
		"interval",
		fmt.Sprintf("%d", s.ExpectedInterval),
		fmt.Sprintf("%d", s.SeenInterval),
		fmt.Sprintf("%d", s.MissedInterval()),
	})
	table.Append([]string{
		"interval %",
		"100.0",
		fmt.Sprintf("%.2f", percent(s.SeenInterval, s.ExpectedInterval)),
		missedPercentCell(s.MissedInterval(), s.ExpectedInterval),
	})
	table.Append([]string{
		"cumulative",
		fmt.Sprintf("%d", s.ExpectedTotal),
		fmt.Sprintf("%d", s.SeenTotal),
		fmt.Sprintf("%d", s.MissedTotal()),
	})
	table.Append([]string{
		"cumulative %",
		"100.0",
		fmt.Sprintf("%.2f", percent(s.SeenTotal, s.ExpectedTotal)),
		missedPercentCell(s.MissedTotal(), s.ExpectedTotal),
	})
	table.Render()
}

func missedPercentCell(missed, total uint64) string {
	pct := percent(missed, total)
	text := fmt.Sprintf("%.2f", pct)
	if total > 0 && float64(missed)/float64(total) > lossWarnThreshold {
		return color.YellowString(text)
	}
	return color.GreenString(text)
}
