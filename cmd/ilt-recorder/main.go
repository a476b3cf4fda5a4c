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

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/lofar-eng/ilt-recorder/capture/header"
	"github.com/lofar-eng/ilt-recorder/capture/scheduler"
	"github.com/lofar-eng/ilt-recorder/capture/session"
	"github.com/lofar-eng/ilt-recorder/capture/stats"
)

// procStatsInterval is how often the process-level diagnostics
// (RSS, CPU%, FD count) are sampled and logged.
const procStatsInterval = 30 * time.Second

func main() {
	log.SetLevel(log.InfoLevel)

	var (
		port              int
		ringKey           int
		batchSize         int
		segmentCount      int
		targetRingSeconds float64
		numReaders        int
		expectedPktSize   int
		forceReclaim      bool
		startStr          string
		endStr            string
		observationSecs   float64
		preRollSecs       int
		writesPerLog      int
		timeoutSecs       float64
		skipEndSanity     bool
		configFile        string
		monitoringPort    int
		effectiveConfig   string
	)

	flag.IntVar(&port, "p", 0, "UDP port to bind")
	flag.IntVar(&ringKey, "k", 0, "SysV ring key (metadata ring is key+1)")
	flag.IntVar(&batchSize, "n", 256, "packets per receive batch")
	flag.IntVar(&segmentCount, "m", 8, "number of segments in the ring")
	flag.Float64Var(&targetRingSeconds, "s", 10, "target ring capacity, in seconds of data at the nominal rate")
	flag.IntVar(&numReaders, "r", 1, "number of reader processes the writer waits for at detach")
	flag.IntVar(&expectedPktSize, "e", 0, "expected packet size; if set, it overrides the peeked packet's size for ring sizing and the ring is allocated right after the first packet is peeked, before the scheduler starts")
	flag.BoolVar(&forceReclaim, "f", false, "force-reclaim a pre-existing ring on the same key")
	flag.StringVar(&startStr, "S", "", "observation start, ISO-8601 (required)")
	flag.StringVar(&endStr, "T", "", "observation end, ISO-8601 (mutually exclusive with -t)")
	flag.Float64Var(&observationSecs, "t", 0, "observation duration in seconds (mutually exclusive with -T)")
	flag.IntVar(&preRollSecs, "w", 2, "seconds before start_packet the scheduler wakes from its pre-observation sleep")
	flag.IntVar(&writesPerLog, "l", 16, "batch iterations between status-log emissions")
	flag.Float64Var(&timeoutSecs, "z", 5, "socket receive timeout in seconds (must exceed 2)")
	flag.BoolVar(&skipEndSanity, "C", false, "skip the end-time-is-in-the-past sanity check")
	flag.StringVar(&configFile, "c", "", "optional YAML dynamic-config overlay, applied before the flags above (unset flags above take the file's values)")
	flag.IntVar(&monitoringPort, "M", 0, "Prometheus /metrics listen port (0 disables the exporter)")
	flag.StringVar(&effectiveConfig, "o", "", "optional path to persist the effective dynamic config, including the resolved start/end packet numbers, once the observation ends")
	flag.Parse()

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	startTime, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Fatalf("ilt-recorder: -S %q is not a valid ISO-8601 timestamp: %v", startStr, err)
	}

	var endTime time.Time
	switch {
	case endStr != "":
		endTime, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			log.Fatalf("ilt-recorder: -T %q is not a valid ISO-8601 timestamp: %v", endStr, err)
		}
	case observationSecs > 0:
		endTime = startTime.Add(time.Duration(observationSecs * float64(time.Second)))
	default:
		log.Fatal("ilt-recorder: one of -T or -t is required")
	}

	if !skipEndSanity && endTime.Before(time.Now()) {
		log.Fatalf("ilt-recorder: end time %s is already in the past; pass -C to override", endTime)
	}

	dyn := session.DynamicConfig{
		RingKey:           int32(ringKey),
		SegmentCount:      segmentCount,
		NumReaders:        numReaders,
		ForceReclaim:      forceReclaim,
		BatchSize:         batchSize,
		RecvBufBytes:      32 << 20,
		Priority:          0,
		Timeout:           time.Duration(timeoutSecs * float64(time.Second)),
		PreRollSeconds:    preRollSecs,
		WritesPerLog:      writesPerLog,
		SkipEndTimeSanity: skipEndSanity,
		// StartPacket/EndPacket/SegmentSize depend on clock_mode,
		// which is only known once the first packet is peeked;
		// filled in below once that peek has happened.
		StartPacket: 0,
		EndPacket:   1,
		SegmentSize: batchSize,
	}

	if configFile != "" {
		fileDyn, err := session.ReadDynamicConfig(configFile)
		if err != nil {
			log.Fatalf("ilt-recorder: -c %q: %v", configFile, err)
		}
		applyDynamicConfigOverlay(&dyn, fileDyn, explicit)
	}

	cfg := session.Config{
		StaticConfig: session.StaticConfig{
			ConfigFile:     configFile,
			Port:           port,
			MonitoringPort: monitoringPort,
		},
		DynamicConfig: dyn,
	}

	h, err := session.Init(cfg)
	if err != nil {
		log.Fatalf("ilt-recorder: %v", err)
	}

	if err := h.Prepare(false, 0); err != nil {
		log.Fatalf("ilt-recorder: %v", err)
	}
	defer h.Cleanup()

	clockBit, pktSize, err := peekClockModeAndSize(h)
	if err != nil {
		log.Fatalf("ilt-recorder: %v", err)
	}
	if expectedPktSize > 0 {
		pktSize = uint32(expectedPktSize)
	}

	h.Config.StartPacket = header.PacketNumber(uint32(startTime.Unix()), 0, clockBit)
	h.Config.EndPacket = header.PacketNumber(uint32(endTime.Unix()), 0, clockBit)
	h.Config.SegmentSize = ringSegmentSize(targetRingSeconds, clockBit, pktSize, batchSize, segmentCount)

	if err := session.ValidateConfig(&h.Config, pktSize); err != nil {
		log.Fatalf("ilt-recorder: %v", err)
	}

	if expectedPktSize > 0 {
		if err := h.OpenRing(); err != nil {
			log.Fatalf("ilt-recorder: %v", err)
		}
	}

	s := scheduler.New(h, scheduler.Config{CheckMode: scheduler.CheckFirstLast})

	if monitoringPort > 0 {
		go stats.NewPrometheusExporter(h.Stats, monitoringPort, time.Second).Start()
	}
	go logProcessStatsPeriodically(procStatsInterval)

	if err := sdNotifyReady(); err != nil {
		log.Warningf("ilt-recorder: sd_notify: %v", err)
	}

	runErr := s.Run()

	if effectiveConfig != "" {
		if err := h.Config.DynamicConfig.Write(effectiveConfig); err != nil {
			log.Warningf("ilt-recorder: -o %q: %v", effectiveConfig, err)
		}
	}

	if runErr != nil {
		log.Errorf("ilt-recorder: observation failed: %v", runErr)
		os.Exit(1)
	}

	os.Exit(0)
}

// applyDynamicConfigOverlay fills dyn's fields from file wherever the
// corresponding CLI flag was not explicitly passed, so a -c config
// file stages the next observation's defaults while an operator can
// still override any individual field from the command line.
func applyDynamicConfigOverlay(dyn, file *session.DynamicConfig, explicit map[string]bool) {
	if !explicit["k"] {
		dyn.RingKey = file.RingKey
	}
	if !explicit["m"] {
		dyn.SegmentCount = file.SegmentCount
	}
	if !explicit["r"] {
		dyn.NumReaders = file.NumReaders
	}
	if !explicit["f"] {
		dyn.ForceReclaim = file.ForceReclaim
	}
	if !explicit["n"] {
		dyn.BatchSize = file.BatchSize
	}
	if !explicit["z"] && file.Timeout != 0 {
		dyn.Timeout = file.Timeout
	}
	if !explicit["w"] {
		dyn.PreRollSeconds = file.PreRollSeconds
	}
	if !explicit["l"] {
		dyn.WritesPerLog = file.WritesPerLog
	}
	if !explicit["C"] {
		dyn.SkipEndTimeSanity = file.SkipEndTimeSanity
	}
	if file.RecvBufBytes != 0 {
		dyn.RecvBufBytes = file.RecvBufBytes
	}
	if file.Priority != 0 {
		dyn.Priority = file.Priority
	}
}

// logProcessStatsPeriodically samples and logs process-level
// diagnostics on a fixed cadence for the lifetime of the process.
func logProcessStatsPeriodically(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ps, err := stats.CollectProcessStats()
		if err != nil {
			log.Warningf("ilt-recorder: collecting process stats: %v", err)
			continue
		}
		log.Infof("ilt-recorder: process stats: rss=%dB cpu=%.1f%% fds=%d threads=%d uptime=%ds",
			ps.RSSBytes, ps.CPUPercent, ps.NumFDs, ps.NumThreads, ps.UptimeSec)
	}
}

// peekClockModeAndSize blocks on a non-consuming read of one packet to
// learn the clock mode and packet size the stream is actually running
// at, so the caller's ISO-8601 start/end flags and ring sizing can be
// resolved to real packet numbers and byte counts before the scheduler
// takes over. The scheduler peeks the same (still-queued) packet again
// in its own AwaitFirstPacket step; MSG_PEEK makes that redundancy free.
func peekClockModeAndSize(h *session.Handle) (clockBit int, packetSize uint32, err error) {
	buf := make([]byte, header.Size)
	if _, err := h.Socket.PeekHeader(buf); err != nil {
		return 0, 0, fmt.Errorf("peeking first packet: %w", err)
	}
	v, err := header.Parse(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing first packet: %w", err)
	}
	if err := header.Validate(v); err != nil {
		return 0, 0, fmt.Errorf("validating first packet: %w", err)
	}
	size, err := v.PacketSize()
	if err != nil {
		return 0, 0, err
	}
	return v.ClockBit(), size, nil
}

// ringSegmentSize sizes one ring segment so that segmentCount segments
// together hold approximately targetSeconds worth of data at the
// nominal packet rate for the given clock mode, rounded down to a
// multiple of packetSize*batchSize but never below one such multiple
// (the ring's invariant from
// section 3: every segment size is itself a multiple of
// packet_size * batch_size).
func ringSegmentSize(targetSeconds float64, clockBit int, packetSize uint32, batchSize, segmentCount int) int {
	rate := 1e6 * float64(160+40*clockBit) / (1024 * 16)
	totalBytes := targetSeconds * rate * float64(packetSize)
	perSegment := totalBytes / float64(segmentCount)

	stride := int(packetSize) * batchSize
	segments := int(perSegment) / stride
	if segments < 1 {
		segments = 1
	}
	return segments * stride
}

// sdNotifyReady notifies systemd that the recorder has finished
// startup and is about to begin its capture loop.
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	} else if !supported {
		log.Warning("sd_notify not supported")
	} else {
		log.Info("successfully sent sd_notify event")
	}
	return nil
}
