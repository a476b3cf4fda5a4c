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

// Command ilt-replay is a test fixture: it reads a flat file of
// previously captured station packets and feeds it back into the
// system, either by transmitting over UDP to a recorder under test or
// by writing directly into a ring it creates itself, so the round-trip
// law (replaying a recorded session reproduces a byte-identical ring
// payload) can be exercised without live station hardware.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lofar-eng/ilt-recorder/capture/header"
	"github.com/lofar-eng/ilt-recorder/capture/ring"
	"github.com/lofar-eng/ilt-recorder/capture/socket"
)

func main() {
	log.SetLevel(log.InfoLevel)

	var (
		udpSpec        string
		host           string
		fileTemplate   string
		packetsPerIter int
		numPorts       int
		ringSpec       string
		totalPackets   int
		waitMs         int
	)

	flag.StringVar(&udpSpec, "u", "0,0", "port,offset; port 0 selects direct ring-write mode instead of UDP")
	flag.StringVar(&host, "H", "127.0.0.1", "destination host for UDP mode")
	flag.StringVar(&fileTemplate, "i", "", "source file path; a %d verb is substituted with the 0-based port/ring index")
	flag.IntVar(&packetsPerIter, "p", 256, "packets sent per iteration before the -w pause")
	flag.IntVar(&numPorts, "n", 1, "number of ports (or ring keys) to replay across, one after another")
	flag.StringVar(&ringSpec, "k", "0,0", "key,offset; used only in direct ring-write mode")
	flag.IntVar(&totalPackets, "t", 0, "total packets to replay per port/ring (0 means the whole file)")
	flag.IntVar(&waitMs, "w", 0, "milliseconds to sleep between iterations")
	flag.Parse()

	if fileTemplate == "" {
		log.Fatal("ilt-replay: -i is required")
	}

	basePort, portOffset, err := parsePair(udpSpec)
	if err != nil {
		log.Fatalf("ilt-replay: -u: %v", err)
	}
	baseKey, keyOffset, err := parsePair(ringSpec)
	if err != nil {
		log.Fatalf("ilt-replay: -k: %v", err)
	}

	wait := time.Duration(waitMs) * time.Millisecond

	for i := 0; i < numPorts; i++ {
		path := substituteIndex(fileTemplate, i)
		var err error
		if basePort == 0 {
			err = replayToRing(path, int32(baseKey+keyOffset*i), packetsPerIter, totalPackets, wait)
		} else {
			err = replayToUDP(path, host, basePort+portOffset*i, packetsPerIter, totalPackets, wait)
		}
		if err != nil {
			log.Fatalf("ilt-replay: port/ring index %d: %v", i, err)
		}
	}

	os.Exit(0)
}

// parsePair parses a "a,b" flag value into two ints.
func parsePair(s string) (int, int, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"a,b\", got %q", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// substituteIndex fills a %d verb in template with index, if present;
// templates without one are used verbatim for every index.
func substituteIndex(template string, index int) string {
	if strings.Contains(template, "%d") {
		return fmt.Sprintf(template, index)
	}
	return template
}

// packetSizeFromFile peeks the first header.Size bytes of the file to
// derive the on-wire packet size, which this fixture assumes is
// constant for the rest of the file (a single station port never
// changes beamlet count or bit-mode mid-observation).
func packetSizeFromFile(f *os.File) (uint32, error) {
	buf := make([]byte, header.Size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	v, err := header.Parse(buf)
	if err != nil {
		return 0, err
	}
	return v.PacketSize()
}

// replayToUDP transmits the file's packets to host:port in iterations
// of packetsPerIter datagrams, pausing wait between iterations.
func replayToUDP(path, host string, port, packetsPerIter, totalPackets int, wait time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	packetSize, err := packetSizeFromFile(f)
	if err != nil {
		return err
	}

	sh, err := socket.Open(socket.Config{NonBinding: true, Port: socket.MinPort, Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("opening send socket: %w", err)
	}
	defer sh.Close()

	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}

	buf := make([]byte, packetSize)
	sent := 0
	for totalPackets == 0 || sent < totalPackets {
		n, err := sendIteration(f, sh.Conn, addr, buf, packetsPerIter, totalPackets, sent)
		if err != nil {
			return err
		}
		sent += n
		if n < packetsPerIter {
			break // end of file
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	log.Infof("ilt-replay: sent %d packets to %s:%d", sent, host, port)
	return nil
}

// sendIteration reads and transmits up to packetsPerIter packets (fewer
// if totalPackets bounds the run or the file runs out), returning the
// count actually sent.
func sendIteration(f *os.File, conn *net.UDPConn, addr *net.UDPAddr, buf []byte, packetsPerIter, totalPackets, sentSoFar int) (int, error) {
	for i := 0; i < packetsPerIter; i++ {
		if totalPackets > 0 && sentSoFar+i >= totalPackets {
			return i, nil
		}
		if _, err := f.Read(buf); err != nil {
			return i, nil // EOF or short read: stop this iteration
		}
		if _, err := conn.WriteToUDP(buf, addr); err != nil {
			return i, fmt.Errorf("sending packet: %w", err)
		}
	}
	return packetsPerIter, nil
}

// replayToRing creates a fresh ring at key and writes the file's
// packets directly, bypassing the network entirely — used to seed a
// ring for reader-side testing without a live recorder.
func replayToRing(path string, key int32, packetsPerIter, totalPackets int, wait time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	packetSize, err := packetSizeFromFile(f)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	filePackets := int(info.Size() / int64(packetSize))
	if totalPackets > 0 && totalPackets < filePackets {
		filePackets = totalPackets
	}

	// The ring is created here, with one segment sized for every packet
	// to be replayed; if a ring already exists at key (or key+1), the
	// create fails and no packets are written, since Force is off.
	r, err := ring.AttachOrCreate(ring.Config{
		Key:          key,
		SegmentCount: 1,
		SegmentSize:  filePackets * int(packetSize),
		NumReaders:   1,
		Force:        false,
	})
	if err != nil {
		return fmt.Errorf("attaching ring at key %d: %w", key, err)
	}
	defer r.Detach(30 * time.Second)

	buf := make([]byte, int(packetSize)*packetsPerIter)
	written := 0
	for written < filePackets {
		n := packetsPerIter
		if filePackets-written < n {
			n = filePackets - written
		}
		chunk := buf[:n*int(packetSize)]
		if _, err := f.Read(chunk); err != nil {
			return fmt.Errorf("reading packets: %w", err)
		}
		if _, err := r.Write(chunk); err != nil {
			return fmt.Errorf("writing to ring: %w", err)
		}
		written += n
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	return r.MarkEndOfData()
}
