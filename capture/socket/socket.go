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

// Package socket binds and tunes the UDP endpoint the recorder reads
// from: receive-buffer sizing, priority, address reuse, and a receive
// timeout that bounds the known edge case where the last element of a
// vectored receive can otherwise block indefinitely.
package socket

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MinPort and MaxPort bound the accepted port range.
const (
	MinPort = 1024
	MaxPort = 49151
)

// ErrReservedPort is returned when the requested port is outside
// [MinPort, MaxPort].
var ErrReservedPort = fmt.Errorf("socket: port must be in [%d, %d]", MinPort, MaxPort)

// Config describes how to open and tune the capture socket.
type Config struct {
	// Port is the local UDP port to bind.
	Port int
	// RecvBufBytes is the requested kernel receive-buffer size, in
	// bytes. The kernel is asked to raise its buffer if it is
	// currently smaller than 2*RecvBufBytes-1 (the kernel doubles
	// whatever value SO_RCVBUF is given).
	RecvBufBytes int
	// Priority is the requested SO_PRIORITY value, 0-6.
	Priority int
	// Timeout is the receive timeout; must be > 2s.
	Timeout time.Duration
	// NonBinding, when true, creates the socket without binding it
	// (used by the replay fixture to transmit from an ephemeral
	// source port).
	NonBinding bool
}

// Handle owns an open, tuned UDP socket.
type Handle struct {
	Conn *net.UDPConn
	Fd   int
}

// Open binds and tunes a UDP socket per cfg, following the tuning
// sequence of the original capture daemon's port-initialization
// routine: validate the port, create/bind, grow the receive buffer,
// raise priority, enable address reuse, and set a receive timeout.
func Open(cfg Config) (*Handle, error) {
	if cfg.Port < MinPort || cfg.Port > MaxPort {
		return nil, ErrReservedPort
	}

	addr := &net.UDPAddr{Port: cfg.Port}
	var conn *net.UDPConn
	var err error
	if cfg.NonBinding {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("socket: bind port %d: %w", cfg.Port, err)
	}

	fd, err := connFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: extract fd: %w", err)
	}

	if err := growRecvBuffer(fd, cfg.RecvBufBytes); err != nil {
		conn.Close()
		return nil, err
	}

	if err := raisePriority(fd, cfg.Priority); err != nil {
		log.Warningf("socket: failed to raise priority on port %d: %v", cfg.Port, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: SO_REUSEADDR: %w", err)
	}

	if cfg.Timeout <= 2*time.Second {
		conn.Close()
		return nil, fmt.Errorf("socket: timeout %s must exceed 2s", cfg.Timeout)
	}
	tv := unix.NsecToTimeval(cfg.Timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: SO_RCVTIMEO: %w", err)
	}

	return &Handle{Conn: conn, Fd: fd}, nil
}

// connFd returns the raw file descriptor backing a UDP connection.
func connFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = sc.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// growRecvBuffer raises SO_RCVBUF to at least want bytes. If the
// kernel's current buffer (doubled, per kernel accounting) is already
// at least 2*want-1, nothing is done. On failure to raise it, rmem_max
// is read diagnostically and named in the returned error so the
// operator knows which sysctl to raise.
func growRecvBuffer(fd, want int) error {
	if want <= 0 {
		return nil
	}
	cur, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return fmt.Errorf("socket: read SO_RCVBUF: %w", err)
	}
	if cur >= 2*want-1 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, want); err != nil {
		return diagnoseRcvBufFailure(want, err)
	}
	got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return fmt.Errorf("socket: re-read SO_RCVBUF: %w", err)
	}
	if got < 2*want-1 {
		return diagnoseRcvBufFailure(want, fmt.Errorf("kernel granted %d, wanted at least %d", got, 2*want-1))
	}
	return nil
}

func diagnoseRcvBufFailure(want int, cause error) error {
	rmemMax := readRmemMax()
	return fmt.Errorf("socket: failed to grow SO_RCVBUF to %d (rmem_max=%s): %w; raise it with: sysctl -w net.core.rmem_max=%d", want, rmemMax, cause, want)
}

// readRmemMax reads /proc/sys/net/core/rmem_max for diagnostic
// purposes only; failures here are folded into "unknown" rather than
// surfaced, since this is itself the error-reporting path.
func readRmemMax() string {
	b, err := os.ReadFile("/proc/sys/net/core/rmem_max")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

// raisePriority sets SO_PRIORITY if the current value is lower than
// requested. It is non-fatal: the caller logs and continues on error.
func raisePriority(fd, priority int) error {
	if priority <= 0 {
		return nil
	}
	cur, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY)
	if err != nil {
		return err
	}
	if cur >= priority {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, priority)
}

// Close shuts the socket down in both directions before releasing it,
// matching the cleanup-always-shuts-down-first discipline of the
// original capture daemon.
func (h *Handle) Close() error {
	if h == nil || h.Conn == nil {
		return nil
	}
	_ = unix.Shutdown(h.Fd, unix.SHUT_RDWR)
	return h.Conn.Close()
}

// PeekHeader performs a non-consuming read of up to len(buf) bytes
// from the socket using MSG_PEEK, so the capture scheduler can
// inspect the first packet's header without removing it from the
// kernel's receive queue ahead of the first real batch receive.
func (h *Handle) PeekHeader(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(h.Fd, buf, unix.MSG_PEEK)
	if err != nil {
		return 0, fmt.Errorf("socket: peek: %w", err)
	}
	return n, nil
}

// ParsePortList parses a comma-separated list of ports. The replay
// fixture does not use it (its -u/-k flags are parsed by its own
// parsePair). Kept here since it is a small, purely socket-adjacent
// parsing helper with no other natural home.
func ParsePortList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("socket: bad port %q: %w", p, err)
		}
		ports = append(ports, v)
	}
	return ports, nil
}
