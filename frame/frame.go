/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package frame implements the length-prefixed message framing shared by
// the client agent and the server connection manager: a u32 big-endian
// byte count followed by that many payload bytes, with readiness checked
// through poll(2) on the connection's raw file descriptor rather than
// relying on net.Conn deadlines alone, so a blocking poll can be
// interrupted by a delivered signal without tearing down the socket.
package frame

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/xlog"
	"golang.org/x/sys/unix"
)

const (
	// MaxMsgSize bounds a single frame's payload in both directions.
	MaxMsgSize = 16 * 1024 * 1024

	// minMsgSize is the smallest legal payload: the u16 message Kind tag
	// every body starts with. Anything shorter cannot carry a Kind at all.
	minMsgSize = 2

	headerLen = 4

	// writeBudget is the total time a single Send may spend waiting for
	// the socket to become writable, matching the 5s polling budget used
	// by the original blocking-write helper.
	writeBudget = 5 * time.Second

	// pollQuantum bounds a single poll(2) call so a cancelled context or
	// a delivered signal is noticed promptly instead of blocking forever.
	pollQuantum = 1 * time.Second

	// commFailWindow rate-limits repeated POLLERR logging for the same
	// connection to once per window.
	commFailWindow = 10 * time.Minute
)

// Conn wraps a net.Conn with poll-based readiness and framed Send/Recv.
type Conn struct {
	nc  net.Conn
	raw syscall.RawConn
	log xlog.Logger

	mu          sync.Mutex
	lastErrLog  time.Time
	haveErrLog  bool
	remoteLabel string
}

// NewConn wraps c for framed I/O. c must implement syscall.Conn (net.TCPConn
// and net.UnixConn both do); any other implementation leaves rawConn nil,
// so readiness is not polled and Send/Recv fall through to plain blocking
// Write/Read calls. No deadlines are set in either case.
func NewConn(c net.Conn, log xlog.Logger) (*Conn, error) {
	if log == nil {
		log = xlog.Discard()
	}
	fc := &Conn{nc: c, log: log, remoteLabel: c.RemoteAddr().String()}
	if sc, ok := c.(syscall.Conn); ok {
		rc, err := sc.SyscallConn()
		if err != nil {
			return nil, perrors.New(perrors.TransportFatal, "syscall conn unavailable", err)
		}
		fc.raw = rc
	}
	return fc, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address as a string, used for log and
// metric labels.
func (c *Conn) RemoteAddr() string {
	return c.remoteLabel
}

// Send writes one framed message: a 4-byte big-endian length followed by
// payload. It fails if payload exceeds MaxMsgSize.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxMsgSize {
		return perrors.New(perrors.TransportFatal, fmt.Sprintf("payload %d exceeds max message size", len(payload)), nil)
	}

	var hdr [headerLen]byte
	hdr[0] = byte(len(payload) >> 24)
	hdr[1] = byte(len(payload) >> 16)
	hdr[2] = byte(len(payload) >> 8)
	hdr[3] = byte(len(payload))

	if err := c.writeFull(ctx, hdr[:]); err != nil {
		return err
	}
	return c.writeFull(ctx, payload)
}

// Recv reads one framed message, blocking until the length header and
// full payload have arrived or ctx is cancelled.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	var hdr [headerLen]byte
	if err := c.readFull(ctx, hdr[:]); err != nil {
		return nil, err
	}
	size := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
	if size > MaxMsgSize {
		return nil, perrors.New(perrors.TransportFatal, fmt.Sprintf("invalid frame size %d", size), nil)
	}
	if size < minMsgSize {
		return nil, perrors.New(perrors.TransportFatal, fmt.Sprintf("invalid frame size %d", size), nil)
	}
	payload := make([]byte, size)
	if size > 0 {
		if err := c.readFull(ctx, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (c *Conn) writeFull(ctx context.Context, buf []byte) error {
	deadline := time.Now().Add(writeBudget)
	for len(buf) > 0 {
		if time.Now().After(deadline) {
			return perrors.New(perrors.TransportFatal, "write budget exceeded", nil)
		}
		ok, err := c.waitWritable(ctx, deadline)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := c.nc.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return perrors.New(perrors.TransportRetry, "write failed", err)
		}
	}
	return nil
}

func (c *Conn) readFull(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		ok, err := c.waitReadable(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return perrors.New(perrors.TransportRetry, "read failed", err)
		}
	}
	return nil
}

// waitReadable blocks, in pollQuantum slices, until the socket reports
// POLLIN, a hangup, or ctx is done. It returns (true, nil) once data (or
// EOF) is ready to read.
func (c *Conn) waitReadable(ctx context.Context) (bool, error) {
	if c.raw == nil {
		return true, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, perrors.New(perrors.ShutdownErr, "recv cancelled", err)
		}
		var events int16
		var perr error
		err := c.raw.Control(func(fd uintptr) {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, e := unix.Poll(pfd, int(pollQuantum.Milliseconds()))
			if e != nil {
				perr = e
				return
			}
			if n > 0 {
				events = pfd[0].Revents
			}
		})
		if err != nil {
			return false, perrors.New(perrors.TransportFatal, "poll control failed", err)
		}
		if perr != nil {
			if perr == unix.EINTR || perr == unix.EAGAIN {
				continue
			}
			return false, perrors.New(perrors.TransportFatal, "poll failed", perr)
		}
		if events&unix.POLLNVAL != 0 {
			return false, perrors.New(perrors.TransportFatal, "poll: invalid descriptor", nil)
		}
		if events&unix.POLLERR != 0 {
			c.logCommFail("poll: error condition on socket")
			return false, perrors.New(perrors.TransportFatal, "poll: error condition", nil)
		}
		if events&(unix.POLLIN|unix.POLLHUP) != 0 {
			return true, nil
		}
		// timed out this quantum, loop and recheck ctx/shutdown
	}
}

func (c *Conn) waitWritable(ctx context.Context, deadline time.Time) (bool, error) {
	if c.raw == nil {
		return true, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, perrors.New(perrors.ShutdownErr, "send cancelled", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, perrors.New(perrors.TransportFatal, "write budget exceeded", nil)
		}
		quantum := pollQuantum
		if remaining < quantum {
			quantum = remaining
		}
		var events int16
		var perr error
		err := c.raw.Control(func(fd uintptr) {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			n, e := unix.Poll(pfd, int(quantum.Milliseconds()))
			if e != nil {
				perr = e
				return
			}
			if n > 0 {
				events = pfd[0].Revents
			}
		})
		if err != nil {
			return false, perrors.New(perrors.TransportFatal, "poll control failed", err)
		}
		if perr != nil {
			if perr == unix.EINTR || perr == unix.EAGAIN {
				continue
			}
			return false, perrors.New(perrors.TransportFatal, "poll failed", perr)
		}
		if events&unix.POLLNVAL != 0 {
			return false, perrors.New(perrors.TransportFatal, "poll: invalid descriptor", nil)
		}
		if events&unix.POLLERR != 0 {
			c.logCommFail("poll: error condition on socket")
			return false, perrors.New(perrors.TransportFatal, "poll: error condition", nil)
		}
		if events&unix.POLLHUP != 0 {
			return false, perrors.New(perrors.TransportRetry, "peer hung up", nil)
		}
		if events&unix.POLLOUT != 0 {
			return true, nil
		}
	}
}

func (c *Conn) logCommFail(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveErrLog && time.Since(c.lastErrLog) < commFailWindow {
		return
	}
	c.haveErrLog = true
	c.lastErrLog = time.Now()
	c.log.WithField("remote", c.remoteLabel).Errorf("%s", msg)
}

func isRetryable(err error) bool {
	return err == unix.EINTR || err == unix.EAGAIN
}
