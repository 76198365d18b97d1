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

// Package agent implements the client-side outbound FIFO worker: a
// bounded queue of already-encoded frames guarded by one mutex and
// condition variable (container/list, not a channel — see the package
// doc below for why), a single worker goroutine draining it in order,
// spill-file persistence across restarts, and the purge policy that
// protects the queue from an unreachable DBD.
//
// The FIFO keeps the spec's literal peek-before-pop discipline instead of
// a channel-based mpsc queue: a channel's receive is a pop, so recovering
// "didn't get acked, try again" would require a separate requeue step
// that reorders relative to anything produced in between. Peeking the
// head and only popping after a confirmed round trip keeps at-least-once
// delivery and FIFO order as one invariant instead of two that have to
// agree.
package agent

import (
	"container/list"
	"context"
	"encoding/binary"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nabbar/persistdbd/frame"
	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/metrics"
	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/persistconn"
	"github.com/nabbar/persistdbd/xlog"
)

const (
	// MaxAgentQueue bounds the number of frames held in memory at once.
	MaxAgentQueue = 10000

	spillMagic = 0xDEAD3219

	syslogThrottle  = 120 * time.Second
	failRetryFloor  = 10 * time.Second
	condWaitPeriod  = 10 * time.Second
	shutdownSigTry  = 10
	shutdownSigWait = 10 * time.Millisecond
	shutdownGrace   = 100 * time.Millisecond
)

// Dialer opens (or reopens) the outbound connection to the DBD. The
// worker calls it whenever it has no connection and is not inside the
// retry back-off: once at start, whether or not anything is queued, and
// again after each failure.
type Dialer func(ctx context.Context) (*persistconn.Conn, error)

// Queue is the client agent: the outbound FIFO, its worker, and the
// spill-file persistence that survives a restart.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    *list.List

	spillPath string
	dial      Dialer
	conn      *persistconn.Conn
	log       xlog.Logger

	lastFail     time.Time
	lastSyslog   time.Time
	shutdownAt   time.Time
	shuttingDown atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	sigCh  chan os.Signal
}

// New builds a Queue. dial is called (and re-called on reconnect) to
// obtain the outbound connection; spillPath names the on-disk file used
// by SaveState/LoadState.
func New(spillPath string, dial Dialer, log xlog.Logger) *Queue {
	if log == nil {
		log = xlog.Discard()
	}
	a := &Queue{
		q:         list.New(),
		spillPath: spillPath,
		dial:      dial,
		log:       log,
		done:      make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Len returns the number of frames currently queued.
func (a *Queue) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.q.Len()
}

// Enqueue appends frame (an already Kind-tagged, encoded RPC) to the tail
// of the queue, applying the syslog-throttle warning and purge-on-near-full
// policy before accepting or rejecting it.
func (a *Queue) Enqueue(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.q.Len()
	if n >= MaxAgentQueue/2 && time.Since(a.lastSyslog) >= syslogThrottle {
		a.log.Criticalf("agent queue at %d/%d frames, restart DBD now", n, MaxAgentQueue)
		a.lastSyslog = time.Now()
	}

	if n == MaxAgentQueue-1 {
		purged := a.purgeJobStartRequestsLocked()
		if purged > 0 {
			a.log.Warnf("purged %d re-sendable job/step start records under queue pressure", purged)
			metrics.AgentPurgedTotal.Add(float64(purged))
		}
		n = a.q.Len()
	}

	if n >= MaxAgentQueue {
		metrics.AgentFramesFailedTotal.Inc()
		return perrors.New(perrors.QueueFull, "agent queue full", nil)
	}

	a.q.PushBack(frame)
	metrics.AgentQueueDepth.Set(float64(a.q.Len()))
	a.cond.Broadcast()
	return nil
}

// purgeJobStartRequestsLocked removes DBD_JOB_START/DBD_STEP_START
// frames from the queue (the caller holds a.mu). These are re-derivable
// from the controller's in-memory job state, so dropping them under
// pressure is safe where dropping any other kind would not be.
func (a *Queue) purgeJobStartRequestsLocked() int {
	purged := 0
	var next *list.Element
	for e := a.q.Front(); e != nil; e = next {
		next = e.Next()
		frame := e.Value.([]byte)
		if len(frame) < 2 {
			continue
		}
		kind := message.Kind(binary.BigEndian.Uint16(frame[:2]))
		if kind == message.KindDBDJobStart || kind == message.KindDBDStepStart {
			a.q.Remove(e)
			purged++
		}
	}
	return purged
}

// Start loads any persisted spill file and launches the worker goroutine.
// It also installs a no-op SIGUSR1 handler so the signal Shutdown sends
// to interrupt a blocked syscall does not terminate the process (SIGUSR1's
// default disposition is termination).
func (a *Queue) Start(ctx context.Context) {
	a.sigCh = make(chan os.Signal, 1)
	signal.Notify(a.sigCh, syscall.SIGUSR1)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.LoadState(); err != nil {
		a.log.WithError(err).Warnf("agent: failed to load spill file, continuing with empty queue")
	}

	go a.run(runCtx)
}

func (a *Queue) run(ctx context.Context) {
	defer close(a.done)
	defer signal.Stop(a.sigCh)
	defer func() {
		if err := a.SaveState(); err != nil {
			a.log.WithError(err).Errorf("agent: failed to save spill file on shutdown")
		}
	}()

	for {
		if a.shuttingDown.Load() {
			return
		}

		a.mu.Lock()
		backoff := !a.lastFail.IsZero() && time.Since(a.lastFail) < failRetryFloor
		a.mu.Unlock()

		if a.conn == nil && !backoff {
			if err := a.reconnect(ctx); err != nil {
				a.recordFail(err)
			}
		}

		a.mu.Lock()
		empty := a.q.Len() == 0
		broken := a.conn == nil
		backoff = !a.lastFail.IsZero() && time.Since(a.lastFail) < failRetryFloor
		if empty || broken || backoff {
			a.waitLocked(ctx)
			a.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			continue
		}
		head := a.q.Front().Value.([]byte)
		a.mu.Unlock()

		if err := a.conn.Send(ctx, head); err != nil {
			a.recordFail(err)
			continue
		}
		reply, err := a.conn.Recv(ctx)
		if err != nil {
			a.recordFail(err)
			continue
		}
		body, err := message.Decode(reply, a.conn.NegotiatedVersion)
		if err != nil {
			a.recordFail(err)
			continue
		}
		if rc, ok := body.(*message.DBDRC); ok && rc.ReturnCode != 0 {
			a.recordFail(perrors.New(perrors.TransportRetry, rc.Comment, nil))
			continue
		}

		a.mu.Lock()
		if a.q.Len() > 0 {
			a.q.Remove(a.q.Front())
		}
		a.lastFail = time.Time{}
		metrics.AgentQueueDepth.Set(float64(a.q.Len()))
		a.mu.Unlock()
		metrics.AgentFramesSentTotal.Inc()
	}
}

// waitLocked blocks on the condvar for up to condWaitPeriod. The caller
// holds a.mu; a timer goroutine broadcasts once after the period elapses
// so the wait always re-checks shutdown/backoff state instead of
// blocking forever on a producer that never arrives.
func (a *Queue) waitLocked(ctx context.Context) {
	timer := time.AfterFunc(condWaitPeriod, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer timer.Stop()

	done := ctx.Done()
	if done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				a.mu.Lock()
				a.cond.Broadcast()
				a.mu.Unlock()
			case <-stop:
			}
		}()
	}

	a.cond.Wait()
}

func (a *Queue) reconnect(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

func (a *Queue) recordFail(err error) {
	a.mu.Lock()
	a.lastFail = time.Now()
	a.mu.Unlock()
	metrics.AgentFramesFailedTotal.Inc()
	a.log.WithError(err).Warnf("agent: send/recv failed, will retry")
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// Shutdown stops the worker: it marks the queue shutting down, wakes the
// condvar, signals the process with SIGUSR1 up to ten times to break a
// blocked syscall, and waits briefly for the worker to finish saving
// state before giving up and returning.
func (a *Queue) Shutdown() {
	a.shuttingDown.Store(true)
	a.shutdownAt = time.Now()

	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	for i := 0; i < shutdownSigTry; i++ {
		select {
		case <-a.done:
			return
		default:
		}
		_ = syscall.Kill(os.Getpid(), syscall.SIGUSR1)
		time.Sleep(shutdownSigWait)
	}

	select {
	case <-a.done:
	case <-time.After(shutdownGrace):
		a.log.Errorf("agent failed to shutdown gracefully")
	}
}

// SaveState writes every queued frame to the spill file at
// <spillPath>, truncating any previous contents. Each record is written
// as {u32 length}{payload}{u32 magic}; a partial write aborts the save.
func (a *Queue) SaveState() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.q.Len() == 0 {
		_ = os.Remove(a.spillPath)
		return nil
	}

	f, err := os.OpenFile(a.spillPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return perrors.New(perrors.UnknownError, "open spill file for write", err)
	}
	defer f.Close()

	for e := a.q.Front(); e != nil; e = e.Next() {
		payload := e.Value.([]byte)
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
		if _, err = f.Write(hdr[:]); err != nil {
			return perrors.New(perrors.UnknownError, "write spill record length", err)
		}
		if _, err = f.Write(payload); err != nil {
			return perrors.New(perrors.UnknownError, "write spill record payload", err)
		}
		binary.BigEndian.PutUint32(hdr[:], spillMagic)
		if _, err = f.Write(hdr[:]); err != nil {
			return perrors.New(perrors.UnknownError, "write spill record magic", err)
		}
	}
	return nil
}

// LoadState reads the spill file written by SaveState, enqueues every
// valid record at the tail in order, then removes the file. A record
// with a mismatched magic aborts the load; everything read up to that
// point is kept.
func (a *Queue) LoadState() error {
	f, err := os.Open(a.spillPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return perrors.New(perrors.UnknownError, "open spill file for read", err)
	}
	defer f.Close()
	defer os.Remove(a.spillPath)

	var hdr [4]byte
	for {
		if _, err = readFull(f, hdr[:]); err != nil {
			break // clean EOF or short read: nothing more to load
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > frame.MaxMsgSize {
			a.log.Warnf("spill file: record length %d exceeds max message size, discarding remainder", length)
			break
		}
		payload := make([]byte, length)
		if _, err = readFull(f, payload); err != nil {
			a.log.Warnf("spill file: truncated payload, discarding remainder")
			break
		}
		if _, err = readFull(f, hdr[:]); err != nil {
			a.log.Warnf("spill file: truncated magic, discarding remainder")
			break
		}
		if binary.BigEndian.Uint32(hdr[:]) != spillMagic {
			a.log.Warnf("spill file: bad magic, discarding remainder")
			break
		}

		a.mu.Lock()
		a.q.PushBack(payload)
		a.mu.Unlock()
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
