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

// Package persistsrv implements the server-side persistent-connection
// manager: a bounded pool of per-connection workers, the accept path
// that reserves a pool slot before spawning one, and the per-connection
// state machine (FRESH -> ESTABLISHED -> CLOSED) that enforces
// REQUEST_PERSIST_INIT as strictly the first RPC on every socket.
//
// The pool uses golang.org/x/sync/semaphore.Weighted to bound concurrent
// connections instead of a bespoke mutex+condvar counter: Acquire already
// blocks the caller until a unit is available and Release never needs the
// dropped-mutex-around-join dance a condvar-based counter would, since
// there is no condvar to hold across a join in the first place.
package persistsrv

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/persistdbd/auth"
	"github.com/nabbar/persistdbd/frame"
	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/metrics"
	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/xlog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// MaxThreadCount bounds the number of connections served concurrently.
const MaxThreadCount = 100

// Positive return codes a handler may report without ending the
// connection, and the two that always end it. The original protocol's
// numeric values are not reproduced here (none are given by anything this
// implementation can see on the wire); these are this server's own
// symbolic codes, carried end to end between Handler and the wire PERSIST_RC
// and never compared against an external numbering.
const (
	RCSuccess                 uint32 = 0
	RCAccountingFirstReg      uint32 = 1
	RCAccountingTresChangeDB  uint32 = 2
	RCAccountingNodesChangeDB uint32 = 3
	RCAccessDenied            uint32 = 1793
	RCProtocolVersionError    uint32 = 1794
	RCEinval                  uint32 = 22
)

var positiveRC = map[uint32]bool{
	RCSuccess:                 true,
	RCAccountingFirstReg:      true,
	RCAccountingTresChangeDB:  true,
	RCAccountingNodesChangeDB: true,
}

// ServiceConn is the per-connection state visible to a Handler: identity
// established by the REQUEST_PERSIST_INIT handshake plus the framed
// socket a Handler may use to understand where a message came from. Only
// the Manager's own connection goroutine ever calls Send/Recv on it.
type ServiceConn struct {
	socket *frame.Conn

	ConnID      string
	RemoteAddr  string
	ClusterName string
	PersistType uint16
	Version     message.ProtocolVersion
	AuthUID     string

	slot int
}

// RemoteAddrString returns the peer address recorded at accept time.
func (sc *ServiceConn) RemoteAddrString() string { return sc.RemoteAddr }

// Handler is host code's dispatch hook: OnMessage handles one decoded RPC
// body (including REQUEST_PERSIST_INIT itself, once transport-level auth
// has already accepted it) and returns the reply to send, or nil for
// none. OnFinish runs once, after the connection's loop exits, regardless
// of why.
type Handler interface {
	OnMessage(ctx context.Context, sc *ServiceConn, body message.Body, first bool) (reply message.Body, err error)
	OnFinish(ctx context.Context, sc *ServiceConn)
}

// Manager accepts connections, bounds how many are served concurrently,
// verifies the REQUEST_PERSIST_INIT credential, and drives each
// connection's framed message loop against a Handler.
type Manager struct {
	sem     *semaphore.Weighted
	slots   []atomic.Pointer[ServiceConn]
	handler Handler
	auth    auth.Provider
	log     xlog.Logger

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewManager builds a Manager with the given concurrency bound. capacity
// <= 0 defaults to MaxThreadCount. A nil authP accepts every credential
// (equivalent to auth.NoAuth{}).
func NewManager(capacity int, authP auth.Provider, h Handler, log xlog.Logger) *Manager {
	if capacity <= 0 {
		capacity = MaxThreadCount
	}
	if authP == nil {
		authP = auth.NoAuth{}
	}
	if log == nil {
		log = xlog.Discard()
	}
	return &Manager{
		sem:     semaphore.NewWeighted(int64(capacity)),
		slots:   make([]atomic.Pointer[ServiceConn], capacity),
		handler: h,
		auth:    authP,
		log:     log,
	}
}

// Serve runs the accept loop against ln until ctx is cancelled, which
// closes ln, spawning one worker goroutine per accepted connection.
// Shutdown does not close ln; an Accept error seen after Shutdown or
// cancellation is a clean exit and Serve returns nil.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if m.shuttingDown.Load() || ctx.Err() != nil {
				return nil
			}
			return perrors.New(perrors.TransportFatal, "accept failed", err)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handle(ctx, raw)
		}()
	}
}

func (m *Manager) handle(ctx context.Context, raw net.Conn) {
	slot, err := m.reserveSlot(ctx)
	if err != nil {
		_ = raw.Close()
		metrics.ServerConnectionsRejectedTotal.Inc()
		return
	}
	defer m.releaseSlot(slot)

	fc, err := frame.NewConn(raw, m.log)
	if err != nil {
		_ = raw.Close()
		metrics.ServerConnectionsRejectedTotal.Inc()
		return
	}
	defer fc.Close()

	sc := &ServiceConn{
		socket:     fc,
		ConnID:     uuid.NewString(),
		RemoteAddr: raw.RemoteAddr().String(),
		Version:    message.CurrentProtoVersion,
		slot:       slot,
	}
	m.slots[slot].Store(sc)
	defer m.slots[slot].Store(nil)

	metrics.ServerConnectionsAcceptedTotal.Inc()
	start := time.Now()
	m.log.WithField("conn_id", sc.ConnID).WithField("remote", sc.RemoteAddr).Debugf("connection accepted")
	defer func() {
		metrics.ServerConnectionAgeSeconds.Observe(time.Since(start).Seconds())
	}()

	m.processServiceConnection(ctx, sc)
	m.handler.OnFinish(ctx, sc)
}

// reserveSlot blocks until a pool unit is available, then claims the
// first free slot index. It is safe for the scan to race other
// reservers: the semaphore already guarantees at most len(m.slots)
// concurrent holders, so there is always at least one CAS target.
func (m *Manager) reserveSlot(ctx context.Context) (int, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return 0, perrors.New(perrors.ShutdownErr, "reserve slot cancelled", err)
	}
	placeholder := &ServiceConn{}
	for {
		for i := range m.slots {
			if m.slots[i].CompareAndSwap(nil, placeholder) {
				metrics.ServerSlotsInUse.Inc()
				return i, nil
			}
		}
	}
}

func (m *Manager) releaseSlot(i int) {
	m.slots[i].Store(nil)
	m.sem.Release(1)
	metrics.ServerSlotsInUse.Dec()
}

// processServiceConnection runs the per-connection state machine: it
// receives frames until EOF, shutdown, or a fatal reply, enforcing that
// REQUEST_PERSIST_INIT is exactly the first RPC on the socket.
func (m *Manager) processServiceConnection(ctx context.Context, sc *ServiceConn) {
	first := true
	for {
		if m.shuttingDown.Load() {
			return
		}

		raw, err := sc.socket.Recv(ctx)
		if err != nil {
			return
		}

		reply, fatal := m.processMsg(ctx, sc, raw, first)
		first = false

		if reply != nil {
			if err = sc.socket.Send(ctx, message.Encode(reply, sc.Version)); err != nil {
				return
			}
		}
		if fatal {
			return
		}
	}
}

// processMsg decodes one frame, enforces the init-first state machine,
// and dispatches to the Handler, returning the reply to send (if any) and
// whether the connection must now close.
func (m *Manager) processMsg(ctx context.Context, sc *ServiceConn, raw []byte, first bool) (message.Body, bool) {
	body, err := message.Decode(raw, sc.Version)
	if err != nil {
		return &message.PersistRC{Comment: "Failed to unpack message", ReturnCode: RCEinval}, false
	}

	kind := body.Kind()
	if first && kind != message.KindRequestPersistInit {
		return &message.PersistRC{Comment: "Initial RPC not REQUEST_PERSIST_INIT", ReturnCode: RCEinval}, true
	}
	if !first && kind == message.KindRequestPersistInit {
		return &message.PersistRC{Comment: "REQUEST_PERSIST_INIT received after connection established", ReturnCode: RCEinval}, true
	}

	if init, ok := body.(*message.RequestPersistInit); ok {
		uid, authErr := m.auth.Verify(auth.Credential(init.Credential))
		if authErr != nil {
			return &message.PersistRC{Comment: "credential rejected", ReturnCode: RCAccessDenied}, true
		}
		sc.ClusterName = init.ClusterName
		sc.PersistType = init.PersistType
		sc.Version = init.Version
		sc.AuthUID = uid
	}

	reply, err := m.handler.OnMessage(ctx, sc, body, first)
	if err != nil {
		return &message.PersistRC{Comment: err.Error(), ReturnCode: RCEinval}, true
	}

	fatal, rc := replyReturnCode(reply)
	if !fatal && rc != 0 && !positiveRC[rc] {
		m.log.WithField("rc", rc).Debugf("dispatch: non-whitelisted but non-fatal return code")
	}
	return reply, fatal
}

// replyReturnCode inspects a reply's return code against the positive
// whitelist: ACCESS_DENIED and PROTOCOL_VERSION_ERROR always end the
// connection; any other non-whitelisted code is left to the caller's
// own judgement and treated as non-fatal, matching the spec's "positive
// whitelist does not terminate" framing without inventing a fatal
// default for codes this server was never told to treat specially.
func replyReturnCode(reply message.Body) (fatal bool, rc uint32) {
	switch m := reply.(type) {
	case *message.PersistRC:
		rc = m.ReturnCode
	case *message.DBDRC:
		rc = m.ReturnCode
	default:
		return false, 0
	}
	return rc == RCAccessDenied || rc == RCProtocolVersionError, rc
}

// Shutdown marks the manager as shutting down, interrupts every occupied
// connection's blocking receive by closing its socket, and waits for all
// in-flight connection goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)

	for i := range m.slots {
		if sc := m.slots[i].Load(); sc != nil && sc.socket != nil {
			_ = sc.socket.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return perrors.New(perrors.ShutdownErr, "manager shutdown timed out waiting for workers", ctx.Err())
	}
}
