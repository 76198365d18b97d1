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

// Package persistconn implements the PersistentConnection object: one
// socket, the negotiated protocol version, and the small flag set every
// RPC on that socket is sent under. Open performs the dial and the
// REQUEST_PERSIST_INIT/PERSIST_RC handshake in one call; Reopen repeats
// it on a fresh socket after a transport failure without discarding the
// caller-visible Conn value.
package persistconn

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/nabbar/persistdbd/auth"
	"github.com/nabbar/persistdbd/frame"
	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/xlog"
)

// Flags is a bitmask of per-connection behavior toggles, carried the same
// way netproto.NetworkProtocol carries its wire/text forms so it can be
// logged and configured without bespoke formatting at every call site.
type Flags uint8

const (
	// FlagDBD marks a connection used for DBD accounting RPCs (as opposed
	// to some other persistent-connection consumer).
	FlagDBD Flags = 1 << iota
	// FlagReconnect allows Reopen to be called automatically by the owner
	// on transport failure.
	FlagReconnect
	// FlagSuppressErr is carried in Flags and rendered by String; nothing
	// in this package reads it, so it does not change any logging.
	FlagSuppressErr
	// FlagAlreadyInited marks a connection that has completed negotiate
	// once. Reopen still repeats the full REQUEST_PERSIST_INIT, cluster
	// identity fields included.
	FlagAlreadyInited
)

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FlagDBD, "dbd"},
	{FlagReconnect, "reconnect"},
	{FlagSuppressErr, "suppress_err"},
	{FlagAlreadyInited, "already_inited"},
}

// String renders the set bits as a "|"-joined list, e.g. "dbd|reconnect".
func (f Flags) String() string {
	s := ""
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += fn.name
		}
	}
	return s
}

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// MarshalText implements encoding.TextMarshaler.
func (f Flags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Conn is one negotiated persistent connection: a socket, the protocol
// version it speaks (always message.CurrentProtoVersion), and the flags
// governing its lifecycle. Only the
// goroutine that owns a Conn may call Send/Recv on it (single-writer,
// single-reader invariant); Shutdown may be observed from any goroutine.
type Conn struct {
	netConn *frame.Conn
	raw     net.Conn

	RemoteHost string
	RemotePort int
	LocalPort  int

	ClusterName       string
	PersistType       uint16
	NegotiatedVersion message.ProtocolVersion

	Flags Flags

	AuthUID string

	lastCommFail atomic.Int64 // unix seconds, 0 = never
	shutdown     *atomic.Bool

	auth   auth.Provider
	log    xlog.Logger
	dialFn func(ctx context.Context, network, address string) (net.Conn, error)
	network string
	address string
}

// Option configures a Conn at Open time.
type Option func(*Conn)

// WithLogger attaches a logger used for connection-lifecycle messages.
func WithLogger(l xlog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithDialer overrides the dial function, used by tests to connect
// in-process listeners without a real network round trip.
func WithDialer(fn func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(c *Conn) { c.dialFn = fn }
}

// Open dials address over network, then runs negotiate to complete the
// REQUEST_PERSIST_INIT/PERSIST_RC handshake. shutdown is a shared flag
// the owning daemon flips; IsShutdown reports it, but Send, Recv and the
// handshake do not read it and unwind only when ctx is cancelled.
func Open(ctx context.Context, network, address, clusterName string, persistType uint16, localPort int, flags Flags, provider auth.Provider, shutdown *atomic.Bool, opts ...Option) (*Conn, error) {
	c := &Conn{
		ClusterName: clusterName,
		PersistType: persistType,
		LocalPort:   localPort,
		Flags:       flags,
		shutdown:    shutdown,
		auth:        provider,
		log:         xlog.Discard(),
		dialFn:      (&net.Dialer{}).DialContext,
		network:     network,
		address:     address,
	}
	for _, o := range opts {
		o(c)
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	if err := c.negotiate(ctx); err != nil {
		_ = c.netConn.Close()
		return nil, err
	}
	c.Flags |= FlagAlreadyInited
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	raw, err := c.dialFn(ctx, c.network, c.address)
	if err != nil {
		return perrors.New(perrors.TransportRetry, "dial failed", err)
	}
	fc, err := frame.NewConn(raw, c.log)
	if err != nil {
		_ = raw.Close()
		return err
	}
	c.raw = raw
	c.netConn = fc
	if host, port, ok := splitHostPort(raw.RemoteAddr().String()); ok {
		c.RemoteHost, c.RemotePort = host, port
	}
	return nil
}

func splitHostPort(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	var port int
	if _, err = fmt.Sscanf(portStr, "%d", &port); err != nil {
		return host, 0, true
	}
	return host, port, true
}

// negotiate sends REQUEST_PERSIST_INIT and waits for the PERSIST_RC reply,
// pinning NegotiatedVersion on success. AuthUID is not set here: the reply
// carries no identity.
func (c *Conn) negotiate(ctx context.Context) error {
	cred, err := c.auth.Create()
	if err != nil {
		return perrors.New(perrors.AuthFailed, "credential create failed", err)
	}

	init := &message.RequestPersistInit{
		Version:     message.CurrentProtoVersion,
		ClusterName: c.ClusterName,
		PersistType: c.PersistType,
		LocalPort:   uint16(c.LocalPort),
		Credential:  cred,
	}
	if err = c.netConn.Send(ctx, message.Encode(init, message.CurrentProtoVersion)); err != nil {
		return err
	}

	raw, err := c.netConn.Recv(ctx)
	if err != nil {
		return err
	}
	body, err := message.Decode(raw, message.CurrentProtoVersion)
	if err != nil {
		return err
	}
	rc, ok := body.(*message.PersistRC)
	if !ok {
		return perrors.New(perrors.AuthFailed, fmt.Sprintf("unexpected handshake reply kind %s", body.Kind()), nil)
	}
	if rc.ReturnCode != 0 {
		return perrors.New(perrors.AuthFailed, rc.Comment, nil)
	}

	c.NegotiatedVersion = message.CurrentProtoVersion
	return nil
}

// Reopen closes the current socket (if any) and repeats Open's dial and
// handshake, reusing the Conn's configuration. It is a no-op failure path
// if FlagReconnect is not set.
func (c *Conn) Reopen(ctx context.Context) error {
	if !c.Flags.Has(FlagReconnect) {
		return perrors.New(perrors.TransportFatal, "reconnect disabled", nil)
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
	if err := c.dial(ctx); err != nil {
		return err
	}
	return c.negotiate(ctx)
}

// Send writes one already-encoded frame to the connection.
func (c *Conn) Send(ctx context.Context, raw []byte) error {
	return c.netConn.Send(ctx, raw)
}

// Recv reads one frame from the connection.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	return c.netConn.Recv(ctx)
}

// Close tears down the underlying socket.
func (c *Conn) Close() error {
	if c.netConn == nil {
		return nil
	}
	return c.netConn.Close()
}

// IsShutdown reports whether the shared shutdown flag has been raised.
func (c *Conn) IsShutdown() bool {
	return c.shutdown != nil && c.shutdown.Load()
}

// MarkCommFail records the current time as the last communication
// failure, used by callers to rate-limit repeated failure logging.
func (c *Conn) MarkCommFail() {
	c.lastCommFail.Store(time.Now().Unix())
}

// SinceLastCommFail returns the time elapsed since the last MarkCommFail
// call, or 0 if none has occurred.
func (c *Conn) SinceLastCommFail() time.Duration {
	last := c.lastCommFail.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(last, 0))
}
