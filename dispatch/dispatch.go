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

// Package dispatch provides the glue between persistsrv.Manager's
// transport-level state machine and host "domain logic": the
// persistsrv.Handler implementation a real controller or DBD would
// replace, and the client-side helper that turns a received reply body
// into a plain return code. This package's own Echo handler is the
// stand-in used by the integration tests and cmd/persistd's default
// mode — actual accounting storage is out of scope, the same way it is
// for scrun and sbatch.
package dispatch

import (
	"context"
	"sync"

	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/persistsrv"
	"github.com/nabbar/persistdbd/xlog"
)

const ringSize = 64

// Echo is a persistsrv.Handler that accepts every RPC, journals its kind
// to a fixed-size in-memory ring, and replies success. It implements no
// accounting semantics of its own.
type Echo struct {
	mu   sync.Mutex
	ring []message.Kind
	next int
	log  xlog.Logger
}

// NewEcho builds an Echo handler. log may be nil.
func NewEcho(log xlog.Logger) *Echo {
	if log == nil {
		log = xlog.Discard()
	}
	return &Echo{log: log}
}

// OnMessage implements persistsrv.Handler.
func (e *Echo) OnMessage(_ context.Context, sc *persistsrv.ServiceConn, body message.Body, first bool) (message.Body, error) {
	e.mu.Lock()
	if len(e.ring) < ringSize {
		e.ring = append(e.ring, body.Kind())
	} else {
		e.ring[e.next%ringSize] = body.Kind()
	}
	e.next++
	e.mu.Unlock()

	e.log.WithField("conn_id", sc.ConnID).WithField("kind", body.Kind().String()).WithField("uid", sc.AuthUID).Debugf("dispatch: accepted RPC")

	if _, ok := body.(*message.RequestPersistInit); ok {
		return &message.PersistRC{ReturnCode: persistsrv.RCSuccess}, nil
	}
	return &message.DBDRC{ReturnCode: persistsrv.RCSuccess}, nil
}

// OnFinish implements persistsrv.Handler.
func (e *Echo) OnFinish(_ context.Context, sc *persistsrv.ServiceConn) {
	e.log.WithField("cluster", sc.ClusterName).Infof("dispatch: connection closed")
}

// LastKinds returns the most recently accepted RPC kinds, oldest first,
// the data backing a "/debug/last" style inspection endpoint.
func (e *Echo) LastKinds() []message.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]message.Kind, len(e.ring))
	if len(e.ring) < ringSize {
		copy(out, e.ring)
		return out
	}
	for i := range out {
		out[i] = e.ring[(e.next+i)%ringSize]
	}
	return out
}

// DecodeReply extracts the numeric return code and comment text from a
// decoded reply body, the client-side counterpart to a server's
// PERSIST_RC/DBD_RC/DBD_JOB_START_RC replies. It returns an error for any
// body kind that does not carry a return code.
func DecodeReply(body message.Body) (int32, string, error) {
	switch m := body.(type) {
	case *message.PersistRC:
		return int32(m.ReturnCode), m.Comment, nil
	case *message.DBDRC:
		return int32(m.ReturnCode), m.Comment, nil
	case *message.DBDJobStartRC:
		return int32(m.ReturnCode), "", nil
	default:
		return 0, "", perrors.New(perrors.UnpackError, "reply body carries no return code", nil)
	}
}
