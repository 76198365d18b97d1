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

package persistsrv_test

import (
	"context"
	"net"
	"time"

	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/persistsrv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func listen() net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	return ln
}

var _ = Describe("Manager", func() {
	var (
		ln      net.Listener
		mgr     *persistsrv.Manager
		handler *recordingHandler
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		ln = listen()
		handler = newRecordingHandler()
		mgr = persistsrv.NewManager(4, nil, handler, nil)
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = mgr.Serve(ctx, ln) }()
	})

	AfterEach(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = mgr.Shutdown(shCtx)
	})

	It("completes the handshake and dispatches a follow-up RPC", func() {
		fc := dialAndHandshake(ln.Addr().String())
		defer fc.Close()
		bgCtx := context.Background()

		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "cluster01", PersistType: 1}
		Expect(fc.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())

		reply, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		body, err := message.Decode(reply, message.CurrentProtoVersion)
		Expect(err).ToNot(HaveOccurred())
		rc, ok := body.(*message.DBDRC)
		Expect(ok).To(BeTrue())
		Expect(rc.ReturnCode).To(Equal(uint32(0)))

		procs := &message.DBDClusterProcs{ClusterName: "cluster01", ProcCount: 2}
		Expect(fc.Send(bgCtx, message.Encode(procs, message.CurrentProtoVersion))).ToNot(HaveOccurred())

		reply, err = fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		_, err = message.Decode(reply, message.CurrentProtoVersion)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() []message.Kind { return handler.Kinds }, time.Second).Should(HaveLen(2))
		Expect(handler.Kinds[0]).To(Equal(message.KindRequestPersistInit))
		Expect(handler.Kinds[1]).To(Equal(message.KindDBDClusterProcs))
	})

	It("assigns a distinct connection ID to each accepted socket", func() {
		fc1 := dialAndHandshake(ln.Addr().String())
		defer fc1.Close()
		fc2 := dialAndHandshake(ln.Addr().String())
		defer fc2.Close()
		bgCtx := context.Background()

		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "c"}
		Expect(fc1.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err := fc1.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		Expect(fc2.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err = fc2.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() []string { return handler.ConnIDs }, time.Second).Should(HaveLen(2))
		Expect(handler.ConnIDs[0]).ToNot(Equal(handler.ConnIDs[1]))
		Expect(handler.ConnIDs[0]).ToNot(BeEmpty())
	})

	It("closes the connection without a reply on an undersized frame", func() {
		fc := dialAndHandshake(ln.Addr().String())
		defer fc.Close()
		bgCtx := context.Background()

		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "cluster01"}
		Expect(fc.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())

		Expect(fc.Send(bgCtx, []byte{0x01})).ToNot(HaveOccurred())

		_, err = fc.Recv(bgCtx)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a connection whose first RPC is not REQUEST_PERSIST_INIT", func() {
		fc := dialAndHandshake(ln.Addr().String())
		defer fc.Close()
		bgCtx := context.Background()

		procs := &message.DBDClusterProcs{ClusterName: "cluster01", ProcCount: 2}
		Expect(fc.Send(bgCtx, message.Encode(procs, message.CurrentProtoVersion))).ToNot(HaveOccurred())

		reply, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		body, err := message.Decode(reply, message.CurrentProtoVersion)
		Expect(err).ToNot(HaveOccurred())
		rc, ok := body.(*message.PersistRC)
		Expect(ok).To(BeTrue())
		Expect(rc.ReturnCode).To(Equal(persistsrv.RCEinval))

		_, err = fc.Recv(bgCtx)
		Expect(err).To(HaveOccurred())
	})

	It("ends the connection when the handler returns ACCESS_DENIED", func() {
		handler.replies = []message.Body{&message.DBDRC{ReturnCode: persistsrv.RCAccessDenied, Comment: "nope"}}
		fc := dialAndHandshake(ln.Addr().String())
		defer fc.Close()
		bgCtx := context.Background()

		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "cluster01"}
		Expect(fc.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())

		reply, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		body, err := message.Decode(reply, message.CurrentProtoVersion)
		Expect(err).ToNot(HaveOccurred())
		Expect(body.(*message.DBDRC).ReturnCode).To(Equal(persistsrv.RCAccessDenied))

		_, err = fc.Recv(bgCtx)
		Expect(err).To(HaveOccurred())
	})

	It("replies with an error but keeps the connection open on a malformed body", func() {
		fc := dialAndHandshake(ln.Addr().String())
		defer fc.Close()
		bgCtx := context.Background()

		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "cluster01"}
		Expect(fc.Send(bgCtx, message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())

		Expect(fc.Send(bgCtx, []byte{0xFF, 0xFF})).ToNot(HaveOccurred())
		reply, err := fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
		body, err := message.Decode(reply, message.CurrentProtoVersion)
		Expect(err).ToNot(HaveOccurred())
		Expect(body.(*message.PersistRC).ReturnCode).To(Equal(persistsrv.RCEinval))

		procs := &message.DBDClusterProcs{ClusterName: "cluster01", ProcCount: 1}
		Expect(fc.Send(bgCtx, message.Encode(procs, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err = fc.Recv(bgCtx)
		Expect(err).ToNot(HaveOccurred())
	})

	It("calls OnFinish once the connection closes", func() {
		fc := dialAndHandshake(ln.Addr().String())
		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "cluster01"}
		Expect(fc.Send(context.Background(), message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err := fc.Recv(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(fc.Close()).ToNot(HaveOccurred())

		Eventually(func() bool { return handler.finished }, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	})
})

var _ = Describe("capacity", func() {
	It("bounds concurrent connections to the configured capacity", func() {
		ln := listen()
		handler := newRecordingHandler()
		mgr := persistsrv.NewManager(1, nil, handler, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = mgr.Serve(ctx, ln) }()

		fc1 := dialAndHandshake(ln.Addr().String())
		defer fc1.Close()
		init := &message.RequestPersistInit{Version: message.CurrentProtoVersion, ClusterName: "c1"}
		Expect(fc1.Send(context.Background(), message.Encode(init, message.CurrentProtoVersion))).ToNot(HaveOccurred())
		_, err := fc1.Recv(context.Background())
		Expect(err).ToNot(HaveOccurred())

		raw2, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		Expect(err).ToNot(HaveOccurred())
		defer raw2.Close()

		// The second connection's socket is accepted at the TCP layer but
		// the manager will not start serving it until the first slot frees,
		// so a handshake reply should not arrive promptly.
		_ = raw2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		buf := make([]byte, 1)
		_, err = raw2.Read(buf)
		Expect(err).To(HaveOccurred())
	})
})
