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

package dispatch_test

import (
	"context"

	"github.com/nabbar/persistdbd/dispatch"
	"github.com/nabbar/persistdbd/message"
	"github.com/nabbar/persistdbd/persistsrv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Echo", func() {
	It("replies success to REQUEST_PERSIST_INIT and journals the kind", func() {
		e := dispatch.NewEcho(nil)
		sc := &persistsrv.ServiceConn{}

		reply, err := e.OnMessage(context.Background(), sc, &message.RequestPersistInit{ClusterName: "c1", Credential: []byte("uid-42")}, true)
		Expect(err).ToNot(HaveOccurred())
		rc, ok := reply.(*message.PersistRC)
		Expect(ok).To(BeTrue())
		Expect(rc.ReturnCode).To(Equal(persistsrv.RCSuccess))

		Expect(e.LastKinds()).To(ConsistOf(message.KindRequestPersistInit))
	})

	It("replies DBD_RC success to any other accepted RPC", func() {
		e := dispatch.NewEcho(nil)
		sc := &persistsrv.ServiceConn{}

		reply, err := e.OnMessage(context.Background(), sc, &message.DBDClusterProcs{ClusterName: "c1"}, false)
		Expect(err).ToNot(HaveOccurred())
		rc, ok := reply.(*message.DBDRC)
		Expect(ok).To(BeTrue())
		Expect(rc.ReturnCode).To(Equal(persistsrv.RCSuccess))
	})

	It("keeps only the most recent ring-sized window of kinds", func() {
		e := dispatch.NewEcho(nil)
		sc := &persistsrv.ServiceConn{}
		for i := 0; i < 70; i++ {
			_, _ = e.OnMessage(context.Background(), sc, &message.DBDClusterProcs{}, false)
		}
		Expect(e.LastKinds()).To(HaveLen(64))
	})

	It("does not panic on OnFinish", func() {
		e := dispatch.NewEcho(nil)
		sc := &persistsrv.ServiceConn{ClusterName: "c1"}
		Expect(func() { e.OnFinish(context.Background(), sc) }).ToNot(Panic())
	})
})

var _ = Describe("DecodeReply", func() {
	It("extracts return code and comment from PERSIST_RC", func() {
		rc, comment, err := dispatch.DecodeReply(&message.PersistRC{ReturnCode: 7, Comment: "denied"})
		Expect(err).ToNot(HaveOccurred())
		Expect(rc).To(Equal(int32(7)))
		Expect(comment).To(Equal("denied"))
	})

	It("extracts return code from DBD_RC", func() {
		rc, _, err := dispatch.DecodeReply(&message.DBDRC{ReturnCode: 0})
		Expect(err).ToNot(HaveOccurred())
		Expect(rc).To(Equal(int32(0)))
	})

	It("rejects a body kind with no return code", func() {
		_, _, err := dispatch.DecodeReply(&message.DBDClusterProcs{})
		Expect(err).To(HaveOccurred())
	})
})
