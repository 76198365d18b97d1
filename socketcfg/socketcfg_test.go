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

package socketcfg_test

import (
	"os"
	"path/filepath"

	"github.com/nabbar/persistdbd/netproto"
	"github.com/nabbar/persistdbd/socketcfg"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client", func() {
	It("validates a TCP client with a resolvable address", func() {
		c := socketcfg.Client{Network: netproto.NetworkTCP, Address: "localhost:8080"}
		Expect(c.Validate()).ToNot(HaveOccurred())
	})

	It("validates a unix client with a non-empty path", func() {
		c := socketcfg.Client{Network: netproto.NetworkUnix, Address: "/tmp/persistdbd.sock"}
		Expect(c.Validate()).ToNot(HaveOccurred())
	})

	It("rejects a unix client with an empty path", func() {
		c := socketcfg.Client{Network: netproto.NetworkUnix, Address: ""}
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects an unset protocol", func() {
		var c socketcfg.Client
		Expect(c.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("Server", func() {
	It("validates a TCP server listening address", func() {
		s := socketcfg.Server{Network: netproto.NetworkTCP, Address: ":6819"}
		Expect(s.Validate()).ToNot(HaveOccurred())
	})

	It("rejects an unset protocol", func() {
		var s socketcfg.Server
		Expect(s.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("LoadServerFile", func() {
	It("parses a YAML server config from disk", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "server.yaml")
		content := "network: tcp\naddress: \":6819\"\nmax_conns: 50\n"
		Expect(os.WriteFile(path, []byte(content), 0o600)).ToNot(HaveOccurred())

		s, err := socketcfg.LoadServerFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Network).To(Equal(netproto.NetworkTCP))
		Expect(s.Address).To(Equal(":6819"))
		Expect(s.MaxConns).To(Equal(50))
		Expect(s.Validate()).ToNot(HaveOccurred())
	})

	It("fails when the file does not exist", func() {
		_, err := socketcfg.LoadServerFile(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
