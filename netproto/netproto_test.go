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

package netproto_test

import (
	"encoding/json"

	"github.com/nabbar/persistdbd/netproto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"
)

var _ = Describe("Parse and Code", func() {
	It("round-trips every predefined protocol through its wire string", func() {
		for _, p := range []netproto.NetworkProtocol{netproto.NetworkTCP, netproto.NetworkTCP4, netproto.NetworkTCP6, netproto.NetworkUnix} {
			Expect(netproto.Parse(p.Code())).To(Equal(p))
		}
	})

	It("defaults an unrecognized string to NetworkEmpty", func() {
		Expect(netproto.Parse("sctp")).To(Equal(netproto.NetworkEmpty))
	})

	It("reports IsUnix only for the unix protocol", func() {
		Expect(netproto.NetworkUnix.IsUnix()).To(BeTrue())
		Expect(netproto.NetworkTCP.IsUnix()).To(BeFalse())
	})
})

var _ = Describe("marshaling", func() {
	It("marshals and unmarshals through YAML", func() {
		out, err := yaml.Marshal(netproto.NetworkTCP6)
		Expect(err).ToNot(HaveOccurred())

		var p netproto.NetworkProtocol
		Expect(yaml.Unmarshal(out, &p)).ToNot(HaveOccurred())
		Expect(p).To(Equal(netproto.NetworkTCP6))
	})

	It("marshals to a quoted JSON string", func() {
		out, err := json.Marshal(netproto.NetworkUnix)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`"unix"`))
	})
})
