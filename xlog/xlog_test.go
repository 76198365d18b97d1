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

package xlog_test

import (
	"bytes"
	"errors"
	"strings"

	"github.com/nabbar/persistdbd/xlog"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseLevel", func() {
	It("resolves every documented level name", func() {
		Expect(xlog.ParseLevel("debug")).To(Equal(xlog.DebugLevel))
		Expect(xlog.ParseLevel("warning")).To(Equal(xlog.WarnLevel))
		Expect(xlog.ParseLevel("critical")).To(Equal(xlog.CriticalLevel))
		Expect(xlog.ParseLevel("none")).To(Equal(xlog.NilLevel))
	})

	It("defaults an unrecognized name to InfoLevel", func() {
		Expect(xlog.ParseLevel("verbose")).To(Equal(xlog.InfoLevel))
	})
})

var _ = Describe("Logger", func() {
	It("writes a formatted line carrying the module and attached fields", func() {
		buf := &bytes.Buffer{}
		log := xlog.New("persistd", xlog.DebugLevel, buf)
		log.WithField("conn_id", "abc123").Infof("connection accepted")

		out := buf.String()
		Expect(out).To(ContainSubstring("module=persistd"))
		Expect(out).To(ContainSubstring("conn_id=abc123"))
		Expect(out).To(ContainSubstring("connection accepted"))
	})

	It("attaches an error via WithError", func() {
		buf := &bytes.Buffer{}
		log := xlog.New("agent", xlog.DebugLevel, buf)
		log.WithError(errors.New("dial refused")).Errorf("reconnect failed")

		Expect(buf.String()).To(ContainSubstring("dial refused"))
	})

	It("suppresses lines below the configured level", func() {
		buf := &bytes.Buffer{}
		log := xlog.New("agent", xlog.WarnLevel, buf)
		log.Debugf("should not appear")
		log.Infof("should not appear either")

		Expect(strings.TrimSpace(buf.String())).To(BeEmpty())
	})
})

var _ = Describe("Discard", func() {
	It("never panics and produces no visible output", func() {
		log := xlog.Discard()
		Expect(func() {
			log.WithField("k", "v").WithFields(xlog.Fields{"a": 1}).Criticalf("ignored")
		}).ToNot(Panic())
	})
})
