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

// Package xlog provides the structured logger used throughout this module.
// It wraps logrus with a small Level enum and a Logger interface so that
// call sites never import logrus directly, matching how the rest of this
// repo avoids leaking a specific third-party type across package
// boundaries.
package xlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the subset of syslog-style levels this module emits:
// restart warnings, protocol errors, and debug tracing of the frame/agent
// loops.
type Level uint8

const (
	// NilLevel discards everything.
	NilLevel Level = iota
	DebugLevel
	InfoLevel
	NoticeLevel
	WarnLevel
	ErrorLevel
	CriticalLevel
)

func (l Level) logrus() logrus.Level {
	switch l {
	case NilLevel:
		return logrus.PanicLevel // never actually logged, see SetLevel
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel, NoticeLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case CriticalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

var levelNames = map[string]Level{
	"debug":    DebugLevel,
	"info":     InfoLevel,
	"notice":   NoticeLevel,
	"warn":     WarnLevel,
	"warning":  WarnLevel,
	"error":    ErrorLevel,
	"critical": CriticalLevel,
	"none":     NilLevel,
}

// ParseLevel resolves a level name (as accepted by a --log-level flag)
// into a Level, defaulting to InfoLevel for anything unrecognized.
func ParseLevel(s string) Level {
	if lvl, ok := levelNames[s]; ok {
		return lvl
	}
	return InfoLevel
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger is the logging surface every package in this module depends on.
type Logger interface {
	WithField(key string, val interface{}) Logger
	WithFields(f Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Noticef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})
}

type logger struct {
	e *logrus.Entry
}

// New returns a Logger writing to w at the given level. Passing a nil w
// defaults to os.Stderr.
func New(module string, lvl Level, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl.logrus())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logger{e: l.WithField("module", module)}
}

func (l *logger) WithField(key string, val interface{}) Logger {
	return &logger{e: l.e.WithField(key, val)}
}

func (l *logger) WithFields(f Fields) Logger {
	return &logger{e: l.e.WithFields(logrus.Fields(f))}
}

func (l *logger) WithError(err error) Logger {
	return &logger{e: l.e.WithError(err)}
}

func (l *logger) Debugf(format string, args ...interface{})  { l.e.Debugf(format, args...) }
func (l *logger) Infof(format string, args ...interface{})   { l.e.Infof(format, args...) }
func (l *logger) Noticef(format string, args ...interface{}) { l.e.Infof(format, args...) }
func (l *logger) Warnf(format string, args ...interface{})   { l.e.Warnf(format, args...) }
func (l *logger) Errorf(format string, args ...interface{})  { l.e.Errorf(format, args...) }
func (l *logger) Criticalf(format string, args ...interface{}) {
	l.e.Logf(logrus.FatalLevel, "CRIT: "+format, args...)
}

// Discard returns a Logger that drops every line, used by components that
// were not given a logger explicitly.
func Discard() Logger {
	return New("discard", NilLevel, io.Discard)
}
