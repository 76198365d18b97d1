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

// Package perrors implements the error taxonomy for the persistent-connection
// RPC agent: a small set of numeric CodeError values (TransportRetry,
// TransportFatal, AuthFailed, ProtocolVersionMismatch, UnpackError,
// QueueFull, ShutdownErr) each carrying a stack frame and an optional
// parent error, in the spirit of a CodeError/Error split rather than plain
// sentinel errors.
package perrors

import (
	"errors"
	"fmt"
	"runtime"
)

// CodeError is a small numeric classification of failure, analogous to an
// HTTP status code, attached to every error this module returns.
type CodeError uint16

const (
	// UnknownError is the zero value, used only as a fallback.
	UnknownError CodeError = iota

	// TransportRetry covers short writes, POLLHUP with reconnect enabled,
	// and EINTR: the caller (agent worker, frame helpers) recovers locally.
	TransportRetry

	// TransportFatal covers POLLNVAL, an unrecoverable write after the
	// retry budget, or a malformed frame length: the connection is closed.
	TransportFatal

	// AuthFailed covers a handshake ACCESS_DENIED or a first RPC that is
	// not REQUEST_PERSIST_INIT. Not retried within the same attempt chain.
	AuthFailed

	// ProtocolVersionMismatch covers a negotiated version below the
	// minimum either side accepts.
	ProtocolVersionMismatch

	// UnpackError covers exhausted body bytes or an out-of-range field.
	UnpackError

	// QueueFull covers an agent queue saturated even after purge.
	QueueFull

	// ShutdownErr covers an operation aborted by a shutdown signal,
	// treated by callers as a clean EOF.
	ShutdownErr
)

var codeNames = map[CodeError]string{
	UnknownError:            "unknown error",
	TransportRetry:          "transport retry",
	TransportFatal:          "transport fatal",
	AuthFailed:              "auth failed",
	ProtocolVersionMismatch: "protocol version mismatch",
	UnpackError:             "unpack error",
	QueueFull:               "queue full",
	ShutdownErr:             "shutdown",
}

// String returns the human-readable label for the code, or "unknown error"
// for any value not in the predefined set.
func (c CodeError) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[UnknownError]
}

// Error is the module's error type: a code, an optional message, an
// optional parent error, and the call site that raised it.
type Error interface {
	error

	// Code returns the CodeError classification.
	Code() CodeError

	// IsCode reports whether this error (not its parent) carries code.
	IsCode(code CodeError) bool

	// HasCode reports whether this error or any ancestor carries code.
	HasCode(code CodeError) bool

	// Parent returns the wrapped error, or nil if there is none.
	Parent() error

	// Unwrap supports errors.Is / errors.As against the parent chain.
	Unwrap() error
}

type baseError struct {
	code   CodeError
	msg    string
	parent error
	file   string
	line   int
}

// Error implements the error interface.
func (e *baseError) Error() string {
	if e.msg == "" {
		if e.parent != nil {
			return fmt.Sprintf("%s: %s", e.code, e.parent.Error())
		}
		return e.code.String()
	}
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %s", e.code, e.msg, e.parent.Error())
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *baseError) Code() CodeError {
	return e.code
}

func (e *baseError) IsCode(code CodeError) bool {
	return e.code == code
}

func (e *baseError) HasCode(code CodeError) bool {
	if e.code == code {
		return true
	}
	var p Error
	if errors.As(e.parent, &p) {
		return p.HasCode(code)
	}
	return false
}

func (e *baseError) Parent() error {
	return e.parent
}

func (e *baseError) Unwrap() error {
	return e.parent
}

// New builds an Error for code with the given message and optional parent,
// capturing the immediate caller's file and line.
func New(code CodeError, msg string, parent error) Error {
	_, file, line, _ := runtime.Caller(1)
	return &baseError{code: code, msg: msg, parent: parent, file: file, line: line}
}

// Wrap is a convenience for New(code, "", parent).
func Wrap(code CodeError, parent error) Error {
	_, file, line, _ := runtime.Caller(1)
	return &baseError{code: code, parent: parent, file: file, line: line}
}

// Is reports whether err (or any error in its chain) is an Error with the
// given code, so callers can write `perrors.Is(err, perrors.QueueFull)`.
func Is(err error, code CodeError) bool {
	var e Error
	if errors.As(err, &e) {
		return e.HasCode(code)
	}
	return false
}
