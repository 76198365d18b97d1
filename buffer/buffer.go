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

// Package buffer implements the wire-level byte codec shared by every
// message kind: a growable byte store with one cursor, big-endian
// fixed-width integers, length-prefixed strings and byte slices, and a
// NULL sentinel for optional strings. Every Unpack* primitive validates
// the remaining length before touching it and returns a perrors.UnpackError
// on a short read instead of panicking or reading out of bounds.
package buffer

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/nabbar/persistdbd/perrors"
)

// nullLen is the sentinel length value marking a NULL string on the wire.
const nullLen uint32 = 0xFFFFFFFF

// Buffer is a byte store with one cursor serving both as the write
// position while packing and as the read position while unpacking.
type Buffer struct {
	data   []byte
	offset int
}

// New allocates an empty Buffer ready for packing, pre-sizing its backing
// store to capacity bytes.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, 0, capacity)}
}

// FromBytes wraps an existing byte slice for unpacking. The slice is
// copied so the Buffer owns storage independent from the caller's.
func FromBytes(b []byte) *Buffer {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Buffer{data: cp}
}

// Offset returns the current cursor position.
func (b *Buffer) Offset() int {
	return b.offset
}

// SetOffset repositions the cursor, failing if n falls outside the
// buffer's current length.
func (b *Buffer) SetOffset(n int) error {
	if n < 0 || n > len(b.data) {
		return perrors.New(perrors.UnpackError, "offset out of range", nil)
	}
	b.offset = n
	return nil
}

// Len returns the total number of bytes currently held.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Remaining returns the number of unread bytes ahead of the cursor.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.offset
}

// Bytes returns the full backing slice. Callers must not retain it past
// the Buffer's lifetime if they intend to keep packing into it.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset empties the buffer and rewinds the cursor, keeping the backing
// array for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.offset = 0
}

func (b *Buffer) grow(n int) []byte {
	start := len(b.data)
	b.data = append(b.data, make([]byte, n)...)
	b.offset = len(b.data)
	return b.data[start:]
}

func (b *Buffer) need(n int) error {
	if b.Remaining() < n {
		return perrors.New(perrors.UnpackError, "short read", io.ErrUnexpectedEOF)
	}
	return nil
}

// PackU8 appends one byte.
func (b *Buffer) PackU8(v uint8) {
	b.grow(1)[0] = v
}

// PackU16 appends a big-endian uint16.
func (b *Buffer) PackU16(v uint16) {
	binary.BigEndian.PutUint16(b.grow(2), v)
}

// PackU32 appends a big-endian uint32.
func (b *Buffer) PackU32(v uint32) {
	binary.BigEndian.PutUint32(b.grow(4), v)
}

// PackU64 appends a big-endian uint64.
func (b *Buffer) PackU64(v uint64) {
	binary.BigEndian.PutUint64(b.grow(8), v)
}

// PackTime appends t as seconds since the Unix epoch.
func (b *Buffer) PackTime(t time.Time) {
	b.PackU64(uint64(t.Unix()))
}

// PackString appends a required (never-NULL) string as {u32 length, bytes}.
func (b *Buffer) PackString(s string) {
	b.PackU32(uint32(len(s)))
	copy(b.grow(len(s)), s)
}

// PackStringNullable appends an optional string. A nil pointer is encoded
// as the 0xFFFFFFFF length sentinel and distinguishable on unpack from an
// empty (non-nil, zero-length) string.
func (b *Buffer) PackStringNullable(s *string) {
	if s == nil {
		b.PackU32(nullLen)
		return
	}
	b.PackString(*s)
}

// PackBytes appends a raw byte slice as {u32 length, bytes}.
func (b *Buffer) PackBytes(p []byte) {
	b.PackU32(uint32(len(p)))
	copy(b.grow(len(p)), p)
}

// PackStringArray appends {u32 count, count x string}.
func (b *Buffer) PackStringArray(arr []string) {
	b.PackU32(uint32(len(arr)))
	for _, s := range arr {
		b.PackString(s)
	}
}

// UnpackU8 reads one byte, advancing the cursor.
func (b *Buffer) UnpackU8() (uint8, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.offset]
	b.offset++
	return v, nil
}

// UnpackU16 reads a big-endian uint16, advancing the cursor.
func (b *Buffer) UnpackU16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.data[b.offset:])
	b.offset += 2
	return v, nil
}

// UnpackU32 reads a big-endian uint32, advancing the cursor.
func (b *Buffer) UnpackU32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.offset:])
	b.offset += 4
	return v, nil
}

// UnpackU64 reads a big-endian uint64, advancing the cursor.
func (b *Buffer) UnpackU64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.data[b.offset:])
	b.offset += 8
	return v, nil
}

// UnpackTime reads a u64 seconds-since-epoch value as a time.Time in UTC.
func (b *Buffer) UnpackTime() (time.Time, error) {
	v, err := b.UnpackU64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func (b *Buffer) unpackLen() (uint32, error) {
	return b.UnpackU32()
}

// UnpackString reads a required string, rejecting the NULL sentinel as a
// protocol error.
func (b *Buffer) UnpackString() (string, error) {
	n, err := b.unpackLen()
	if err != nil {
		return "", err
	}
	if n == nullLen {
		return "", perrors.New(perrors.UnpackError, "unexpected NULL string", nil)
	}
	if err = b.need(int(n)); err != nil {
		return "", err
	}
	s := string(b.data[b.offset : b.offset+int(n)])
	b.offset += int(n)
	return s, nil
}

// UnpackStringNullable reads an optional string, returning a nil pointer
// for the NULL sentinel and a non-nil pointer (possibly to an empty
// string) otherwise.
func (b *Buffer) UnpackStringNullable() (*string, error) {
	n, err := b.unpackLen()
	if err != nil {
		return nil, err
	}
	if n == nullLen {
		return nil, nil
	}
	if err = b.need(int(n)); err != nil {
		return nil, err
	}
	s := string(b.data[b.offset : b.offset+int(n)])
	b.offset += int(n)
	return &s, nil
}

// UnpackBytes reads a raw byte slice previously written by PackBytes.
func (b *Buffer) UnpackBytes() ([]byte, error) {
	n, err := b.unpackLen()
	if err != nil {
		return nil, err
	}
	if err = b.need(int(n)); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	copy(p, b.data[b.offset:b.offset+int(n)])
	b.offset += int(n)
	return p, nil
}

// UnpackStringArray reads {u32 count, count x string}. The count is
// sanity-checked against the remaining bytes (every element costs at
// least 4 bytes for its own length prefix) before looping, so a corrupted
// count fails immediately instead of spinning.
func (b *Buffer) UnpackStringArray() ([]string, error) {
	count, err := b.UnpackU32()
	if err != nil {
		return nil, err
	}
	if int64(count) > int64(b.Remaining())/4 {
		return nil, perrors.New(perrors.UnpackError, "string array count exceeds remaining bytes", nil)
	}
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := b.UnpackString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Read implements io.Reader over the unread portion of the buffer, so a
// Buffer can be handed to io.Copy-style helpers.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Remaining() == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.offset:])
	b.offset += n
	return n, nil
}

// Write implements io.Writer by appending p, matching PackBytes' raw
// append-only semantics without the length prefix.
func (b *Buffer) Write(p []byte) (int, error) {
	copy(b.grow(len(p)), p)
	return len(p), nil
}
