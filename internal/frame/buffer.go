// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package frame implements the MBAP (Modbus Application Protocol)
// header codec: a read buffer for accumulating bytes off the wire, a
// write cursor for assembling an outgoing frame, and the stateful
// frame parser/formatter pair built on top of them.
package frame

import (
	"fmt"
	"io"
)

// ReadBuffer accumulates bytes read from a transport and hands out
// typed big-endian reads. It never copies on the steady-state read
// path; compaction only happens when the backing array is full but
// still holds unread bytes.
type ReadBuffer struct {
	buf   []byte
	begin int
	end   int
}

// NewReadBuffer allocates a ReadBuffer with the given capacity.
func NewReadBuffer(capacity int) *ReadBuffer {
	return &ReadBuffer{buf: make([]byte, capacity)}
}

// Len returns the number of unread bytes currently buffered.
func (r *ReadBuffer) Len() int {
	return r.end - r.begin
}

// Reset discards any buffered bytes, the way a new connection needs a
// buffer free of the previous connection's leftovers.
func (r *ReadBuffer) Reset() {
	r.begin, r.end = 0, 0
}

// InsufficientBytesError reports that a read asked for more bytes than
// were available.
type InsufficientBytesError struct {
	Requested int
	Available int
}

func (e *InsufficientBytesError) Error() string {
	return fmt.Sprintf("requested %d bytes with only %d available", e.Requested, e.Available)
}

// Read returns a slice of exactly n unread bytes, advancing past them.
// The returned slice aliases the buffer's backing array and is only
// valid until the next call to Read, ReadU8, ReadU16BE or ReadSome.
func (r *ReadBuffer) Read(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, &InsufficientBytesError{Requested: n, Available: r.Len()}
	}
	out := r.buf[r.begin : r.begin+n]
	r.begin += n
	return out, nil
}

// ReadU8 reads a single byte.
func (r *ReadBuffer) ReadU8() (byte, error) {
	b, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16BE reads a big-endian 16-bit integer.
func (r *ReadBuffer) ReadU16BE() (uint16, error) {
	b, err := r.Read(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// ReadSome appends whatever is immediately available from t into the
// buffer's free tail, growing the available space by compacting first
// if needed. It returns the number of bytes appended. A zero-length
// read is reported as io.ErrUnexpectedEOF, matching a half-closed TCP
// connection rather than a benign "nothing to do yet".
func (r *ReadBuffer) ReadSome(t io.Reader) (int, error) {
	if r.Len() == 0 {
		r.begin, r.end = 0, 0
	}
	if r.end == len(r.buf) && r.begin != 0 {
		n := r.Len()
		copy(r.buf, r.buf[r.begin:r.end])
		r.begin, r.end = 0, n
	}
	n, err := t.Read(r.buf[r.end:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.end += n
	return n, nil
}
