// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadBufferInsufficientBytes(t *testing.T) {
	buf := NewReadBuffer(10)
	_, err := buf.ReadU8()
	var insufficient *InsufficientBytesError
	if !errors.As(err, &insufficient) || insufficient.Requested != 1 || insufficient.Available != 0 {
		t.Fatalf("got %v, want InsufficientBytesError(1, 0)", err)
	}
}

func TestReadBufferCompactsOnFullTail(t *testing.T) {
	buf := NewReadBuffer(3)

	if _, err := buf.ReadSome(bytes.NewReader([]byte{0x01, 0x02, 0x03})); err != nil {
		t.Fatal(err)
	}
	got, err := buf.Read(2)
	if err != nil || !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("got %v, %v", got, err)
	}

	// One unread byte (0x03) remains at index 2; the tail is full, so
	// ReadSome must compact before it can accept more.
	if _, err := buf.ReadSome(bytes.NewReader([]byte{0x04, 0x05})); err != nil {
		t.Fatal(err)
	}
	got, err = buf.Read(3)
	if err != nil || !bytes.Equal(got, []byte{0x03, 0x04, 0x05}) {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestReadBufferResetsWhenEmpty(t *testing.T) {
	buf := NewReadBuffer(4)
	if _, err := buf.ReadSome(bytes.NewReader([]byte{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	if _, err := buf.Read(4); err != nil {
		t.Fatal(err)
	}
	if _, err := buf.ReadSome(bytes.NewReader([]byte{9, 9, 9, 9})); err != nil {
		t.Fatal(err)
	}
	got, err := buf.Read(4)
	if err != nil || !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestReadBufferResetDiscardsBufferedBytes(t *testing.T) {
	buf := NewReadBuffer(4)
	if _, err := buf.ReadSome(bytes.NewReader([]byte{1, 2, 3})); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", buf.Len())
	}

	buf.Reset()

	if buf.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", buf.Len())
	}
	if _, err := buf.ReadSome(bytes.NewReader([]byte{9, 9, 9, 9})); err != nil {
		t.Fatal(err)
	}
	got, err := buf.Read(4)
	if err != nil || !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Fatalf("got %v, %v, want [9 9 9 9]", got, err)
	}
}

type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) { return 0, nil }

func TestReadBufferZeroReadIsEOF(t *testing.T) {
	buf := NewReadBuffer(4)
	_, err := buf.ReadSome(zeroReader{})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriteCursorOverflow(t *testing.T) {
	c := NewWriteCursor(make([]byte, 2))
	if err := c.WriteU16BE(1); err != nil {
		t.Fatal(err)
	}
	err := c.WriteU8(1)
	var overflow *InsufficientWriteSpaceError
	if !errors.As(err, &overflow) {
		t.Fatalf("got %v, want InsufficientWriteSpaceError", err)
	}
}

func TestWriteCursorSeek(t *testing.T) {
	c := NewWriteCursor(make([]byte, 4))
	if err := c.WriteU16BE(0); err != nil {
		t.Fatal(err)
	}
	if err := c.SeekFromStart(0); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteU16BE(0xBEEF); err != nil {
		t.Fatal(err)
	}
	if err := c.SeekFromCurrent(-2); err != nil {
		t.Fatal(err)
	}
	if c.Position() != 0 {
		t.Fatalf("position = %d, want 0", c.Position())
	}

	var badSeek *BadSeekError
	if err := c.SeekFromStart(5); !errors.As(err, &badSeek) {
		t.Fatalf("got %v, want BadSeekError", err)
	}
}
