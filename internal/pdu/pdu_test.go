// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package pdu

import (
	"errors"
	"reflect"
	"testing"
)

// TestReadCoilsSuccess is golden vector S1: start=7, count=2, server
// replies with n_bytes=1, data=0x03 (bits 7 and 8 set).
func TestReadCoilsSuccess(t *testing.T) {
	req := EncodeReadRequest(ReadCoils, 7, 2)
	if req[0] != ReadCoils {
		t.Fatalf("unexpected function code byte %#x", req[0])
	}

	bits, err := DecodeReadBits(ReadCoils, ReadCoils, 2, []byte{0x01, 0x03})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bits, []bool{true, true}) {
		t.Errorf("got %v, want [true true]", bits)
	}
}

// TestReadHoldingRegistersException is golden vector S5: server sends
// an exception response with raw byte 2 (illegal data address).
func TestReadHoldingRegistersException(t *testing.T) {
	_, err := DecodeReadRegisters(ReadHoldingRegisters, ReadHoldingRegisters|exceptionBit, 1, []byte{0x02})
	var exc *ExceptionError
	if !errors.As(err, &exc) || exc.Code != 0x02 {
		t.Fatalf("got %v, want ExceptionError(2)", err)
	}
}

// TestWriteSingleCoilEchoMismatch is golden vector S7: requested
// index=5, value=true; server echoes a different value.
func TestWriteSingleCoilEchoMismatch(t *testing.T) {
	data := []byte{0x00, 0x05, 0x00, 0x01}
	_, err := DecodeWriteSingleCoilEcho(WriteSingleCoil, 5, true, data)
	var mismatch *ReplyEchoMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want ReplyEchoMismatchError", err)
	}
}

func TestWriteSingleCoilEchoSuccess(t *testing.T) {
	data := []byte{0x00, 0x05, 0xFF, 0x00}
	got, err := DecodeWriteSingleCoilEcho(WriteSingleCoil, 5, true, data)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Errorf("got %v, want true", got)
	}
}

func TestUnknownCoilState(t *testing.T) {
	data := []byte{0x00, 0x05, 0x12, 0x34}
	_, err := DecodeWriteSingleCoilEcho(WriteSingleCoil, 5, true, data)
	var unknown *UnknownCoilStateError
	if !errors.As(err, &unknown) || unknown.Got != 0x1234 {
		t.Fatalf("got %v, want UnknownCoilStateError(0x1234)", err)
	}
}

func TestUnknownResponseFunction(t *testing.T) {
	_, err := DecodeReadRegisters(ReadHoldingRegisters, ReadInputRegisters, 1, []byte{0x02, 0x00, 0x01})
	var unknown *UnknownResponseFunctionError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownResponseFunctionError", err)
	}
}

func TestReadRegistersByteCountMismatch(t *testing.T) {
	_, err := DecodeReadRegisters(ReadHoldingRegisters, ReadHoldingRegisters, 2, []byte{0x02, 0x00, 0x01})
	var mismatch *InsufficientBytesForByteCountError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want InsufficientBytesForByteCountError", err)
	}
}

func TestReadRegistersTrailingBytes(t *testing.T) {
	_, err := DecodeReadRegisters(ReadHoldingRegisters, ReadHoldingRegisters, 1, []byte{0x02, 0x00, 0x01, 0xFF})
	var trailing *TrailingBytesError
	if !errors.As(err, &trailing) || trailing.N != 1 {
		t.Fatalf("got %v, want TrailingBytesError(1)", err)
	}
}

func TestWriteMultipleEcho(t *testing.T) {
	start, count, err := DecodeWriteMultipleEcho(WriteMultipleRegisters, WriteMultipleRegisters, 1, 2, []byte{0x00, 0x01, 0x00, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if start != 1 || count != 2 {
		t.Errorf("got (%d, %d), want (1, 2)", start, count)
	}
}

// TestBitPackingRoundTrip is property P5.
func TestBitPackingRoundTrip(t *testing.T) {
	for n := 0; n < 64; n++ {
		bits := make([]bool, n)
		for i := range bits {
			bits[i] = i%3 == 0
		}
		packed := PackBits(bits)
		if want := (n + 7) / 8; len(packed) != want {
			t.Fatalf("n=%d: packed length %d, want %d", n, len(packed), want)
		}
		unpacked := UnpackBits(packed, n)
		if !reflect.DeepEqual(unpacked, bits) {
			t.Errorf("n=%d: round trip mismatch", n)
		}
	}
}

func TestEncodeWriteMultipleRegisters(t *testing.T) {
	body := EncodeWriteMultipleRegisters(1, []uint16{3, 4})
	want := []byte{WriteMultipleRegisters, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x03, 0x00, 0x04}
	if !reflect.DeepEqual(body, want) {
		t.Errorf("got % x, want % x", body, want)
	}
}

func TestEncodeWriteMultipleCoils(t *testing.T) {
	body := EncodeWriteMultipleCoils(5, []bool{true, false, true})
	want := []byte{WriteMultipleCoils, 0x00, 0x05, 0x00, 0x03, 0x01, 0x05}
	if !reflect.DeepEqual(body, want) {
		t.Errorf("got % x, want % x", body, want)
	}
}

func TestFormatCoils(t *testing.T) {
	got := FormatCoils(7, []bool{true, false})
	want := "7=1 8=0"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatRegisters(t *testing.T) {
	got := FormatRegisters(10, []uint16{0xBEEF, 1})
	want := "10=0xbeef 11=0x0001"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
