// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package pdu encodes request payloads and decodes response payloads
// for the eight supported Modbus function codes. It is deliberately
// unaware of addressing validation (that belongs to the caller) and
// of the MBAP header (that belongs to package frame); it only ever
// sees and produces bytes that sit between the unit id and the end of
// an ADU.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// Function codes for the eight supported operations.
const (
	ReadCoils              byte = 0x01
	ReadDiscreteInputs     byte = 0x02
	ReadHoldingRegisters   byte = 0x03
	ReadInputRegisters     byte = 0x04
	WriteSingleCoil        byte = 0x05
	WriteSingleRegister    byte = 0x06
	WriteMultipleCoils     byte = 0x0F
	WriteMultipleRegisters byte = 0x10

	exceptionBit byte = 0x80
)

// coilOn / coilOff are the only two legal values for a single coil.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// EncodeReadRequest builds the request body for fc in
// {ReadCoils, ReadDiscreteInputs, ReadHoldingRegisters, ReadInputRegisters}.
func EncodeReadRequest(fc byte, start, count uint16) []byte {
	body := make([]byte, 5)
	body[0] = fc
	binary.BigEndian.PutUint16(body[1:3], start)
	binary.BigEndian.PutUint16(body[3:5], count)
	return body
}

// EncodeWriteSingleCoil builds the request body for WriteSingleCoil.
func EncodeWriteSingleCoil(index uint16, value bool) []byte {
	v := coilOff
	if value {
		v = coilOn
	}
	body := make([]byte, 5)
	body[0] = WriteSingleCoil
	binary.BigEndian.PutUint16(body[1:3], index)
	binary.BigEndian.PutUint16(body[3:5], v)
	return body
}

// EncodeWriteSingleRegister builds the request body for WriteSingleRegister.
func EncodeWriteSingleRegister(index, value uint16) []byte {
	body := make([]byte, 5)
	body[0] = WriteSingleRegister
	binary.BigEndian.PutUint16(body[1:3], index)
	binary.BigEndian.PutUint16(body[3:5], value)
	return body
}

// EncodeWriteMultipleCoils builds the request body for WriteMultipleCoils.
func EncodeWriteMultipleCoils(start uint16, values []bool) []byte {
	packed := PackBits(values)
	body := make([]byte, 6+len(packed))
	body[0] = WriteMultipleCoils
	binary.BigEndian.PutUint16(body[1:3], start)
	binary.BigEndian.PutUint16(body[3:5], uint16(len(values)))
	body[5] = byte(len(packed))
	copy(body[6:], packed)
	return body
}

// EncodeWriteMultipleRegisters builds the request body for WriteMultipleRegisters.
func EncodeWriteMultipleRegisters(start uint16, values []uint16) []byte {
	body := make([]byte, 6+2*len(values))
	body[0] = WriteMultipleRegisters
	binary.BigEndian.PutUint16(body[1:3], start)
	binary.BigEndian.PutUint16(body[3:5], uint16(len(values)))
	body[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(body[6+2*i:8+2*i], v)
	}
	return body
}

// PackBits packs bits into bytes, LSB-first within each byte, per
// Modbus convention: bit i occupies bit (i mod 8) of byte (i div 8).
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits is the inverse of PackBits for the first n bits in data.
func UnpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// FormatCoils renders decoded coil/discrete-input values starting at
// start as a compact, human-readable string for DecodePayload logging.
func FormatCoils(start uint16, values []bool) string {
	var b []byte
	for i, v := range values {
		if i > 0 {
			b = append(b, ' ')
		}
		addr := start + uint16(i)
		c := byte('0')
		if v {
			c = '1'
		}
		b = append(b, fmt.Sprintf("%d=%c", addr, c)...)
	}
	return string(b)
}

// FormatRegisters renders decoded register values starting at start as
// a compact, human-readable string for DecodePayload logging.
func FormatRegisters(start uint16, values []uint16) string {
	var b []byte
	for i, v := range values {
		if i > 0 {
			b = append(b, ' ')
		}
		addr := start + uint16(i)
		b = append(b, fmt.Sprintf("%d=0x%04x", addr, v)...)
	}
	return string(b)
}

// ExceptionError reports a Modbus exception response: the request's
// function code echoed with the high bit set, followed by one
// exception-code byte.
type ExceptionError struct {
	Code byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("exception code %d (%s)", e.Code, exceptionName(e.Code))
}

func exceptionName(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "server device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// UnknownResponseFunctionError reports a response function code that is
// neither the expected success code nor its exception variant.
type UnknownResponseFunctionError struct {
	Want, Got byte
}

func (e *UnknownResponseFunctionError) Error() string {
	return fmt.Sprintf("response function code 0x%02X does not match request 0x%02X (or its exception variant)", e.Got, e.Want)
}

// InsufficientBytesError reports a response body shorter than its
// fixed minimum shape requires.
type InsufficientBytesError struct {
	Requested, Available int
}

func (e *InsufficientBytesError) Error() string {
	return fmt.Sprintf("response body needs %d bytes, has %d", e.Requested, e.Available)
}

// InsufficientBytesForByteCountError reports a declared byte-count
// prefix that the remaining response body cannot satisfy.
type InsufficientBytesForByteCountError struct {
	Declared, Actual int
}

func (e *InsufficientBytesForByteCountError) Error() string {
	return fmt.Sprintf("response declares %d data bytes but only %d are present", e.Declared, e.Actual)
}

// TrailingBytesError reports bytes left over after a response was
// fully parsed.
type TrailingBytesError struct {
	N int
}

func (e *TrailingBytesError) Error() string {
	return fmt.Sprintf("%d trailing bytes after response", e.N)
}

// ReplyEchoMismatchError reports a fixed-format response (single
// coil/register echo, or a write-multiple start/count echo) whose
// echoed fields don't match what was sent.
type ReplyEchoMismatchError struct {
	Field     string
	Want, Got uint16
}

func (e *ReplyEchoMismatchError) Error() string {
	return fmt.Sprintf("response %s %d does not match request %d", e.Field, e.Got, e.Want)
}

// UnknownCoilStateError reports a single-coil value that is neither
// 0xFF00 nor 0x0000.
type UnknownCoilStateError struct {
	Got uint16
}

func (e *UnknownCoilStateError) Error() string {
	return fmt.Sprintf("coil state 0x%04X is neither 0xFF00 nor 0x0000", e.Got)
}

// classifyFunctionCode checks a response function code against the
// request's, returning whether the response is an exception and/or an
// error if the code isn't recognized at all.
func classifyFunctionCode(wantFC, gotFC byte) (isException bool, err error) {
	switch {
	case gotFC == wantFC:
		return false, nil
	case gotFC == wantFC|exceptionBit:
		return true, nil
	default:
		return false, &UnknownResponseFunctionError{Want: wantFC, Got: gotFC}
	}
}

// parseException reads the one-byte exception code that follows an
// exception function code.
func parseException(data []byte) error {
	if len(data) < 1 {
		return &InsufficientBytesError{Requested: 1, Available: len(data)}
	}
	if len(data) > 1 {
		return &TrailingBytesError{N: len(data) - 1}
	}
	return &ExceptionError{Code: data[0]}
}

// DecodeReadBits decodes the success body of ReadCoils/ReadDiscreteInputs.
func DecodeReadBits(wantFC, gotFC byte, count int, data []byte) ([]bool, error) {
	isException, err := classifyFunctionCode(wantFC, gotFC)
	if err != nil {
		return nil, err
	}
	if isException {
		return nil, parseException(data)
	}

	if len(data) < 1 {
		return nil, &InsufficientBytesError{Requested: 1, Available: len(data)}
	}
	declared := int(data[0])
	body := data[1:]
	wantBytes := (count + 7) / 8
	if declared != wantBytes {
		return nil, &InsufficientBytesForByteCountError{Declared: declared, Actual: len(body)}
	}
	if len(body) < declared {
		return nil, &InsufficientBytesForByteCountError{Declared: declared, Actual: len(body)}
	}
	if len(body) > declared {
		return nil, &TrailingBytesError{N: len(body) - declared}
	}
	return UnpackBits(body, count), nil
}

// DecodeReadRegisters decodes the success body of
// ReadHoldingRegisters/ReadInputRegisters.
func DecodeReadRegisters(wantFC, gotFC byte, count int, data []byte) ([]uint16, error) {
	isException, err := classifyFunctionCode(wantFC, gotFC)
	if err != nil {
		return nil, err
	}
	if isException {
		return nil, parseException(data)
	}

	if len(data) < 1 {
		return nil, &InsufficientBytesError{Requested: 1, Available: len(data)}
	}
	declared := int(data[0])
	body := data[1:]
	wantBytes := count * 2
	if declared != wantBytes {
		return nil, &InsufficientBytesForByteCountError{Declared: declared, Actual: len(body)}
	}
	if len(body) < declared {
		return nil, &InsufficientBytesForByteCountError{Declared: declared, Actual: len(body)}
	}
	if len(body) > declared {
		return nil, &TrailingBytesError{N: len(body) - declared}
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(body[2*i : 2*i+2])
	}
	return regs, nil
}

// DecodeWriteSingleCoilEcho decodes and verifies the echo response to
// WriteSingleCoil.
func DecodeWriteSingleCoilEcho(gotFC byte, wantIndex uint16, wantValue bool, data []byte) (bool, error) {
	isException, err := classifyFunctionCode(WriteSingleCoil, gotFC)
	if err != nil {
		return false, err
	}
	if isException {
		return false, parseException(data)
	}
	if len(data) < 4 {
		return false, &InsufficientBytesError{Requested: 4, Available: len(data)}
	}
	if len(data) > 4 {
		return false, &TrailingBytesError{N: len(data) - 4}
	}
	gotIndex := binary.BigEndian.Uint16(data[0:2])
	gotValueRaw := binary.BigEndian.Uint16(data[2:4])
	if gotIndex != wantIndex {
		return false, &ReplyEchoMismatchError{Field: "index", Want: wantIndex, Got: gotIndex}
	}
	var gotValue bool
	switch gotValueRaw {
	case coilOn:
		gotValue = true
	case coilOff:
		gotValue = false
	default:
		return false, &UnknownCoilStateError{Got: gotValueRaw}
	}
	wantValueRaw := coilOff
	if wantValue {
		wantValueRaw = coilOn
	}
	if gotValueRaw != wantValueRaw {
		return false, &ReplyEchoMismatchError{Field: "value", Want: wantValueRaw, Got: gotValueRaw}
	}
	return gotValue, nil
}

// DecodeWriteSingleRegisterEcho decodes and verifies the echo response
// to WriteSingleRegister.
func DecodeWriteSingleRegisterEcho(gotFC byte, wantIndex, wantValue uint16, data []byte) (uint16, error) {
	isException, err := classifyFunctionCode(WriteSingleRegister, gotFC)
	if err != nil {
		return 0, err
	}
	if isException {
		return 0, parseException(data)
	}
	if len(data) < 4 {
		return 0, &InsufficientBytesError{Requested: 4, Available: len(data)}
	}
	if len(data) > 4 {
		return 0, &TrailingBytesError{N: len(data) - 4}
	}
	gotIndex := binary.BigEndian.Uint16(data[0:2])
	gotValue := binary.BigEndian.Uint16(data[2:4])
	if gotIndex != wantIndex {
		return 0, &ReplyEchoMismatchError{Field: "index", Want: wantIndex, Got: gotIndex}
	}
	if gotValue != wantValue {
		return 0, &ReplyEchoMismatchError{Field: "value", Want: wantValue, Got: gotValue}
	}
	return gotValue, nil
}

// DecodeWriteMultipleEcho decodes and verifies the start/count echo
// shared by WriteMultipleCoils and WriteMultipleRegisters.
func DecodeWriteMultipleEcho(wantFC, gotFC byte, wantStart, wantCount uint16, data []byte) (uint16, uint16, error) {
	isException, err := classifyFunctionCode(wantFC, gotFC)
	if err != nil {
		return 0, 0, err
	}
	if isException {
		return 0, 0, parseException(data)
	}
	if len(data) < 4 {
		return 0, 0, &InsufficientBytesError{Requested: 4, Available: len(data)}
	}
	if len(data) > 4 {
		return 0, 0, &TrailingBytesError{N: len(data) - 4}
	}
	gotStart := binary.BigEndian.Uint16(data[0:2])
	gotCount := binary.BigEndian.Uint16(data[2:4])
	if gotStart != wantStart {
		return 0, 0, &ReplyEchoMismatchError{Field: "start address", Want: wantStart, Got: gotStart}
	}
	if gotCount != wantCount {
		return 0, 0, &ReplyEchoMismatchError{Field: "count", Want: wantCount, Got: gotCount}
	}
	return gotStart, gotCount, nil
}
