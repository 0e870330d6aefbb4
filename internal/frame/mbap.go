// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package frame

import "fmt"

const (
	// HeaderLength is the size in bytes of the MBAP header: transaction
	// id, protocol id, length field and unit id.
	HeaderLength = 7
	// MaxADULength is the largest PDU a frame can carry: the length
	// field (which counts the PDU plus the one byte for the unit id)
	// tops out at 254.
	MaxADULength = 253
	// MaxLengthField is the largest legal value of the MBAP length
	// field (the ADU payload plus the one byte for the unit id).
	MaxLengthField = MaxADULength + 1
	// MaxFrameLength is the largest complete MBAP frame: header plus
	// ADU payload.
	MaxFrameLength = HeaderLength + MaxADULength
)

// Frame is a fully parsed MBAP frame: the transaction and unit
// identifiers plus the raw PDU bytes that followed them. Payload
// aliases the ReadBuffer it was parsed from and is only valid until
// the buffer is read from again.
type Frame struct {
	TxID    uint16
	UnitID  byte
	Payload []byte
}

// LengthZeroError reports an MBAP header whose length field is zero,
// which is illegal because the unit id alone always counts as 1.
type LengthZeroError struct{}

func (LengthZeroError) Error() string { return "MBAP length field must not be zero" }

// LengthTooBigError reports an MBAP header whose length field exceeds
// what a maximum-size ADU can justify.
type LengthTooBigError struct {
	Length int
	Max    int
}

func (e *LengthTooBigError) Error() string {
	return fmt.Sprintf("MBAP length field %d exceeds maximum of %d", e.Length, e.Max)
}

// UnknownProtocolIDError reports a non-Modbus protocol id in the MBAP
// header.
type UnknownProtocolIDError struct {
	ProtocolID uint16
}

func (e *UnknownProtocolIDError) Error() string {
	return fmt.Sprintf("unknown protocol id 0x%04X", e.ProtocolID)
}

type header struct {
	txID      uint16
	aduLength int
	unitID    byte
}

// Parser is a stateful MBAP frame parser. It never returns a partial
// frame: Parse yields either (nil, nil) when more bytes are needed or
// a complete frame.
type Parser struct {
	pending *header
}

// NewParser returns a Parser positioned at the start of a new frame.
func NewParser() *Parser {
	return &Parser{}
}

// Parse consumes as much of buf as is needed to produce one frame. It
// returns (nil, nil) if buf does not yet hold a complete frame.
func (p *Parser) Parse(buf *ReadBuffer) (*Frame, error) {
	if p.pending == nil {
		if buf.Len() < HeaderLength {
			return nil, nil
		}
		h, err := parseHeader(buf)
		if err != nil {
			return nil, err
		}
		p.pending = h
	}

	h := p.pending
	if buf.Len() < h.aduLength {
		return nil, nil
	}

	payload, err := buf.Read(h.aduLength)
	if err != nil {
		return nil, err
	}
	p.pending = nil
	return &Frame{TxID: h.txID, UnitID: h.unitID, Payload: payload}, nil
}

func parseHeader(buf *ReadBuffer) (*header, error) {
	txID, err := buf.ReadU16BE()
	if err != nil {
		return nil, err
	}
	protocolID, err := buf.ReadU16BE()
	if err != nil {
		return nil, err
	}
	length, err := buf.ReadU16BE()
	if err != nil {
		return nil, err
	}
	unitID, err := buf.ReadU8()
	if err != nil {
		return nil, err
	}

	if protocolID != 0 {
		return nil, &UnknownProtocolIDError{ProtocolID: protocolID}
	}
	if length == 0 {
		return nil, LengthZeroError{}
	}
	if int(length) > MaxLengthField {
		return nil, &LengthTooBigError{Length: int(length), Max: MaxLengthField}
	}

	return &header{txID: txID, aduLength: int(length) - 1, unitID: unitID}, nil
}

// AduTooBigError reports a PDU payload that would not fit in a single
// MBAP frame.
type AduTooBigError struct {
	Size int
}

func (e *AduTooBigError) Error() string {
	return fmt.Sprintf("ADU length %d exceeds the maximum of %d", e.Size, MaxADULength)
}

// Formatter produces a contiguous wire image of an MBAP frame into an
// internal scratch buffer reused across calls. The returned slice is
// only valid until the next call to Format.
type Formatter struct {
	scratch [MaxFrameLength]byte
}

// NewFormatter returns a ready-to-use Formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format writes the MBAP header for (txID, unitID) followed by pdu and
// returns the complete frame.
func (f *Formatter) Format(txID uint16, unitID byte, pdu []byte) ([]byte, error) {
	if len(pdu) > MaxADULength {
		return nil, &AduTooBigError{Size: len(pdu)}
	}

	c := NewWriteCursor(f.scratch[:])
	if err := c.WriteU16BE(txID); err != nil {
		return nil, err
	}
	if err := c.WriteU16BE(0); err != nil { // protocol id
		return nil, err
	}
	if err := c.SeekFromCurrent(2); err != nil { // length filled in below
		return nil, err
	}
	if err := c.WriteU8(unitID); err != nil {
		return nil, err
	}
	if err := c.WriteSlice(pdu); err != nil {
		return nil, err
	}

	aduLength := 1 + len(pdu) // unit id + pdu
	total := c.Position()

	if err := c.SeekFromStart(4); err != nil {
		return nil, err
	}
	if err := c.WriteU16BE(uint16(aduLength)); err != nil {
		return nil, err
	}

	return f.scratch[:total], nil
}
