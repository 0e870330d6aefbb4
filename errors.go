// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"

	"github.com/lumberbarons/modbus-tcp-client/internal/channel"
	"github.com/lumberbarons/modbus-tcp-client/internal/frame"
	"github.com/lumberbarons/modbus-tcp-client/internal/pdu"
)

// Kind classifies an Error the way a caller is expected to react to
// it: BadRequest never reaches the wire, BadFrame/BadResponse are
// protocol-level failures on a frame that was exchanged, Exception is
// a well-formed server refusal, and Internal/Shutdown/Timeout/IO cover
// the client's own transport and lifecycle.
type Kind int

const (
	BadRequest Kind = iota
	BadFrame
	BadResponse
	Exception
	Shutdown
	Timeout
	IO
	Internal
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case BadFrame:
		return "bad frame"
	case BadResponse:
		return "bad response"
	case Exception:
		return "exception"
	case Shutdown:
		return "shutdown"
	case Timeout:
		return "timeout"
	case IO:
		return "i/o"
	default:
		return "internal"
	}
}

// BadRequestSub further classifies a BadRequest Error.
type BadRequestSub int

const (
	BadRequestCountOfZero BadRequestSub = iota
	BadRequestAddressOverflow
	BadRequestCountTooLargeForType
	BadRequestCountTooBigForU16
)

// BadFrameSub further classifies a BadFrame Error.
type BadFrameSub int

const (
	BadFrameMbapLengthZero BadFrameSub = iota
	BadFrameMbapLengthTooBig
	BadFrameUnknownProtocolID
	BadFrameTransactionOrUnitMismatch
)

// BadResponseSub further classifies a BadResponse Error.
type BadResponseSub int

const (
	BadResponseInsufficientBytes BadResponseSub = iota
	BadResponseInsufficientBytesForByteCount
	BadResponseTrailingBytes
	BadResponseReplyEchoMismatch
	BadResponseUnknownResponseFunction
	BadResponseUnknownCoilState
)

// Error is the single error type returned by every Client operation.
// Kind identifies the broad category; Sub, when non-nil, narrows it
// further. Use errors.Is/As or the Kind field directly — never match
// on Error() text.
type Error struct {
	Kind Kind
	Sub  interface{}
	Code byte // populated only when Kind == Exception
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("modbus: %s: %v", e.Kind, e.err)
	}
	if e.Kind == Exception {
		return fmt.Sprintf("modbus: exception code %d", e.Code)
	}
	return fmt.Sprintf("modbus: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// translateError converts an internal/channel.Result's error (or a PDU
// decoding error) into the public Error taxonomy. It returns nil for a
// nil err; an error it does not recognize becomes Kind Internal.
func translateError(err error) *Error {
	if err == nil {
		return nil
	}

	var exc *pdu.ExceptionError
	if errors.As(err, &exc) {
		return &Error{Kind: Exception, Code: exc.Code, err: err}
	}

	var insufficient *pdu.InsufficientBytesError
	if errors.As(err, &insufficient) {
		return &Error{Kind: BadResponse, Sub: BadResponseInsufficientBytes, err: err}
	}
	var byteCount *pdu.InsufficientBytesForByteCountError
	if errors.As(err, &byteCount) {
		return &Error{Kind: BadResponse, Sub: BadResponseInsufficientBytesForByteCount, err: err}
	}
	var trailing *pdu.TrailingBytesError
	if errors.As(err, &trailing) {
		return &Error{Kind: BadResponse, Sub: BadResponseTrailingBytes, err: err}
	}
	var echo *pdu.ReplyEchoMismatchError
	if errors.As(err, &echo) {
		return &Error{Kind: BadResponse, Sub: BadResponseReplyEchoMismatch, err: err}
	}
	var unknownFn *pdu.UnknownResponseFunctionError
	if errors.As(err, &unknownFn) {
		return &Error{Kind: BadResponse, Sub: BadResponseUnknownResponseFunction, err: err}
	}
	var unknownCoil *pdu.UnknownCoilStateError
	if errors.As(err, &unknownCoil) {
		return &Error{Kind: BadResponse, Sub: BadResponseUnknownCoilState, err: err}
	}

	var lengthTooBig *frame.LengthTooBigError
	if errors.As(err, &lengthTooBig) {
		return &Error{Kind: BadFrame, Sub: BadFrameMbapLengthTooBig, err: err}
	}
	if errors.As(err, new(frame.LengthZeroError)) {
		return &Error{Kind: BadFrame, Sub: BadFrameMbapLengthZero, err: err}
	}
	var unknownProto *frame.UnknownProtocolIDError
	if errors.As(err, &unknownProto) {
		return &Error{Kind: BadFrame, Sub: BadFrameUnknownProtocolID, err: err}
	}
	var mismatch *channel.FrameMismatchError
	if errors.As(err, &mismatch) {
		return &Error{Kind: BadFrame, Sub: BadFrameTransactionOrUnitMismatch, err: err}
	}

	if errors.Is(err, channel.ErrShutdown) {
		return &Error{Kind: Shutdown, err: err}
	}
	if errors.Is(err, channel.ErrResponseTimeout) {
		return &Error{Kind: Timeout, err: err}
	}
	var ioErr *channel.IOError
	if errors.As(err, &ioErr) {
		return &Error{Kind: IO, err: err}
	}

	return &Error{Kind: Internal, err: err}
}
