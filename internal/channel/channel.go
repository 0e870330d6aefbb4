// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package channel implements the request-dispatch task that owns a
// single TCP connection to a Modbus server and serializes requests
// onto it one at a time, reconnecting automatically on I/O failure.
//
// The task is deliberately erased to raw PDU bytes: it has no
// knowledge of AddressRange, Indexed values or exception codes. Its
// caller (the modbus package) encodes a PDU before submitting a
// Request and decodes the PDU out of a Result. This keeps the task
// free of a type parameter per function code, matching the
// byte-slice-reply escape hatch the protocol design allows for
// runtimes that can't express a heterogeneous reply type per request
// variant.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/lumberbarons/modbus-tcp-client/internal/frame"
)

// ErrShutdown is returned to any request that is queued or in flight
// when the task terminates.
var ErrShutdown = errors.New("modbus: channel task shutdown")

// ErrResponseTimeout is returned when a response does not arrive
// within a request's ResponseTimeout.
var ErrResponseTimeout = errors.New("modbus: response timeout")

// IOError wraps a transport-level failure, preserving the kind the
// way the original io error reports it.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("modbus: i/o error: %v", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// FrameMismatchError reports a response frame whose transaction id or
// unit id does not match the request that was sent.
type FrameMismatchError struct {
	WantTxID, GotTxID     uint16
	WantUnitID, GotUnitID byte
}

func (e *FrameMismatchError) Error() string {
	return fmt.Sprintf("modbus: response frame (tx=%d, unit=%d) does not match request (tx=%d, unit=%d)",
		e.GotTxID, e.GotUnitID, e.WantTxID, e.WantUnitID)
}

// Request is one queued application-level exchange. PDU is the
// already-serialized request body (function code plus payload); Reply
// receives exactly one Result.
type Request struct {
	UnitID          byte
	ResponseTimeout time.Duration
	FunctionCode    byte
	PDU             []byte
	Reply           chan<- Result
}

func (r Request) complete(res Result) {
	// Reply is always buffered with capacity 1 by the caller, so this
	// never blocks even if nobody is left listening.
	r.Reply <- res
}

// Result is what a Request's reply channel receives: either the raw
// response PDU (function code plus payload bytes, success or
// exception) or an error that short-circuited the exchange.
type Result struct {
	FunctionCode byte
	Data         []byte
	Err          error
}

// ReconnectStrategy controls the delay between failed connection
// attempts.
type ReconnectStrategy interface {
	Reset()
	NextDelay() time.Duration
}

// DecodeLevel controls how much of each frame gets logged. It never
// changes wire behavior.
type DecodeLevel int

const (
	DecodeNothing DecodeLevel = iota
	DecodeHeader
	DecodePayload
)

// Task owns the TCP socket, the MBAP codec and the per-channel
// transaction id counter. One Task backs one modbus.Client.
type Task struct {
	addr        string
	requests    <-chan Request
	reconnect   ReconnectStrategy
	logger      *log.Logger
	decode      DecodeLevel
	idleTimeout time.Duration

	dialer func(ctx context.Context, addr string) (net.Conn, error)

	conn           net.Conn
	connCancelStop func() bool
	readBuf        *frame.ReadBuffer
	parser         *frame.Parser
	formatter      *frame.Formatter
	nextTxID       uint16
}

// Option configures a Task at construction.
type Option func(*Task)

// WithLogger sets the logger used for decode-level tracing. A nil
// logger (the default) disables logging entirely.
func WithLogger(l *log.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// WithDecodeLevel sets how verbosely frames are logged.
func WithDecodeLevel(d DecodeLevel) Option {
	return func(t *Task) { t.decode = d }
}

// WithIdleTimeout asks the task to proactively close an unused
// connection after the given duration of inactivity. The zero value
// (the default) disables idle closing; this is purely a resource
// optimization and never fires while a request is outstanding.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Task) { t.idleTimeout = d }
}

// withDialer overrides how the task opens a connection; used by tests
// to avoid depending on real DNS/TCP behavior beyond a loopback
// listener.
func withDialer(d func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(t *Task) { t.dialer = d }
}

// NewTask constructs a Task that will serve requests arriving on reqs.
func NewTask(addr string, reqs <-chan Request, reconnect ReconnectStrategy, opts ...Option) *Task {
	t := &Task{
		addr:      addr,
		requests:  reqs,
		reconnect: reconnect,
		readBuf:   frame.NewReadBuffer(frame.MaxFrameLength),
		parser:    frame.NewParser(),
		formatter: frame.NewFormatter(),
	}
	t.dialer = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run drives the task until ctx is canceled. It always returns a
// non-nil error (typically ctx.Err()); the caller is expected to
// treat context.Canceled as a clean shutdown.
func (t *Task) Run(ctx context.Context) error {
	defer t.closeConn()

	for {
		var idleC <-chan time.Time
		var idleTimer *time.Timer
		if t.idleTimeout > 0 && t.conn != nil {
			idleTimer = time.NewTimer(t.idleTimeout)
			idleC = idleTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(idleTimer)
			t.drain()
			return ctx.Err()
		case <-idleC:
			t.logf(DecodeHeader, "closing idle connection to %s", t.addr)
			t.closeConn()
		case req := <-t.requests:
			stopTimer(idleTimer)
			if err := t.ensureConnected(ctx); err != nil {
				req.complete(Result{Err: ErrShutdown})
				t.drain()
				return ctx.Err()
			}
			t.runOneExchange(ctx, req)
		}
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// drain replies Shutdown to every request still sitting in the queue.
// It never blocks: once ctx is canceled no more sends will arrive, so
// this only needs to empty what's already buffered.
func (t *Task) drain() {
	for {
		select {
		case req := <-t.requests:
			req.complete(Result{Err: ErrShutdown})
		default:
			return
		}
	}
}

// ensureConnected blocks, retrying with the reconnect strategy's
// delay, until a socket exists or ctx is canceled. Connection attempts
// are not bounded in number.
func (t *Task) ensureConnected(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	for {
		conn, err := t.dialer(ctx, t.addr)
		if err == nil {
			t.conn = conn
			// net.Conn doesn't observe ctx, only a deadline, so a
			// write/read blocked on this connection would otherwise
			// outlive the task's own shutdown. context.AfterFunc closes
			// the socket out from under it the moment ctx is canceled,
			// registered once per connection rather than once per
			// exchange.
			t.connCancelStop = context.AfterFunc(ctx, func() { conn.Close() })
			t.reconnect.Reset()
			t.logf(DecodeHeader, "connected to %s", t.addr)
			return nil
		}

		t.logf(DecodeHeader, "connect to %s failed: %v", t.addr, err)

		delay := t.reconnect.NextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// runOneExchange performs exactly one write/read cycle and completes
// req's reply slot exactly once. On any I/O failure, timeout, or
// frame-level mismatch it discards the socket so the next request
// reconnects before being served.
func (t *Task) runOneExchange(ctx context.Context, req Request) {
	txID := t.allocateTxID()

	out, err := t.formatter.Format(txID, req.UnitID, req.PDU)
	if err != nil {
		req.complete(Result{Err: err})
		return
	}

	deadline := time.Now().Add(req.ResponseTimeout)
	if err := t.conn.SetDeadline(deadline); err != nil {
		req.complete(Result{Err: &IOError{Err: err}})
		t.closeConn()
		return
	}

	if t.decode == DecodeHeader {
		t.logf(DecodeHeader, "TX tx=%d unit=%d len=%d", txID, req.UnitID, len(out))
	} else if t.decode >= DecodePayload {
		t.logf(DecodePayload, "TX tx=%d unit=%d % x", txID, req.UnitID, out)
	}

	if err := t.writeAll(out); err != nil {
		req.complete(Result{Err: t.classifyExchangeError(ctx, err)})
		t.closeConn()
		return
	}

	f, err := t.readFrame()
	if err != nil {
		req.complete(Result{Err: t.classifyExchangeError(ctx, err)})
		t.closeConn()
		return
	}

	if t.decode == DecodeHeader {
		t.logf(DecodeHeader, "RX tx=%d unit=%d len=%d", f.TxID, f.UnitID, len(f.Payload))
	} else if t.decode >= DecodePayload {
		t.logf(DecodePayload, "RX tx=%d unit=%d % x", f.TxID, f.UnitID, f.Payload)
	}

	if f.TxID != txID || f.UnitID != req.UnitID {
		req.complete(Result{Err: &FrameMismatchError{
			WantTxID: txID, GotTxID: f.TxID,
			WantUnitID: req.UnitID, GotUnitID: f.UnitID,
		}})
		t.closeConn()
		return
	}

	if len(f.Payload) == 0 {
		req.complete(Result{Err: &IOError{Err: io.ErrUnexpectedEOF}})
		t.closeConn()
		return
	}

	// Payload must be copied: it aliases the read buffer, which is
	// reused by the very next exchange.
	data := make([]byte, len(f.Payload)-1)
	copy(data, f.Payload[1:])
	req.complete(Result{FunctionCode: f.Payload[0], Data: data})
}

func (t *Task) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := t.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// readFrame reads from the connection until a complete frame is
// available, or the deadline set by the caller expires.
func (t *Task) readFrame() (*frame.Frame, error) {
	for {
		f, err := t.parser.Parse(t.readBuf)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
		if _, err := t.readBuf.ReadSome(t.conn); err != nil {
			return nil, err
		}
	}
}

// classifyExchangeError distinguishes a write/read failure caused by
// ctx being canceled mid-exchange (Shutdown) from an ordinary
// transport failure (classified by classifyIOError).
func (t *Task) classifyExchangeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrShutdown
	}
	return classifyIOError(err)
}

func classifyIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrResponseTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &IOError{Err: io.ErrUnexpectedEOF}
	}
	switch err.(type) {
	case *frame.UnknownProtocolIDError, frame.LengthZeroError, *frame.LengthTooBigError:
		return err
	}
	return &IOError{Err: err}
}

func (t *Task) allocateTxID() uint16 {
	id := t.nextTxID
	t.nextTxID++
	return id
}

func (t *Task) closeConn() {
	if t.conn != nil {
		if t.connCancelStop != nil {
			t.connCancelStop()
			t.connCancelStop = nil
		}
		t.conn.Close()
		t.conn = nil
	}
	t.parser = frame.NewParser()
	t.readBuf.Reset()
}

func (t *Task) logf(level DecodeLevel, format string, args ...interface{}) {
	if t.logger == nil || t.decode < level {
		return
	}
	t.logger.Printf(format, args...)
}
