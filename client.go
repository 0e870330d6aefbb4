// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus implements a Modbus TCP client. A Client owns a
// single background task that serializes requests onto one TCP
// connection, reconnecting automatically when the connection is lost.
//
// Unlike a synchronous client built around a mutex, the background
// task means concurrent callers queue naturally: ReadHoldingRegisters
// called from ten goroutines at once is ten requests waiting their
// turn on one socket, not ten goroutines fighting over a lock.
package modbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumberbarons/modbus-tcp-client/internal/channel"
	"github.com/lumberbarons/modbus-tcp-client/internal/pdu"
)

// defaultResponseTimeout mirrors the teacher's tcpTimeout constant.
const defaultResponseTimeout = 10 * time.Second

// Client is a connection to a single Modbus TCP server. Create one
// with Dial and release its background goroutine with Close.
type Client struct {
	requests chan channel.Request
	cancel   context.CancelFunc
	group    *errgroup.Group

	// closeMu guards closed: submit holds a read lock across its send
	// to c.requests so that send can never race past Close observing
	// and acting on closed. Close takes the write lock, which can only
	// succeed once every in-flight submit has either completed its
	// send or backed off, so a request that makes it into the channel
	// is always sent before the background task is told to shut down
	// and drain.
	//
	// shutdownCh is closed once, before closeMu.Lock() is ever
	// attempted, so a submit parked in its send select on a full queue
	// wakes up immediately instead of making Close wait for queue room
	// that may never come.
	closeMu    sync.RWMutex
	closed     bool
	closeOnce  sync.Once
	shutdownCh chan struct{}

	unitID          byte
	responseTimeout time.Duration

	logger *log.Logger
	decode DecodeLevel
}

// errClosed is returned by submit when the Client has already been
// closed; it never reaches c.requests.
var errClosed = errors.New("modbus: client closed")

// logResult writes a DecodePayload-level line describing a decoded
// read's values, the application-level counterpart to the channel
// task's own raw-byte tracing.
func (c *Client) logResult(format string, args ...interface{}) {
	if c.logger == nil || c.decode < DecodePayload {
		return
	}
	c.logger.Printf(format, args...)
}

// Option configures a Client at Dial time.
type Option func(*clientConfig)

type clientConfig struct {
	maxQueuedRequests int
	reconnect         ReconnectStrategy
	decode            DecodeLevel
	logger            *log.Logger
	idleTimeout       time.Duration
	unitID            byte
	responseTimeout   time.Duration
}

// WithMaxQueuedRequests bounds how many requests may be waiting for
// the background task at once; Dial defaults to 100. A caller whose
// request would overflow the queue blocks in submit until room frees
// up, its context is canceled, or the Client is closed.
func WithMaxQueuedRequests(n int) Option {
	return func(c *clientConfig) { c.maxQueuedRequests = n }
}

// WithReconnectStrategy overrides the default doubling reconnect delay.
func WithReconnectStrategy(s ReconnectStrategy) Option {
	return func(c *clientConfig) { c.reconnect = s }
}

// WithDecodeLevel sets how verbosely frames are logged. Requires
// WithLogger to have any effect.
func WithDecodeLevel(d DecodeLevel) Option {
	return func(c *clientConfig) { c.decode = d }
}

// WithLogger sets the logger frame tracing writes to. Without it,
// DecodeLevel has no effect.
func WithLogger(l *log.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WithIdleTimeout asks the client to close an unused connection after
// d of inactivity, freeing the socket until the next request. The
// default (zero) never closes an idle connection.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.idleTimeout = d }
}

// WithUnitID sets the unit identifier sent with every request. The
// default is 0, appropriate for a server that ignores it or is
// addressed directly (as is typical over TCP).
func WithUnitID(id byte) Option {
	return func(c *clientConfig) { c.unitID = id }
}

// WithResponseTimeout overrides the default ten-second deadline for a
// response to arrive after a request is sent.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.responseTimeout = d }
}

// Dial starts a Client's background task against addr (host:port) and
// returns immediately; the first connection attempt happens lazily
// when the first request is submitted.
func Dial(addr string, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		maxQueuedRequests: 100,
		reconnect:         DefaultReconnectStrategy(),
		responseTimeout:   defaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	requests := make(chan channel.Request, cfg.maxQueuedRequests)
	task := channel.NewTask(addr, requests, cfg.reconnect,
		channel.WithLogger(cfg.logger),
		channel.WithDecodeLevel(cfg.decode.toChannel()),
		channel.WithIdleTimeout(cfg.idleTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := task.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return &Client{
		requests:        requests,
		cancel:          cancel,
		group:           group,
		shutdownCh:      make(chan struct{}),
		unitID:          cfg.unitID,
		responseTimeout: cfg.responseTimeout,
		logger:          cfg.logger,
		decode:          cfg.decode,
	}, nil
}

// Close stops the background task and waits for it to finish. Any
// request still queued or in flight completes with a Shutdown error.
// Close is safe to call more than once, and safe to call concurrently
// with an in-flight submit: the request either reaches the background
// task before it starts draining, or is rejected before it is ever
// sent, never both. A submit parked on a full queue is woken by
// shutdownCh before Close ever waits on closeMu, so a caller blocked
// in submit with no deadline of its own cannot make Close hang.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.shutdownCh) })

	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	c.cancel()
	return c.group.Wait()
}

// submit sends one PDU to the background task and waits for its
// reply or for ctx to be canceled.
func (c *Client) submit(ctx context.Context, functionCode byte, body []byte) (byte, []byte, error) {
	reply := make(chan channel.Result, 1)
	req := channel.Request{
		UnitID:          c.unitID,
		ResponseTimeout: c.responseTimeout,
		FunctionCode:    functionCode,
		PDU:             body,
		Reply:           reply,
	}

	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return 0, nil, translateContextError(errClosed)
	}
	select {
	case c.requests <- req:
		c.closeMu.RUnlock()
	case <-ctx.Done():
		c.closeMu.RUnlock()
		return 0, nil, translateContextError(ctx.Err())
	case <-c.shutdownCh:
		c.closeMu.RUnlock()
		return 0, nil, translateContextError(errClosed)
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			return 0, nil, translateError(res.Err)
		}
		return res.FunctionCode, res.Data, nil
	case <-ctx.Done():
		return 0, nil, translateContextError(ctx.Err())
	}
}

// translateContextError maps a caller's own ctx.Err() (or errClosed,
// for a submit rejected by an already-closed Client) to the public
// Error taxonomy: DeadlineExceeded reads the same as a response
// timeout, everything else the same as a client shutdown.
func translateContextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, err: err}
	}
	return &Error{Kind: Shutdown, err: err}
}

// ReadCoils reads count coils starting at start.
func (c *Client) ReadCoils(ctx context.Context, start, count uint16) ([]Indexed[bool], error) {
	rng, err := NewAddressRange(start, count, MaxReadBitCount)
	if err != nil {
		return nil, err
	}
	body := pdu.EncodeReadRequest(pdu.ReadCoils, rng.Start, rng.Count)
	gotFC, data, err := c.submit(ctx, pdu.ReadCoils, body)
	if err != nil {
		return nil, err
	}
	bits, err := pdu.DecodeReadBits(pdu.ReadCoils, gotFC, int(rng.Count), data)
	if err != nil {
		return nil, translateError(err)
	}
	c.logResult("coils: %s", pdu.FormatCoils(rng.Start, bits))
	return indexedFromSlice(rng.Start, bits), nil
}

// ReadDiscreteInputs reads count discrete inputs starting at start.
func (c *Client) ReadDiscreteInputs(ctx context.Context, start, count uint16) ([]Indexed[bool], error) {
	rng, err := NewAddressRange(start, count, MaxReadBitCount)
	if err != nil {
		return nil, err
	}
	body := pdu.EncodeReadRequest(pdu.ReadDiscreteInputs, rng.Start, rng.Count)
	gotFC, data, err := c.submit(ctx, pdu.ReadDiscreteInputs, body)
	if err != nil {
		return nil, err
	}
	bits, err := pdu.DecodeReadBits(pdu.ReadDiscreteInputs, gotFC, int(rng.Count), data)
	if err != nil {
		return nil, translateError(err)
	}
	c.logResult("discrete inputs: %s", pdu.FormatCoils(rng.Start, bits))
	return indexedFromSlice(rng.Start, bits), nil
}

// ReadHoldingRegisters reads count holding registers starting at start.
func (c *Client) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]Indexed[uint16], error) {
	rng, err := NewAddressRange(start, count, MaxReadRegisterCount)
	if err != nil {
		return nil, err
	}
	body := pdu.EncodeReadRequest(pdu.ReadHoldingRegisters, rng.Start, rng.Count)
	gotFC, data, err := c.submit(ctx, pdu.ReadHoldingRegisters, body)
	if err != nil {
		return nil, err
	}
	regs, err := pdu.DecodeReadRegisters(pdu.ReadHoldingRegisters, gotFC, int(rng.Count), data)
	if err != nil {
		return nil, translateError(err)
	}
	c.logResult("holding registers: %s", pdu.FormatRegisters(rng.Start, regs))
	return indexedFromSlice(rng.Start, regs), nil
}

// ReadInputRegisters reads count input registers starting at start.
func (c *Client) ReadInputRegisters(ctx context.Context, start, count uint16) ([]Indexed[uint16], error) {
	rng, err := NewAddressRange(start, count, MaxReadRegisterCount)
	if err != nil {
		return nil, err
	}
	body := pdu.EncodeReadRequest(pdu.ReadInputRegisters, rng.Start, rng.Count)
	gotFC, data, err := c.submit(ctx, pdu.ReadInputRegisters, body)
	if err != nil {
		return nil, err
	}
	regs, err := pdu.DecodeReadRegisters(pdu.ReadInputRegisters, gotFC, int(rng.Count), data)
	if err != nil {
		return nil, translateError(err)
	}
	c.logResult("input registers: %s", pdu.FormatRegisters(rng.Start, regs))
	return indexedFromSlice(rng.Start, regs), nil
}

// WriteSingleCoil writes value to the coil at index and returns the
// server's echoed value.
func (c *Client) WriteSingleCoil(ctx context.Context, index uint16, value bool) (bool, error) {
	body := pdu.EncodeWriteSingleCoil(index, value)
	gotFC, data, err := c.submit(ctx, pdu.WriteSingleCoil, body)
	if err != nil {
		return false, err
	}
	got, err := pdu.DecodeWriteSingleCoilEcho(gotFC, index, value, data)
	if err != nil {
		return false, translateError(err)
	}
	return got, nil
}

// WriteSingleRegister writes value to the register at index and
// returns the server's echoed value.
func (c *Client) WriteSingleRegister(ctx context.Context, index, value uint16) (uint16, error) {
	body := pdu.EncodeWriteSingleRegister(index, value)
	gotFC, data, err := c.submit(ctx, pdu.WriteSingleRegister, body)
	if err != nil {
		return 0, err
	}
	got, err := pdu.DecodeWriteSingleRegisterEcho(gotFC, index, value, data)
	if err != nil {
		return 0, translateError(err)
	}
	return got, nil
}

// WriteMultipleCoils writes values starting at start and returns the
// server-echoed (start, count).
func (c *Client) WriteMultipleCoils(ctx context.Context, start uint16, values []bool) (AddressRange, error) {
	if len(values) > 1<<16-1 {
		return AddressRange{}, &Error{Kind: BadRequest, Sub: BadRequestCountTooBigForU16}
	}
	rng, err := NewAddressRange(start, uint16(len(values)), MaxWriteBitCount)
	if err != nil {
		return AddressRange{}, err
	}
	body := pdu.EncodeWriteMultipleCoils(rng.Start, values)
	gotFC, data, err := c.submit(ctx, pdu.WriteMultipleCoils, body)
	if err != nil {
		return AddressRange{}, err
	}
	gotStart, gotCount, err := pdu.DecodeWriteMultipleEcho(pdu.WriteMultipleCoils, gotFC, rng.Start, rng.Count, data)
	if err != nil {
		return AddressRange{}, translateError(err)
	}
	return AddressRange{Start: gotStart, Count: gotCount}, nil
}

// WriteMultipleRegisters writes values starting at start and returns
// the server-echoed (start, count).
func (c *Client) WriteMultipleRegisters(ctx context.Context, start uint16, values []uint16) (AddressRange, error) {
	if len(values) > 1<<16-1 {
		return AddressRange{}, &Error{Kind: BadRequest, Sub: BadRequestCountTooBigForU16}
	}
	rng, err := NewAddressRange(start, uint16(len(values)), MaxWriteRegisterCount)
	if err != nil {
		return AddressRange{}, err
	}
	body := pdu.EncodeWriteMultipleRegisters(rng.Start, values)
	gotFC, data, err := c.submit(ctx, pdu.WriteMultipleRegisters, body)
	if err != nil {
		return AddressRange{}, err
	}
	gotStart, gotCount, err := pdu.DecodeWriteMultipleEcho(pdu.WriteMultipleRegisters, gotFC, rng.Start, rng.Count, data)
	if err != nil {
		return AddressRange{}, translateError(err)
	}
	return AddressRange{Start: gotStart, Count: gotCount}, nil
}
