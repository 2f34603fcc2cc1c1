// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tcpconn wraps a single gVisor TCP endpoint in a cooperative
// state machine mirroring the socket's own lifecycle, so callers never
// touch a waiter.Queue or block on Connect/Read/Write.
package tcpconn

import (
	"io"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/hwerr"
)

// State mirrors the connection's position in the socket lifecycle.
type State int

const (
	Closed State = iota
	SynSent
	Established
	FinWait
	Error
)

// Outcome is the result of a single Step call.
type Outcome int

const (
	Pending Outcome = iota
	Done
	Failed
)

const connectTimeoutSeconds = 30

// Conn is a single non-blocking TCP connection.
type Conn struct {
	stack *stack.Stack
	nic   tcpip.NICID
	clock boottime.Config

	ep tcpip.Endpoint
	wq waiter.Queue

	state State
	start uint64

	lastErr error
}

// NewConn constructs a Conn bound to the given stack NIC. The underlying
// endpoint is created lazily on Dial.
func NewConn(s *stack.Stack, nic tcpip.NICID, clock boottime.Config) *Conn {
	return &Conn{stack: s, nic: nic, clock: clock, state: Closed}
}

// State reports the connection's current lifecycle position.
func (c *Conn) State() State {
	return c.state
}

// Err returns the error that moved this connection to Error, if any.
func (c *Conn) Err() error {
	return c.lastErr
}

// Dial begins a non-blocking connect to addr. The caller must keep
// calling Step until it returns Done (Established) or Failed.
func (c *Conn) Dial(now uint64, addr tcpip.FullAddress) error {
	ep, err := c.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &c.wq)

	if err != nil {
		return hwerr.ErrConnRefused
	}

	if tcpErr := ep.Connect(addr); tcpErr != nil && tcpErr != tcpip.ErrConnectStarted {
		ep.Close()
		return hwerr.ErrConnRefused
	}

	c.ep = ep
	c.start = now
	c.state = SynSent

	return nil
}

// Step advances the connection's lifecycle by at most one observable
// check. Once Established it keeps returning Done every call until the
// connection closes or errors, so callers can poll it alongside Read.
func (c *Conn) Step(now uint64) Outcome {
	switch c.state {
	case SynSent:
		if c.ep.Readiness(waiter.EventOut)&waiter.EventOut != 0 {
			if err := c.ep.GetSockOpt(tcpip.ErrorOption{}); err != nil {
				c.fail(hwerr.ErrConnRefused)
				return Failed
			}

			c.state = Established
			return Done
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(connectTimeoutSeconds)) {
			c.fail(hwerr.ErrConnTimeout)
			return Failed
		}

		return Pending

	case Established:
		if c.ep.Readiness(waiter.EventHUp|waiter.EventErr) != 0 {
			if err := c.ep.GetSockOpt(tcpip.ErrorOption{}); err != nil {
				c.fail(hwerr.ErrConnReset)
				return Failed
			}
		}

		return Done

	case FinWait:
		if boottime.Expired(c.start, now, c.clock.Seconds(connectTimeoutSeconds)) {
			c.Close()
			return Done
		}

		return Done

	case Closed, Error:
		if c.state == Error {
			return Failed
		}

		return Done

	default:
		return Failed
	}
}

func (c *Conn) fail(err error) {
	c.lastErr = err
	c.state = Error

	if c.ep != nil {
		c.ep.Close()
	}
}

// Read fills buf with data from the socket, returning 0, nil if nothing
// is available yet (never blocks), or 0, io.EOF once the peer has closed
// its send side and every already-buffered byte has been drained —
// callers that need to tell "no data yet" from "body complete" (an
// unbounded HTTP response with no Content-Length and no chunked framing)
// must check for io.EOF specifically rather than treat every zero-byte,
// nil-error read the same way.
func (c *Conn) Read(buf []byte) (int, error) {
	v, _, err := c.ep.Read(nil)

	if err == tcpip.ErrWouldBlock {
		return 0, nil
	}

	if err == tcpip.ErrClosedForReceive {
		return 0, io.EOF
	}

	if err != nil {
		return 0, hwerr.ErrConnReset
	}

	n := copy(buf, v)

	return n, nil
}

// Write submits p to the socket, returning the number of bytes accepted
// (which may be less than len(p), or zero if the send buffer is full).
func (c *Conn) Write(p []byte) (int, error) {
	n, _, err := c.ep.Write(tcpip.SlicePayload(p), tcpip.WriteOptions{})

	if err == tcpip.ErrWouldBlock {
		return 0, nil
	}

	if err != nil {
		return 0, hwerr.ErrConnReset
	}

	return int(n), nil
}

// CloseWrite half-closes the connection (sends FIN) and moves to
// FinWait, with connectTimeoutSeconds as the bound on how long a lingering
// half-closed connection is kept around.
func (c *Conn) CloseWrite(now uint64) {
	if c.ep != nil {
		c.ep.Shutdown(tcpip.ShutdownWrite)
	}

	c.start = now
	c.state = FinWait
}

// Close tears the connection down immediately.
func (c *Conn) Close() {
	if c.ep != nil {
		c.ep.Close()
	}

	c.state = Closed
}
