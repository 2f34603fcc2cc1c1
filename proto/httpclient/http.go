// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package httpclient implements a cooperative, non-blocking HTTP/1.1 GET
// client: name resolution, connection, and the response are each driven
// by repeated Step calls, and the response body is streamed straight to
// a caller-supplied sink rather than collected into a growing buffer.
package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/hwerr"
	"github.com/morpheusx-boot/netstack/proto/dnsclient"
	"github.com/morpheusx-boot/netstack/proto/tcpconn"
)

// State names the client's position in the request/response exchange.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	SendingHeaders
	SendingBody
	ReceivingHeaders
	ReceivingBody
	Done
	Failed
)

// Outcome is the result of a single Step call.
type Outcome int

const (
	Pending Outcome = iota
	OutcomeDone
	OutcomeFailed
)

// BodySink receives the response body as it streams off the socket. It
// must not block; a sink that cannot keep up should return a short write
// count so the client backs off rather than overrunning it.
type BodySink interface {
	Write(p []byte) (n int, err error)
}

// Response carries the parsed status and headers, once available; the
// body itself goes to the BodySink, not here.
type Response struct {
	Status  uint16
	Headers map[string]string

	ContentLength int64 // -1 if absent
	Chunked       bool
}

const headerTimeoutSeconds = 30
const maxHeaderBytes = 8192

// Client drives a single GET request to completion.
type Client struct {
	stack *stack.Stack
	nic   tcpip.NICID
	clock boottime.Config

	resolvers []tcpip.Address

	dns  *dnsclient.Client
	conn *tcpconn.Conn

	host string
	port uint16
	path string
	sink BodySink

	state State
	start uint64

	reqBuf []byte
	sent   int

	headerBuf    []byte
	resp         Response
	resolvedAddr tcpip.Address

	// body streaming state
	remaining   int64 // bytes left for Content-Length bodies, <0 if unknown
	chunkBuf    []byte
	pendingBody []byte
	scratch     [4096]byte

	lastErr error
}

// NewClient constructs an HTTP client for one request, trying resolvers
// in order (see proto/dnsclient).
func NewClient(s *stack.Stack, nic tcpip.NICID, clock boottime.Config, resolvers []tcpip.Address) *Client {
	return &Client{
		stack:     s,
		nic:       nic,
		clock:     clock,
		resolvers: resolvers,
		state:     Idle,
	}
}

// Get begins a GET request for path on host:port, streaming the response
// body to sink. The client resolves host itself before connecting.
func (c *Client) Get(host string, port uint16, path string, sink BodySink) {
	c.host = host
	c.port = port
	c.path = path
	c.sink = sink
	c.resolvedAddr = ""
	c.state = Idle
	c.resp = Response{ContentLength: -1}
	c.headerBuf = c.headerBuf[:0]
	c.pendingBody = c.pendingBody[:0]
}

// GetResolved begins a GET request against an address a caller already
// resolved (e.g. the download orchestrator's own ResolvingMirror phase),
// skipping the Resolving state entirely. host is still sent as the Host
// header.
func (c *Client) GetResolved(addr tcpip.Address, port uint16, host, path string, sink BodySink) {
	c.Get(host, port, path, sink)
	c.resolvedAddr = addr
}

// Response returns the parsed response, valid once Step has reached
// ReceivingBody or Done.
func (c *Client) Response() Response {
	return c.resp
}

// Err returns the error that moved this request to Failed, if any.
func (c *Client) Err() error {
	return c.lastErr
}

func (c *Client) dial(now uint64, addr tcpip.Address) Outcome {
	c.conn = tcpconn.NewConn(c.stack, c.nic, c.clock)

	full := tcpip.FullAddress{Addr: addr, Port: c.port, NIC: c.nic}

	if err := c.conn.Dial(now, full); err != nil {
		return c.fail(now, err)
	}

	c.state = Connecting

	return Pending
}

func (c *Client) fail(now uint64, err error) Outcome {
	c.lastErr = err
	c.state = Failed
	diag.Printf("http", "request failed: %v", err)

	if c.conn != nil {
		c.conn.Close()
	}

	return OutcomeFailed
}

// Step advances the request by at most one observable action.
func (c *Client) Step(now uint64) Outcome {
	switch c.state {
	case Idle:
		if c.resolvedAddr != "" {
			return c.dial(now, c.resolvedAddr)
		}

		c.dns = dnsclient.NewClient(c.stack, c.nic, c.clock, c.resolvers, uint16(now))
		c.dns.Resolve(c.host)
		c.state = Resolving

		return Pending

	case Resolving:
		switch c.dns.Step(now) {
		case dnsclient.Resolved:
			return c.dial(now, c.dns.Result())

		case dnsclient.Failed:
			return c.fail(now, hwerr.ErrResolveTimeout)
		}

		return Pending

	case Connecting:
		switch c.conn.Step(now) {
		case tcpconn.Done:
			c.reqBuf = []byte(c.buildRequest())
			c.sent = 0
			c.state = SendingHeaders

			return Pending

		case tcpconn.Failed:
			return c.fail(now, c.conn.Err())
		}

		return Pending

	case SendingHeaders:
		c.conn.Step(now)

		n, err := c.conn.Write(c.reqBuf[c.sent:])

		if err != nil {
			return c.fail(now, err)
		}

		c.sent += n

		if c.sent >= len(c.reqBuf) {
			c.start = now
			c.state = ReceivingHeaders
		}

		return Pending

	case ReceivingHeaders:
		if out := c.stepConn(now); out != Pending {
			return out
		}

		n, err := c.readSome()

		if err != nil {
			return c.fail(now, err)
		}

		if n > 0 {
			c.headerBuf = append(c.headerBuf, c.scratch[:n]...)

			if len(c.headerBuf) > maxHeaderBytes {
				return c.fail(now, hwerr.ErrBadHeader)
			}

			if idx := bytes.Index(c.headerBuf, []byte("\r\n\r\n")); idx >= 0 {
				if err := c.parseHeaders(c.headerBuf[:idx]); err != nil {
					return c.fail(now, err)
				}

				leftover := append([]byte(nil), c.headerBuf[idx+4:]...)
				c.startBody(leftover)

				return Pending
			}
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(headerTimeoutSeconds)) {
			return c.fail(now, hwerr.ErrUnexpectedEOF)
		}

		return Pending

	case ReceivingBody:
		if out := c.stepConn(now); out != Pending {
			return out
		}

		return c.pumpBody(now)

	case Done:
		return OutcomeDone

	default:
		return OutcomeFailed
	}
}

// stepConn advances the underlying connection's own lifecycle and
// translates its terminal states into an Outcome, or Pending if the
// connection is still usable.
func (c *Client) stepConn(now uint64) Outcome {
	switch c.conn.Step(now) {
	case tcpconn.Failed:
		return c.fail(now, c.conn.Err())
	default:
		return Pending
	}
}

func (c *Client) buildRequest() string {
	var b strings.Builder

	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", c.path)
	fmt.Fprintf(&b, "Host: %s\r\n", c.host)
	b.WriteString("Connection: close\r\n")
	b.WriteString("User-Agent: morpheusx/1.0\r\n")
	b.WriteString("\r\n")

	return b.String()
}

func (c *Client) parseHeaders(buf []byte) error {
	lines := strings.Split(string(buf), "\r\n")

	if len(lines) == 0 {
		return hwerr.ErrBadHeader
	}

	parts := strings.SplitN(lines[0], " ", 3)

	if len(parts) < 2 {
		return hwerr.ErrBadHeader
	}

	status, err := strconv.Atoi(parts[1])

	if err != nil {
		return hwerr.ErrBadHeader
	}

	c.resp.Status = uint16(status)
	c.resp.Headers = make(map[string]string)

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}

		kv := strings.SplitN(line, ":", 2)

		if len(kv) != 2 {
			continue
		}

		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		c.resp.Headers[strings.ToLower(key)] = val
	}

	if status < 200 || status >= 300 {
		return hwerr.BadStatus(uint16(status))
	}

	if cl, ok := c.resp.Headers["content-length"]; ok {
		n, err := strconv.ParseInt(cl, 10, 64)

		if err != nil {
			return hwerr.ErrBadHeader
		}

		c.resp.ContentLength = n
	}

	if te, ok := c.resp.Headers["transfer-encoding"]; ok && strings.EqualFold(te, "chunked") {
		c.resp.Chunked = true
	}

	return nil
}

func (c *Client) startBody(leftover []byte) {
	if c.resp.Chunked {
		c.chunkBuf = leftover
	} else {
		c.remaining = c.resp.ContentLength

		if len(leftover) > 0 {
			c.feed(leftover)
		}
	}

	c.state = ReceivingBody
}

// feed delivers p to the sink, trimming against Content-Length when
// known, and reports whether the sink accepted every byte. Bytes the
// sink declined are stashed in pendingBody rather than dropped; the
// caller must stop pulling more from the socket until pendingBody
// drains, which is how a slow disk writer's backpressure reaches back
// to the TCP receive window.
func (c *Client) feed(p []byte) (accepted bool, err error) {
	if c.remaining >= 0 {
		if int64(len(p)) > c.remaining {
			p = p[:c.remaining]
		}

		c.remaining -= int64(len(p))
	}

	if len(p) == 0 {
		return true, nil
	}

	if len(c.pendingBody) > 0 {
		c.pendingBody = append(c.pendingBody, p...)
		return false, nil
	}

	n, err := c.sink.Write(p)

	if err != nil {
		return false, err
	}

	if n < len(p) {
		c.pendingBody = append(c.pendingBody, p[n:]...)
		return false, nil
	}

	return true, nil
}

// flushPending retries delivering whatever the sink previously declined.
// Returns false while bytes remain backed up.
func (c *Client) flushPending() (bool, error) {
	if len(c.pendingBody) == 0 {
		return true, nil
	}

	n, err := c.sink.Write(c.pendingBody)

	if err != nil {
		return false, err
	}

	c.pendingBody = c.pendingBody[n:]

	return len(c.pendingBody) == 0, nil
}

func (c *Client) pumpBody(now uint64) Outcome {
	if ok, err := c.flushPending(); err != nil {
		return c.fail(now, err)
	} else if !ok {
		return Pending
	}

	n, err := c.readSome()

	eof := err == io.EOF

	if err != nil && !eof {
		return c.fail(now, err)
	}

	if n == 0 {
		if !c.resp.Chunked && c.remaining == 0 {
			c.state = Done
			return OutcomeDone
		}

		if eof {
			// The peer closed its send side. A body framed by
			// Content-Length or chunked encoding that isn't yet
			// complete was truncated; a body with neither (the
			// mandatory "terminated by connection close" case) is
			// exactly as long as what has already reached the sink.
			if c.resp.Chunked || c.remaining > 0 {
				return c.fail(now, hwerr.ErrUnexpectedEOF)
			}

			c.state = Done
			return OutcomeDone
		}

		return Pending
	}

	if c.resp.Chunked {
		c.chunkBuf = append(c.chunkBuf, c.scratch[:n]...)

		for {
			done, finished, err := c.drainChunks()

			if err != nil {
				return c.fail(now, err)
			}

			if finished {
				c.state = Done
				return OutcomeDone
			}

			if !done {
				break
			}
		}

		return Pending
	}

	if _, err := c.feed(c.scratch[:n]); err != nil {
		return c.fail(now, err)
	}

	if c.remaining == 0 {
		c.state = Done
		return OutcomeDone
	}

	return Pending
}

// drainChunks consumes as many complete chunks as chunkBuf currently
// holds. done reports whether at least one chunk was consumed (so the
// caller should loop again); finished reports the terminating
// zero-length chunk was seen. A chunk the sink only partly accepts is
// still consumed (done=true): feed queues its declined bytes, and those
// of any later chunk, in pendingBody in order.
func (c *Client) drainChunks() (done bool, finished bool, err error) {
	idx := bytes.Index(c.chunkBuf, []byte("\r\n"))

	if idx < 0 {
		return false, false, nil
	}

	size, perr := strconv.ParseInt(string(c.chunkBuf[:idx]), 16, 64)

	if perr != nil {
		return false, false, hwerr.ErrBadHeader
	}

	rest := c.chunkBuf[idx+2:]

	if size == 0 {
		return true, true, nil
	}

	if int64(len(rest)) < size+2 {
		return false, false, nil
	}

	if _, ferr := c.feed(rest[:size]); ferr != nil {
		return false, false, ferr
	}

	c.chunkBuf = append([]byte(nil), rest[size+2:]...)

	return true, false, nil
}

func (c *Client) readSome() (int, error) {
	return c.conn.Read(c.scratch[:])
}
