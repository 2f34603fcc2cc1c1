// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package httpclient

import (
	"bytes"
	"strings"
	"testing"
)

// capSink accepts at most max bytes per Write call, simulating a slow
// disk writer that occasionally declines part of what it's handed.
type capSink struct {
	max int
	buf []byte
}

func (s *capSink) Write(p []byte) (int, error) {
	n := len(p)

	if s.max >= 0 && n > s.max {
		n = s.max
	}

	s.buf = append(s.buf, p[:n]...)

	return n, nil
}

func newClientForTest() *Client {
	c := &Client{}
	c.resp = Response{ContentLength: -1}

	return c
}

func TestBuildRequestLine(t *testing.T) {
	c := newClientForTest()
	c.host = "example.test"
	c.path = "/image.bin"

	req := c.buildRequest()

	if !strings.HasPrefix(req, "GET /image.bin HTTP/1.1\r\n") {
		t.Fatalf("buildRequest() missing request line: %q", req)
	}

	if !strings.Contains(req, "Host: example.test\r\n") {
		t.Fatalf("buildRequest() missing Host header: %q", req)
	}

	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Fatalf("buildRequest() missing terminating CRLFCRLF: %q", req)
	}
}

func TestParseHeadersOKWithContentLength(t *testing.T) {
	c := newClientForTest()
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 1024\r\nServer: test\r\n"

	if err := c.parseHeaders([]byte(raw)); err != nil {
		t.Fatalf("parseHeaders() error: %v", err)
	}

	if c.resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", c.resp.Status)
	}

	if c.resp.ContentLength != 1024 {
		t.Fatalf("ContentLength = %d, want 1024", c.resp.ContentLength)
	}

	if c.resp.Chunked {
		t.Fatal("Chunked = true, want false")
	}
}

func TestParseHeadersChunked(t *testing.T) {
	c := newClientForTest()
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n"

	if err := c.parseHeaders([]byte(raw)); err != nil {
		t.Fatalf("parseHeaders() error: %v", err)
	}

	if !c.resp.Chunked {
		t.Fatal("Chunked = false, want true")
	}
}

func TestParseHeadersRejectsNonSuccessStatus(t *testing.T) {
	c := newClientForTest()
	raw := "HTTP/1.1 404 Not Found\r\n"

	if err := c.parseHeaders([]byte(raw)); err == nil {
		t.Fatal("parseHeaders() accepted a 404 response")
	}
}

func TestParseHeadersRejectsMalformedStatusLine(t *testing.T) {
	c := newClientForTest()

	if err := c.parseHeaders([]byte("garbage\r\n")); err == nil {
		t.Fatal("parseHeaders() accepted a malformed status line")
	}
}

func TestFeedTrimsToRemainingContentLength(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: -1}
	c.sink = sink
	c.remaining = 4

	accepted, err := c.feed([]byte("abcdef"))

	if err != nil || !accepted {
		t.Fatalf("feed() = (%v, %v), want (true, nil)", accepted, err)
	}

	if string(sink.buf) != "abcd" {
		t.Fatalf("sink received %q, want %q", sink.buf, "abcd")
	}

	if c.remaining != 0 {
		t.Fatalf("remaining = %d, want 0", c.remaining)
	}
}

func TestFeedStashesDeclinedBytesInPendingBody(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: 3}
	c.sink = sink
	c.remaining = -1

	accepted, err := c.feed([]byte("abcdef"))

	if err != nil || accepted {
		t.Fatalf("feed() = (%v, %v), want (false, nil)", accepted, err)
	}

	if string(c.pendingBody) != "def" {
		t.Fatalf("pendingBody = %q, want %q", c.pendingBody, "def")
	}
}

func TestFlushPendingDrainsPartially(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: 2}
	c.sink = sink
	c.pendingBody = []byte("abcd")

	ok, err := c.flushPending()

	if err != nil || ok {
		t.Fatalf("flushPending() = (%v, %v), want (false, nil) on first partial drain", ok, err)
	}

	if string(c.pendingBody) != "cd" {
		t.Fatalf("pendingBody = %q, want %q", c.pendingBody, "cd")
	}

	sink.max = -1

	ok, err = c.flushPending()

	if err != nil || !ok {
		t.Fatalf("flushPending() = (%v, %v), want (true, nil) once sink can accept the rest", ok, err)
	}

	if len(c.pendingBody) != 0 {
		t.Fatalf("pendingBody not drained: %q", c.pendingBody)
	}
}

func TestDrainChunksConsumesMultipleChunks(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: -1}
	c.sink = sink
	c.remaining = -1
	c.chunkBuf = []byte("4\r\nabcd\r\n3\r\nxyz\r\n0\r\n\r\n")

	for {
		done, finished, err := c.drainChunks()

		if err != nil {
			t.Fatalf("drainChunks() error: %v", err)
		}

		if finished {
			break
		}

		if !done {
			t.Fatal("drainChunks() stalled before reaching the terminating chunk")
		}
	}

	if !bytes.Equal(sink.buf, []byte("abcdxyz")) {
		t.Fatalf("sink received %q, want %q", sink.buf, "abcdxyz")
	}
}

func TestDrainChunksWaitsForMoreDataOnPartialChunk(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: -1}
	c.sink = sink
	c.remaining = -1
	c.chunkBuf = []byte("a\r\nabc") // declares 10 bytes, only 3 present

	done, finished, err := c.drainChunks()

	if err != nil || done || finished {
		t.Fatalf("drainChunks() = (%v, %v, %v), want (false, false, nil)", done, finished, err)
	}
}

func TestDrainChunksStopsOnBackpressure(t *testing.T) {
	c := newClientForTest()
	sink := &capSink{max: 2}
	c.sink = sink
	c.remaining = -1
	c.chunkBuf = []byte("4\r\nabcd\r\n")

	done, finished, err := c.drainChunks()

	if err != nil || finished || !done {
		t.Fatalf("drainChunks() = (%v, %v, %v), want (true, false, nil)", done, finished, err)
	}

	if string(c.pendingBody) != "cd" {
		t.Fatalf("pendingBody = %q, want %q", c.pendingBody, "cd")
	}
}
