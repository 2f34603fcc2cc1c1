// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dnsclient

import (
	"bytes"
	"encoding/binary"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
)

func TestEncodeNameLabels(t *testing.T) {
	got := encodeName("example.com")
	want := []byte{7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0}

	if !bytes.Equal(got, want) {
		t.Fatalf("encodeName() = %v, want %v", got, want)
	}
}

func TestBuildQueryEncodesIDAndQuestion(t *testing.T) {
	buf := buildQuery(0xABCD, "host.test")

	if binary.BigEndian.Uint16(buf[0:2]) != 0xABCD {
		t.Fatalf("id mismatch")
	}

	if binary.BigEndian.Uint16(buf[4:6]) != 1 {
		t.Fatalf("QDCOUNT = %d, want 1", binary.BigEndian.Uint16(buf[4:6]))
	}

	name := encodeName("host.test")

	if !bytes.Equal(buf[12:12+len(name)], name) {
		t.Fatalf("question name not encoded at expected offset")
	}
}

// answerPacket builds a minimal DNS response with one question and one A
// record answer, no name compression.
func answerPacket(id uint16, rcode uint16, name string, a [4]byte) []byte {
	buf := make([]byte, 12)

	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[2:4], 0x8180|rcode)
	binary.BigEndian.PutUint16(buf[4:6], 1)
	binary.BigEndian.PutUint16(buf[6:8], 1)

	qname := encodeName(name)
	buf = append(buf, qname...)
	buf = append(buf, 0, typeA, 0, classINET)

	buf = append(buf, qname...)
	buf = append(buf, 0, typeA, 0, classINET) // TYPE, CLASS
	buf = append(buf, 0, 0, 0, 60)            // TTL
	buf = append(buf, 0, 4)                   // RDLENGTH
	buf = append(buf, a[:]...)

	return buf
}

func TestParseAnswerExtractsARecord(t *testing.T) {
	pkt := answerPacket(42, 0, "host.test", [4]byte{198, 51, 100, 9})

	addr, nxdomain, ok := parseAnswer(pkt, 42, "host.test")

	if !ok || nxdomain {
		t.Fatalf("parseAnswer() ok=%v nxdomain=%v, want ok=true nxdomain=false", ok, nxdomain)
	}

	if addr != tcpip.Address([]byte{198, 51, 100, 9}) {
		t.Fatalf("addr = %v, want 198.51.100.9", addr)
	}
}

func TestParseAnswerReportsNXDomain(t *testing.T) {
	pkt := answerPacket(7, 3, "missing.test", [4]byte{0, 0, 0, 0})

	_, nxdomain, ok := parseAnswer(pkt, 7, "missing.test")

	if !ok || !nxdomain {
		t.Fatalf("parseAnswer() ok=%v nxdomain=%v, want ok=true nxdomain=true", ok, nxdomain)
	}
}

func TestParseAnswerRejectsMismatchedID(t *testing.T) {
	pkt := answerPacket(1, 0, "host.test", [4]byte{1, 2, 3, 4})

	_, _, ok := parseAnswer(pkt, 2, "host.test")

	if ok {
		t.Fatal("parseAnswer() accepted a response with a mismatched id")
	}
}

func TestParseAnswerRejectsTruncatedPacket(t *testing.T) {
	_, _, ok := parseAnswer([]byte{0, 1, 2}, 1, "host.test")

	if ok {
		t.Fatal("parseAnswer() accepted a packet shorter than a DNS header")
	}
}

func TestSkipNameHandlesCompressionPointer(t *testing.T) {
	pkt := []byte{0xc0, 0x0c, 0xff}

	ok, off := skipName(pkt, 0)

	if !ok || off != 2 {
		t.Fatalf("skipName() = (%v, %d), want (true, 2)", ok, off)
	}
}

func TestSkipNameHandlesRootLabel(t *testing.T) {
	pkt := []byte{0}

	ok, off := skipName(pkt, 0)

	if !ok || off != 1 {
		t.Fatalf("skipName() = (%v, %d), want (true, 1)", ok, off)
	}
}
