// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package download

import (
	"encoding/binary"
	"testing"
)

func TestManifestMarshalLayout(t *testing.T) {
	var sha [32]byte

	for i := range sha {
		sha[i] = byte(i)
	}

	m := Manifest{
		Length:    50 * 1024 * 1024,
		SHA256:    sha,
		URL:       "http://198.51.100.5:8000/image.bin",
		Timestamp: 1_700_000_000,
	}

	buf := m.Marshal()

	if got := binary.LittleEndian.Uint64(buf[0:8]); got != ManifestMagic {
		t.Fatalf("magic = %#x, want %#x", got, ManifestMagic)
	}

	if got := binary.LittleEndian.Uint32(buf[8:12]); got != ManifestVersion {
		t.Fatalf("version = %d, want %d", got, ManifestVersion)
	}

	if got := binary.LittleEndian.Uint32(buf[12:16]); int(got) != len(buf) {
		t.Fatalf("record length = %d, want %d", got, len(buf))
	}

	lo := binary.LittleEndian.Uint32(buf[16:20])
	hi := binary.LittleEndian.Uint32(buf[20:24])
	gotLength := uint64(hi)<<32 | uint64(lo)

	if gotLength != m.Length {
		t.Fatalf("length = %d, want %d", gotLength, m.Length)
	}

	var gotSHA [32]byte
	copy(gotSHA[:], buf[24:56])

	if gotSHA != sha {
		t.Fatalf("sha256 = %x, want %x", gotSHA, sha)
	}

	urlLen := binary.LittleEndian.Uint16(buf[56:58])

	if int(urlLen) != len(m.URL) {
		t.Fatalf("url length = %d, want %d", urlLen, len(m.URL))
	}

	gotURL := string(buf[58 : 58+urlLen])

	if gotURL != m.URL {
		t.Fatalf("url = %q, want %q", gotURL, m.URL)
	}

	gotTimestamp := binary.LittleEndian.Uint64(buf[58+urlLen:])

	if gotTimestamp != m.Timestamp {
		t.Fatalf("timestamp = %d, want %d", gotTimestamp, m.Timestamp)
	}

	if len(buf) != manifestHeaderLen+len(m.URL)+8 {
		t.Fatalf("total length = %d, want %d", len(buf), manifestHeaderLen+len(m.URL)+8)
	}
}

func TestManifestMarshalEmptyURL(t *testing.T) {
	m := Manifest{Length: 0, URL: ""}
	buf := m.Marshal()

	if len(buf) != manifestHeaderLen+8 {
		t.Fatalf("total length = %d, want %d", len(buf), manifestHeaderLen+8)
	}

	if urlLen := binary.LittleEndian.Uint16(buf[56:58]); urlLen != 0 {
		t.Fatalf("url length = %d, want 0", urlLen)
	}
}
