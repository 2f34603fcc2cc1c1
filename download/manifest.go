// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package download

import "encoding/binary"

// ManifestMagic identifies a manifest record: ASCII "MXMANIFEST" would
// overflow 8 bytes, so the record uses the same BootHandoff-style ASCII
// derivation truncated to what fits a u64: "MXDLMNFT".
const ManifestMagic uint64 = 0x4D58444C4D4E4654

// ManifestVersion is the only manifest layout version this writer
// produces.
const ManifestVersion uint32 = 1

// manifestHeaderLen is everything before the variable-length URL: magic
// (8) + version (4) + record length (4) + payload length lo/hi (4+4) +
// SHA-256 (32) + URL length (2).
const manifestHeaderLen = 8 + 4 + 4 + 4 + 4 + 32 + 2

// Manifest is the fixed-layout record appended after the downloaded
// payload: magic, version, payload length, SHA-256, URL length+bytes,
// and a timestamp (the TSC reading when the manifest is written, divided
// by the handoff's tsc_freq: whole seconds of TSC count).
type Manifest struct {
	Length    uint64
	SHA256    [32]byte
	URL       string
	Timestamp uint64
}

// Marshal encodes m into its on-disk byte form.
func (m Manifest) Marshal() []byte {
	urlBytes := []byte(m.URL)
	total := manifestHeaderLen + len(urlBytes) + 8 // + timestamp

	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[0:8], ManifestMagic)
	binary.LittleEndian.PutUint32(buf[8:12], ManifestVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(total))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.Length))
	// Length can exceed 32 bits for large images; store the low and high
	// halves across the reserved span rather than truncate silently.
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.Length>>32))

	copy(buf[24:56], m.SHA256[:])
	binary.LittleEndian.PutUint16(buf[56:58], uint16(len(urlBytes)))
	copy(buf[58:58+len(urlBytes)], urlBytes)
	binary.LittleEndian.PutUint64(buf[58+len(urlBytes):], m.Timestamp)

	return buf
}
