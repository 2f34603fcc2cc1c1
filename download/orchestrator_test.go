// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package download

import (
	"crypto/sha256"
	"testing"

	"github.com/morpheusx-boot/netstack/boottime"
)

// fakeBlock is a small in-memory blockdev.Device standing in for
// virtioblk during unit tests: every Write completes immediately and is
// reclaimed the next ReclaimWrites call, rather than going through a
// used ring.
type fakeBlock struct {
	sectorSize uint32
	sectors    map[uint64][]byte
	pendingAck int
}

func newFakeBlock(sectorSize uint32) *fakeBlock {
	return &fakeBlock{sectorSize: sectorSize, sectors: make(map[uint64][]byte)}
}

func (f *fakeBlock) SectorSize() uint32   { return f.sectorSize }
func (f *fakeBlock) TotalSectors() uint64 { return 1 << 20 }

func (f *fakeBlock) Read(sector uint64, buf []byte) (bool, error) {
	data, ok := f.sectors[sector]

	if !ok {
		return false, nil
	}

	copy(buf, data)

	return true, nil
}

func (f *fakeBlock) Write(sector uint64, buf []byte) error {
	cp := append([]byte(nil), buf...)
	f.sectors[sector] = cp
	f.pendingAck++

	return nil
}

func (f *fakeBlock) ReclaimWrites() int {
	n := f.pendingAck
	f.pendingAck = 0

	return n
}

func testOrchestrator(t *testing.T, sectorSize uint32) (*Orchestrator, *fakeBlock) {
	t.Helper()

	block := newFakeBlock(sectorSize)

	o := &Orchestrator{
		block:        block,
		startSector:  0,
		sectorCursor: 0,
		sectorSize:   sectorSize,
		hasher:       sha256.New(),
		clock:        boottime.Config{Hz: 1_000_000},
		mirrorURL:    "http://198.51.100.5:8000/image.bin",
		state:        Downloading,
	}

	return o, block
}

func TestWriteFillsWholeSectors(t *testing.T) {
	o, block := testOrchestrator(t, 512)

	payload := make([]byte, 512*3)

	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := o.Write(payload)

	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if n != len(payload) {
		t.Fatalf("Write() accepted %d bytes, want %d", n, len(payload))
	}

	if o.inFlight != 3 {
		t.Fatalf("inFlight = %d, want 3", o.inFlight)
	}

	if len(block.sectors) != 3 {
		t.Fatalf("block has %d sectors written, want 3", len(block.sectors))
	}

	if o.sectorCursor != 3 {
		t.Fatalf("sectorCursor = %d, want 3", o.sectorCursor)
	}
}

func TestWriteBuffersPartialTrailingSector(t *testing.T) {
	o, block := testOrchestrator(t, 512)

	n, err := o.Write(make([]byte, 600))

	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if n != 600 {
		t.Fatalf("Write() accepted %d bytes, want 600", n)
	}

	if len(block.sectors) != 1 {
		t.Fatalf("block has %d sectors written, want 1", len(block.sectors))
	}

	if len(o.writeBuf) != 88 {
		t.Fatalf("writeBuf = %d bytes, want 88", len(o.writeBuf))
	}
}

func TestWriteRefusesBytesOnceCapacityReached(t *testing.T) {
	o, _ := testOrchestrator(t, 512)
	o.inFlight = maxInFlightWrites // saturate the in-flight budget directly

	bufferCap := int64(maxInFlightWrites+1) * int64(o.sectorSize)

	// Fill writeBuf up to the cap without tripping the in-flight submit
	// loop (inFlight is already maxed, so Write can't drain it further).
	n, err := o.Write(make([]byte, bufferCap))

	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if int64(n) != bufferCap {
		t.Fatalf("Write() accepted %d bytes, want %d (buffer not yet full)", n, bufferCap)
	}

	n, err = o.Write([]byte{1, 2, 3})

	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if n != 0 {
		t.Fatalf("Write() accepted %d bytes once the write-ahead buffer was full, want 0", n)
	}
}

func TestWriteUpdatesRunningHash(t *testing.T) {
	o, _ := testOrchestrator(t, 512)

	payload := []byte("hello, morpheusx")
	o.Write(payload)

	want := sha256.Sum256(payload)
	got := o.hasher.Sum(nil)

	if string(got) != string(want[:]) {
		t.Fatalf("hasher state diverged from sha256.Sum256 of the same input")
	}

	if o.offset != uint64(len(payload)) {
		t.Fatalf("offset = %d, want %d", o.offset, len(payload))
	}
}

func TestStepVerifyFlushesPartialSectorAndComputesHash(t *testing.T) {
	o, block := testOrchestrator(t, 512)

	payload := make([]byte, 700)

	for i := range payload {
		payload[i] = byte(i)
	}

	o.Write(payload)

	if outcome := o.stepVerify(); outcome != Pending {
		t.Fatalf("stepVerify() first call = %v, want Pending (flushing trailing partial sector)", outcome)
	}

	if o.state != Downloading {
		t.Fatalf("state advanced to %v before the flush write was reclaimed", o.state)
	}

	// fakeBlock completes the flush write at once; the next step reaps it.

	if outcome := o.stepVerify(); outcome != Pending {
		t.Fatalf("stepVerify() second call = %v, want Pending (moving to WritingManifest)", outcome)
	}

	if o.state != WritingManifest {
		t.Fatalf("state = %v, want WritingManifest", o.state)
	}

	want := sha256.Sum256(payload)

	if o.finalHash != want {
		t.Fatalf("finalHash = %x, want %x", o.finalHash, want)
	}

	if len(block.sectors) != 2 {
		t.Fatalf("block has %d sectors written, want 2 (one full, one padded)", len(block.sectors))
	}
}

func TestStepManifestWaitsForReclaimBeforeDone(t *testing.T) {
	o, _ := testOrchestrator(t, 512)
	o.state = WritingManifest
	o.finalHash = sha256.Sum256(nil)

	if outcome := o.stepManifest(1_000_000); outcome != Pending {
		t.Fatalf("stepManifest() first call = %v, want Pending", outcome)
	}

	if o.state != WritingManifest {
		t.Fatalf("state advanced to %v before the manifest write was reclaimed", o.state)
	}

	if !o.manifestWritten {
		t.Fatal("manifestWritten = false after submitting the manifest sector")
	}

	// fakeBlock completes the manifest write at once; the next step reaps it.

	if outcome := o.stepManifest(1_000_001); outcome != OutcomeDone {
		t.Fatalf("stepManifest() second call = %v, want OutcomeDone", outcome)
	}

	if o.state != Done {
		t.Fatalf("state = %v, want Done", o.state)
	}
}
