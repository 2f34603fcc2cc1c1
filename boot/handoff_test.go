// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package boot

import (
	"encoding/binary"
	"testing"
)

func validRecord() []byte {
	h := Handoff{
		Version:    Version,
		DMACPUPtr:  0x1000_0000,
		DMABusAddr: 0x1000_0000,
		DMASize:    0x200000,
		TSCFreq:    2_500_000_000,
		StackTop:   0x7FFE_0000,
		StackSize:  0x10000,
	}

	return Marshal(h)
}

func TestValidateAcceptsWellFormedRecord(t *testing.T) {
	if !Validate(validRecord()) {
		t.Fatal("Validate() = false on a well-formed record")
	}
}

// TestValidateRejectsSingleFieldMutation exercises scenario 1: zeroing
// any single checked field of an otherwise-valid record must invalidate it.
func TestValidateRejectsSingleFieldMutation(t *testing.T) {
	base := validRecord()

	mutations := []struct {
		name  string
		off   int
		width int
	}{
		{"magic", offMagic, 8},
		{"version", offVersion, 4},
		{"size", offSize, 4},
		{"dma_cpu_ptr", offDMACPU, 8},
		{"dma_bus_addr", offDMABus, 8},
		{"tsc_freq", offTSCFreq, 8},
		{"stack_top", offStackTop, 8},
	}

	for _, m := range mutations {
		buf := append([]byte(nil), base...)

		for i := m.off; i < m.off+m.width; i++ {
			buf[i] = 0
		}

		if Validate(buf) {
			t.Errorf("Validate() = true after mutating %s", m.name)
		}
	}
}

func TestValidateRejectsWrongLength(t *testing.T) {
	if Validate(validRecord()[:Size-1]) {
		t.Fatal("Validate() = true on a truncated record")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := Handoff{
		Version: Version,
		NIC: DeviceRecord{
			MMIOBase: 0xfeb02e00,
			Bus:      0,
			Dev:      3,
			Func:     0,
			TypeTag:  NICVirtio,
			MAC:      [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
			Present:  true,
		},
		Block: DeviceRecord{
			MMIOBase:     0xfeb03000,
			Bus:          0,
			Dev:          4,
			Func:         0,
			TypeTag:      TransportMMIO,
			SectorSize:   512,
			TotalSectors: 204800,
			Present:      true,
		},
		DMACPUPtr:  0x1000_0000,
		DMABusAddr: 0x1000_0000,
		DMASize:    0x200000,
		TSCFreq:    2_500_000_000,
		StackTop:   0x7FFE_0000,
		StackSize:  0x10000,
	}

	buf := Marshal(want)

	got, err := Unmarshal(buf)

	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if got != want {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}

	// re-serializing the decoded form must reproduce the same bytes.
	again := Marshal(got)

	if !bytesEqual(buf, again) {
		t.Fatal("re-marshaling the decoded record did not reproduce the original bytes")
	}
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	if _, err := Unmarshal(make([]byte, Size-1)); err == nil {
		t.Fatal("Unmarshal() on a short buffer succeeded")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func TestDeviceRecordAbsentWhenAllZero(t *testing.T) {
	h := Handoff{Version: Version, DMACPUPtr: 1, DMABusAddr: 1, TSCFreq: 1, StackTop: 1}

	buf := Marshal(h)
	got, err := Unmarshal(buf)

	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if got.NIC.Present || got.Block.Present {
		t.Fatal("an all-zero device record was reported Present")
	}
}

func TestMagicConstantMatchesASCII(t *testing.T) {
	// the magic's numeric value spells "MORPHEUS" when its bytes are read
	// most-significant first; the field itself is still stored
	// little-endian on the wire, same as every other BootHandoff field.
	want := binary.BigEndian.Uint64([]byte("MORPHEUS"))

	if Magic != want {
		t.Fatalf("Magic = %#x, want %#x (ASCII MORPHEUS, most-significant byte first)", Magic, want)
	}
}
