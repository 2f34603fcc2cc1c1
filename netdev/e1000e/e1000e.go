// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package e1000e implements the alternate real-hardware NIC backend: a
// from-scratch driver for the Intel e1000e family, exposing the same
// abstract operations as netdev/virtionet so the main loop can drive
// either behind the netdev.NIC interface.
package e1000e

import (
	"errors"
	"net"

	"github.com/morpheusx-boot/netstack/dma"
	"github.com/morpheusx-boot/netstack/internal/hwio"
	"github.com/morpheusx-boot/netstack/pci"
)

// Registers, offsets from BAR0 (Intel 82574/e1000e software developer manual).
const (
	regCTRL  = 0x0000
	regSTATUS = 0x0008
	regEECD  = 0x0010
	regEERD  = 0x0014
	regICR   = 0x00c0
	regIMS   = 0x00d0
	regIMC   = 0x00d8
	regRCTL  = 0x0100
	regTCTL  = 0x0400
	regRDBAL = 0x2800
	regRDBAH = 0x2804
	regRDLEN = 0x2808
	regRDH   = 0x2810
	regRDT   = 0x2818
	regRXDCTL = 0x2828
	regTDBAL = 0x3800
	regTDBAH = 0x3804
	regTDLEN = 0x3808
	regTDH   = 0x3810
	regTDT   = 0x3818
	regTXDCTL = 0x3828
	regRAL0  = 0x5400
	regRAH0  = 0x5404
	regMTA   = 0x5200 // 128 dwords
)

// CTRL bits.
const (
	ctrlRST = 1 << 26
	ctrlSLU = 1 << 6
)

// RCTL bits.
const (
	rctlEN       = 1 << 1
	rctlBAM      = 1 << 15
	rctlBSIZE2048 = 0 << 16 // 00b = 2048 bytes when BSEX=0
	rctlSECRC    = 1 << 26
)

// TCTL bits.
const (
	tctlEN  = 1 << 1
	tctlPSP = 1 << 3
	tctlCTShift  = 4
	tctlCOLDShift = 12
)

// RXDCTL/TXDCTL bits.
const (
	rxdctlEnable = 1 << 25
	txdctlEnable = 1 << 25
)

// RAH bits.
const rahAV = 1 << 31

// EERD bits and layout.
const (
	eerdStart    = 1 << 0
	eerdDone     = 1 << 4
	eerdAddrShift = 8
	eerdDataShift = 16
)

const (
	mtaDwords = 128

	txDescSize = 16
	rxDescSize = 16

	rxBufLen = 2048
)

// legacy RX/TX descriptor layouts (82574/e1000e, non-extended).
//
// RX descriptor: addr(8) status/length fields follow in the second qword.
// TX descriptor: addr(8) length(2) cso(1) cmd(1) status(1) css(1) special(2).

const (
	rxStatusDD = 1 << 0
	rxStatusEOP = 1 << 1

	txCmdEOP = 1 << 0
	txCmdIFCS = 1 << 1
	txCmdRS  = 1 << 3
	txStatusDD = 1 << 0
)

// ringSize is the number of descriptors in each of the RX and TX rings.
const ringSize = 64

// Driver implements netdev.NIC over an Intel e1000e device.
type Driver struct {
	Device *pci.Device

	base uint32 // BAR0, memory-mapped register base

	mac net.HardwareAddr

	region *dma.Region

	rxRingCPU uint64
	rxRingBus uint64
	rxBuf     [][]byte
	rxBufBus  []uint64
	rxTail    int

	txRingCPU uint64
	txRingBus uint64
	txBuf     [][]byte
	txBufBus  []uint64
	txHead    int
	txTail    int
	txInFlight []bool
}

func (d *Driver) reg(off uint32) uintptr {
	return uintptr(d.base) + uintptr(off)
}

func (d *Driver) read32(off uint32) uint32 {
	return hwio.Read32(d.reg(off))
}

func (d *Driver) write32(off uint32, v uint32) {
	hwio.Write32(d.reg(off), v)
}

// New resets and brings up an e1000e device discovered at dev, allocating
// its RX/TX descriptor rings and staging buffers from region.
// waitForReset(0) is the wait after CTRL.RST is set, after which reset
// checks that the bit has cleared; waitForReset(1) is the post-reset
// stabilization delay (spec's 100ms/10ms bounds). It is supplied by the
// caller so this package carries no timing dependency.
func New(dev *pci.Device, region *dma.Region, waitForReset func(phase int) error) (*Driver, error) {
	bar0 := dev.BaseAddress(0)

	if bar0&1 != 0 {
		return nil, errors.New("e1000e: unexpected I/O-space BAR0, expected memory")
	}

	dev.EnableBusMaster()

	d := &Driver{
		Device: dev,
		base:   uint32(bar0),
		region: region,
	}

	if err := d.reset(waitForReset); err != nil {
		return nil, err
	}

	if err := d.readMAC(); err != nil {
		return nil, err
	}

	if err := d.setupRX(); err != nil {
		return nil, err
	}

	if err := d.setupTX(); err != nil {
		return nil, err
	}

	d.enable()

	return d, nil
}

// reset performs the brutal reset sequence: mask all interrupts, quiesce
// RX/TX, assert CTRL.RST and wait for it to clear, wait for EEPROM
// auto-read/stabilization, clear the multicast table, mask interrupts
// again.
func (d *Driver) reset(waitForReset func(phase int) error) error {
	d.write32(regIMC, 0xffffffff)

	d.write32(regRCTL, d.read32(regRCTL)&^uint32(rctlEN))
	d.write32(regTCTL, d.read32(regTCTL)&^uint32(tctlEN))

	hwio.FullFence()

	ctrl := d.read32(regCTRL)
	d.write32(regCTRL, ctrl|ctrlRST)

	if waitForReset != nil {
		if err := waitForReset(0); err != nil {
			return errors.New("e1000e: CTRL.RST did not clear within 100ms")
		}
	}

	for i := 0; i < 100; i++ {
		if d.read32(regCTRL)&ctrlRST == 0 {
			break
		}
	}

	if d.read32(regCTRL)&ctrlRST != 0 {
		return errors.New("e1000e: CTRL.RST did not clear")
	}

	if waitForReset != nil {
		if err := waitForReset(1); err != nil {
			return err
		}
	}

	for i := 0; i < mtaDwords; i++ {
		d.write32(regMTA+uint32(i)*4, 0)
	}

	d.write32(regIMC, 0xffffffff)

	return nil
}

// readMAC reads the station address from RAL0/RAH0, falling back to the
// EEPROM (words 0-2 via the EERD handshake) when RAH.AV is clear or the
// address is all-zeros or all-ones.
func (d *Driver) readMAC() error {
	ral := d.read32(regRAL0)
	rah := d.read32(regRAH0)

	mac := make([]byte, 6)
	mac[0] = byte(ral)
	mac[1] = byte(ral >> 8)
	mac[2] = byte(ral >> 16)
	mac[3] = byte(ral >> 24)
	mac[4] = byte(rah)
	mac[5] = byte(rah >> 8)

	if rah&rahAV != 0 && !allBytes(mac, 0x00) && !allBytes(mac, 0xff) {
		d.mac = net.HardwareAddr(mac)
		return nil
	}

	for word := 0; word < 3; word++ {
		v, err := d.eepromRead(uint16(word))

		if err != nil {
			return err
		}

		mac[word*2] = byte(v)
		mac[word*2+1] = byte(v >> 8)
	}

	if allBytes(mac, 0x00) || allBytes(mac, 0xff) {
		return errors.New("e1000e: no valid MAC address in RAL/RAH or EEPROM")
	}

	d.mac = net.HardwareAddr(mac)

	return nil
}

func (d *Driver) eepromRead(word uint16) (uint16, error) {
	d.write32(regEERD, eerdStart|(uint32(word)<<eerdAddrShift))

	for i := 0; i < 1000; i++ {
		v := d.read32(regEERD)

		if v&eerdDone != 0 {
			return uint16(v >> eerdDataShift), nil
		}
	}

	return 0, errors.New("e1000e: EERD handshake timed out")
}

func allBytes(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}

	return true
}

func (d *Driver) setupRX() error {
	cpu, bus, buf := d.region.Reserve(ringSize*rxDescSize, 16)

	for i := range buf {
		buf[i] = 0
	}

	d.rxRingCPU = cpu
	d.rxRingBus = bus

	d.rxBuf = make([][]byte, ringSize)
	d.rxBufBus = make([]uint64, ringSize)

	for i := 0; i < ringSize; i++ {
		_, dbus, dbuf := d.region.Reserve(rxBufLen, 0)
		d.rxBuf[i] = dbuf
		d.rxBufBus[i] = dbus

		d.writeRXDescriptor(i, dbus)
	}

	d.write32(regRDBAL, uint32(bus))
	d.write32(regRDBAH, uint32(bus>>32))
	d.write32(regRDLEN, uint32(ringSize*rxDescSize))
	d.write32(regRDH, 0)
	d.write32(regRDT, uint32(ringSize-1))

	d.write32(regRXDCTL, d.read32(regRXDCTL)|rxdctlEnable)

	d.rxTail = ringSize - 1

	return nil
}

func (d *Driver) setupTX() error {
	cpu, bus, buf := d.region.Reserve(ringSize*txDescSize, 16)

	for i := range buf {
		buf[i] = 0
	}

	d.txRingCPU = cpu
	d.txRingBus = bus

	d.txBuf = make([][]byte, ringSize)
	d.txBufBus = make([]uint64, ringSize)
	d.txInFlight = make([]bool, ringSize)

	for i := 0; i < ringSize; i++ {
		_, dbus, dbuf := d.region.Reserve(2048, 0)
		d.txBuf[i] = dbuf
		d.txBufBus[i] = dbus
	}

	d.write32(regTDBAL, uint32(bus))
	d.write32(regTDBAH, uint32(bus>>32))
	d.write32(regTDLEN, uint32(ringSize*txDescSize))
	d.write32(regTDH, 0)
	d.write32(regTDT, 0)

	d.write32(regTXDCTL, d.read32(regTXDCTL)|txdctlEnable)

	return nil
}

func (d *Driver) rxDescOffset(i int) uintptr {
	return uintptr(d.rxRingCPU) + uintptr(i*rxDescSize)
}

func (d *Driver) writeRXDescriptor(i int, bufAddr uint64) {
	off := d.rxDescOffset(i)

	hwio.Write64(off, bufAddr)
	hwio.Write16(off+8, 0) // length, filled by device
	hwio.Write16(off+10, 0) // checksum
	hwio.Write8(off+12, 0)  // status
	hwio.Write8(off+13, 0)  // errors
	hwio.Write16(off+14, 0) // special
}

func (d *Driver) readRXStatus(i int) (status uint8, length uint16) {
	off := d.rxDescOffset(i)

	length = hwio.Read16(off + 8)
	status = hwio.Read8(off + 12)

	return
}

func (d *Driver) txDescOffset(i int) uintptr {
	return uintptr(d.txRingCPU) + uintptr(i*txDescSize)
}

func (d *Driver) writeTXDescriptor(i int, bufAddr uint64, length uint16, cmd uint8) {
	off := d.txDescOffset(i)

	hwio.Write64(off, bufAddr)
	hwio.Write16(off+8, length)
	hwio.Write8(off+10, 0) // cso
	hwio.Write8(off+11, cmd)
	hwio.Write8(off+12, 0) // status, cleared before submit
	hwio.Write8(off+13, 0) // css
	hwio.Write16(off+14, 0) // special
}

func (d *Driver) readTXStatus(i int) uint8 {
	return hwio.Read8(d.txDescOffset(i) + 12)
}

// enable programs RCTL/TCTL with the fixed operating parameters and
// forces link up via CTRL.SLU.
func (d *Driver) enable() {
	d.write32(regRCTL, rctlEN|rctlBAM|rctlBSIZE2048|rctlSECRC)

	tctl := uint32(tctlEN) | tctlPSP
	tctl |= 0x10 << tctlCTShift
	tctl |= 0x40 << tctlCOLDShift
	d.write32(regTCTL, tctl)

	d.write32(regCTRL, d.read32(regCTRL)|ctrlSLU)
	hwio.FullFence()
}

// MAC returns the device's hardware address.
func (d *Driver) MAC() net.HardwareAddr {
	return d.mac
}

// LinkUp reports the STATUS.LU link-up bit.
func (d *Driver) LinkUp() bool {
	const statusLU = 1 << 1
	return d.read32(regSTATUS)&statusLU != 0
}

// PollReceive returns the next received Ethernet frame, if the descriptor
// at the current tail+1 position carries DD, and advances RDT.
func (d *Driver) PollReceive() ([]byte, bool) {
	next := (d.rxTail + 1) % ringSize

	status, length := d.readRXStatus(next)

	if status&rxStatusDD == 0 {
		return nil, false
	}

	frame := make([]byte, length)
	copy(frame, d.rxBuf[next][:length])

	d.writeRXDescriptor(next, d.rxBufBus[next])
	hwio.StoreFence()

	d.rxTail = next
	d.write32(regRDT, uint32(d.rxTail))

	return frame, true
}

// Transmit copies frame into the next free TX descriptor's staging
// buffer and submits it with EOP|IFCS|RS set, advancing TDT.
func (d *Driver) Transmit(frame []byte) error {
	next := d.txTail

	if d.txInFlight[next] {
		return errors.New("e1000e: no free tx descriptor")
	}

	if len(frame) > len(d.txBuf[next]) {
		return errors.New("e1000e: frame exceeds tx buffer capacity")
	}

	copy(d.txBuf[next], frame)

	d.writeTXDescriptor(next, d.txBufBus[next], uint16(len(frame)), txCmdEOP|txCmdIFCS|txCmdRS)
	hwio.StoreFence()

	d.txInFlight[next] = true
	d.txTail = (next + 1) % ringSize

	d.write32(regTDT, uint32(d.txTail))
	hwio.FullFence()

	return nil
}

// ReclaimTransmitted polls TX descriptor status for DD and frees them in
// order, returning the number reclaimed.
func (d *Driver) ReclaimTransmitted() int {
	n := 0

	for d.txInFlight[d.txHead] {
		if d.readTXStatus(d.txHead)&txStatusDD == 0 {
			break
		}

		d.txInFlight[d.txHead] = false
		d.txHead = (d.txHead + 1) % ringSize
		n++
	}

	return n
}
