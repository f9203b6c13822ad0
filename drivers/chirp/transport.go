package chirp

import (
	"tinygo.org/x/drivers"

	"soniclib-go/errcode"
	"soniclib-go/x/mathx"
)

// Application register access. Writes carry a length byte ahead of the
// payload; words travel little-endian.

// WriteReg8 writes one application register.
func (d *Device) WriteReg8(reg byte, v byte) error {
	d.w[0], d.w[1], d.w[2] = reg, 1, v
	return errcode.Wrap(errcode.Transport, "write_byte", d.bus().Tx(d.addr, d.w[:3], nil))
}

// WriteReg16 writes a 16-bit application register.
func (d *Device) WriteReg16(reg byte, v uint16) error {
	d.w[0], d.w[1], d.w[2], d.w[3] = reg, 2, byte(v), byte(v>>8)
	return errcode.Wrap(errcode.Transport, "write_word", d.bus().Tx(d.addr, d.w[:4], nil))
}

// ReadReg8 reads one application register.
func (d *Device) ReadReg8(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.bus().Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, errcode.Wrap(errcode.Transport, "read_byte", err)
	}
	return d.r[0], nil
}

// ReadReg16 reads a 16-bit application register.
func (d *Device) ReadReg16(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.bus().Tx(d.addr, d.w[:1], d.r[:2]); err != nil {
		return 0, errcode.Wrap(errcode.Transport, "read_word", err)
	}
	return uint16(d.r[0]) | uint16(d.r[1])<<8, nil
}

// BurstWrite writes data to consecutive registers starting at reg, split
// into transfers the bus can carry.
func (d *Device) BurstWrite(reg byte, data []byte) error {
	chunk := burstChunk(d.bus(), 1, len(data))
	var buf [1 + ProgXferSize]byte
	for off := 0; off < len(data); off += chunk {
		n := mathx.Min(chunk, len(data)-off)
		if int(reg)+off > 0xFF {
			return errcode.New(errcode.InvalidParams, "burst_write", "register address overflow")
		}
		buf[0] = reg + byte(off)
		copy(buf[1:], data[off:off+n])
		if err := d.bus().Tx(d.addr, buf[:1+n], nil); err != nil {
			return errcode.Wrap(errcode.Transport, "burst_write", err)
		}
	}
	return nil
}

// BurstRead fills buf from consecutive registers starting at reg.
func (d *Device) BurstRead(reg byte, buf []byte) error {
	chunk := burstChunk(d.bus(), 0, len(buf))
	for off := 0; off < len(buf); off += chunk {
		n := mathx.Min(chunk, len(buf)-off)
		if int(reg)+off > 0xFF {
			return errcode.New(errcode.InvalidParams, "burst_read", "register address overflow")
		}
		d.w[0] = reg + byte(off)
		if err := d.bus().Tx(d.addr, d.w[:1], buf[off:off+n]); err != nil {
			return errcode.Wrap(errcode.Transport, "burst_read", err)
		}
	}
	return nil
}

// burstChunk returns the payload size of one transfer given the header
// overhead, capped at ProgXferSize and at the bus limit.
func burstChunk(b drivers.I2C, header, total int) int {
	chunk := ProgXferSize
	if lim := maxTxSize(b); lim > header && lim-header < chunk {
		chunk = lim - header
	}
	if total > 0 && total < chunk {
		chunk = total
	}
	return chunk
}

// Programming interface.

// useProgAddress switches the device to the programming address. The
// returned func restores the previous address and must run on every path.
func (d *Device) useProgAddress() (restore func()) {
	saved := d.addr
	d.addr = ProgAddress
	return func() { d.addr = saved }
}

func (d *Device) progTx(w, r []byte) error {
	defer d.useProgAddress()()
	return d.bus().Tx(d.addr, w, r)
}

// progWrite writes a programming-interface register.
func (d *Device) progWrite(reg byte, v uint16) error {
	d.w[0] = progWriteBit | reg
	d.w[1] = byte(v)
	d.w[2] = byte(v >> 8)
	n := 1 + progRegWidth(reg)
	return errcode.Wrap(errcode.Transport, "prog_write", d.progTx(d.w[:n], nil))
}

// progRead reads a programming-interface register in one write-then-read
// transfer.
func (d *Device) progRead(reg byte) (uint16, error) {
	n := progRegWidth(reg)
	d.w[0] = reg &^ progWriteBit
	d.r[1] = 0
	if err := d.progTx(d.w[:1], d.r[:n]); err != nil {
		return 0, errcode.Wrap(errcode.Transport, "prog_read", err)
	}
	return uint16(d.r[0]) | uint16(d.r[1])<<8, nil
}

// progMemWrite writes sensor memory through the programming interface.
// Single bytes and aligned words use the data register; longer blocks use
// a burst, chunked to ProgXferSize and the bus limit.
func (d *Device) progMemWrite(addr uint16, data []byte) error {
	if shortMemAccess(addr, len(data)) {
		v := uint16(data[0])
		if len(data) == 2 {
			v |= uint16(data[1]) << 8
		}
		if err := d.progWrite(progRegAddr, addr); err != nil {
			return err
		}
		return d.progWrite(progRegData, v)
	}
	chunk := burstChunk(d.bus(), 2, len(data))
	var buf [2 + ProgXferSize]byte
	buf[0], buf[1] = progWriteBit|progRegCtl, progBurstWrite
	for off := 0; off < len(data); off += chunk {
		n := mathx.Min(chunk, len(data)-off)
		if err := d.progArm(addr+uint16(off), n); err != nil {
			return err
		}
		copy(buf[2:], data[off:off+n])
		if err := d.progTx(buf[:2+n], nil); err != nil {
			return errcode.Wrap(errcode.Transport, "prog_mem_write", err)
		}
	}
	return nil
}

// progMemRead reads sensor memory through the programming interface.
func (d *Device) progMemRead(addr uint16, buf []byte) error {
	if shortMemAccess(addr, len(buf)) {
		if err := d.progWrite(progRegAddr, addr); err != nil {
			return err
		}
		v, err := d.progRead(progRegData)
		if err != nil {
			return err
		}
		buf[0] = byte(v)
		if len(buf) == 2 {
			buf[1] = byte(v >> 8)
		}
		return nil
	}
	chunk := burstChunk(d.bus(), 0, len(buf))
	hdr := [2]byte{progWriteBit | progRegCtl, progBurstRead}
	for off := 0; off < len(buf); off += chunk {
		n := mathx.Min(chunk, len(buf)-off)
		if err := d.progArm(addr+uint16(off), n); err != nil {
			return err
		}
		if err := d.progTx(hdr[:], buf[off:off+n]); err != nil {
			return errcode.Wrap(errcode.Transport, "prog_mem_read", err)
		}
	}
	return nil
}

// progArm loads the address and count registers ahead of a burst.
func (d *Device) progArm(addr uint16, n int) error {
	if err := d.progWrite(progRegAddr, addr); err != nil {
		return err
	}
	return d.progWrite(progRegCnt, uint16(n-1))
}

func shortMemAccess(addr uint16, n int) bool {
	return n == 1 || (n == 2 && addr&1 == 0)
}
