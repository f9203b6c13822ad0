package chirp

import (
	"time"

	"tinygo.org/x/drivers"
)

// Board is the pin-level surface of the host platform. Per-device calls
// receive the Device so the board can look up its IOIndex and Bus.
//
// The group-wide INT operations must act on every INT line at once: the
// RTC calibration pulse is only meaningful if all sensors observe the same
// edges.
type Board interface {
	// PinInit asserts RESET_N and every PROG line and configures the INT
	// lines as inputs.
	PinInit() error
	// I2CInit brings up every bus used by the group.
	I2CInit() error
	// I2CReset recovers a bus after a failed transfer.
	I2CReset(bus int)

	ResetAssert()
	ResetRelease()
	ProgramEnable(d *Device)
	ProgramDisable(d *Device)

	GroupSetIODirOut()
	GroupSetIODirIn()
	GroupIOSet()
	GroupIOClear()
	GroupInterruptEnable()
	GroupInterruptDisable()

	SetIODirOut(d *Device)
	SetIODirIn(d *Device)
	IOSet(d *Device)
	IOClear(d *Device)
	InterruptEnable(d *Device)
	InterruptDisable(d *Device)
}

// Clock provides the blocking delays and the millisecond timestamp used by
// lock polling and calibration.
type Clock interface {
	DelayMS(ms uint32)
	DelayUS(us uint32)
	TimestampMS() uint32
}

// SystemClock implements Clock with the time package.
type SystemClock struct{ start time.Time }

// NewSystemClock returns a Clock whose timestamps start at zero.
func NewSystemClock() *SystemClock { return &SystemClock{start: time.Now()} }

func (c *SystemClock) DelayMS(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }
func (c *SystemClock) DelayUS(us uint32) { time.Sleep(time.Duration(us) * time.Microsecond) }
func (c *SystemClock) TimestampMS() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// AsyncI2C is implemented by transports that can start a transfer and
// report completion later. The platform must call Group.I2CComplete with
// the bus index once the transfer finishes.
type AsyncI2C interface {
	drivers.I2C
	TxAsync(addr uint16, w, r []byte) error
}

// maxTxSizer is implemented by transports with a transfer size limit.
type maxTxSizer interface {
	MaxTxSize() int
}

func maxTxSize(b drivers.I2C) int {
	if l, ok := b.(maxTxSizer); ok {
		return l.MaxTxSize()
	}
	return 0
}
