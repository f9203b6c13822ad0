// Package chirp drives CH101/CH201 ultrasonic time-of-flight sensors.
//
// A Group owns the shared resources of one sensor array: the I2C buses, the
// RESET_N line, the INT lines used for triggering and RTC calibration, and
// one non-blocking I/O queue per bus. Devices are allocated by the caller and
// registered with Group.Init; Group.Start then resets every sensor, loads
// its firmware through the programming interface, waits for frequency lock
// and calibrates each sensor's real-time clock against the host clock.
//
// Sensor behaviour that varies by firmware image is described by the
// Firmware interface. Common implementations are used unless a firmware
// value implements one of the override interfaces (RangeReader,
// AmplitudeReader, ...). An operation the firmware cannot perform returns
// errcode.Unsupported.
//
// Distances are integers: ranges are reported in 1/32 mm, everything else
// in mm or in samples. No floating point is used.
package chirp

import "time"

// Bus addresses and protocol constants.
const (
	// ProgAddress is the fixed address a sensor answers on while its PROG
	// line is asserted.
	ProgAddress = 0x45
	// AppAddressBase is the first application address handed out when a
	// Port leaves Address unset.
	AppAddressBase = 0x29

	SpeedOfSoundMPS = 343

	// NoTarget is returned by Range when the sensor did not detect an echo.
	NoTarget uint32 = 0xFFFFFFFF
	// MinRange is reported for RX-only nodes whose pre-trigger correction
	// exceeds the measured range.
	MinRange uint32 = 1

	// ProgXferSize bounds one programming-interface memory transfer.
	ProgXferSize = 256
	// ProgXferRetry is the number of full reprogramming attempts made by
	// Group.Start after the first one fails.
	ProgXferRetry = 4
	// LockRetry is the number of extra reprogramming attempts made when a
	// sensor fails to report frequency lock.
	LockRetry = 1

	// IQChunk is the number of samples converted per pass when amplitudes
	// are derived from I/Q data.
	IQChunk = 64

	DefaultRTCCalPulseMS = 100
	DefaultLockTimeout   = 100 * time.Millisecond
)

// Programming-interface registers. Registers with bit 6 set are 8 bits wide,
// the rest are 16 bits.
const (
	progRegPing = 0x00
	progRegAddr = 0x05
	progRegData = 0x06
	progRegCnt  = 0x07
	progRegCPU  = 0x42
	progRegCtl  = 0x44
)

const (
	progWriteBit   = 0x80
	progBurstWrite = 0x0B
	progBurstRead  = 0x09

	cpuReset = 0x40
	cpuHalt  = 0x11
	cpuRun   = 0x02

	progMemAddr    = 0xF800
	idleLoopAddr   = 0xFFFC
	appAddrMemAddr = 0x01C5
	pmutCntrl4Addr = 0x01A6
)

// Signature bytes returned by the ping register.
const (
	SigByte0 = 0x0A
	SigByte1 = 0x02
)

func progRegWidth(reg byte) int {
	if reg&0x40 != 0 {
		return 1
	}
	return 2
}

// Part identifies the sensor silicon.
type Part uint16

const (
	CH101 Part = 101
	CH201 Part = 201
)

func (p Part) String() string {
	switch p {
	case CH101:
		return "CH101"
	case CH201:
		return "CH201"
	}
	return "unknown"
}

// MaxSamples is the largest receive window the part supports.
func (p Part) MaxSamples() uint16 {
	if p == CH201 {
		return 450
	}
	return 225
}

// MaxTickInterval is the largest value the tick interval register accepts.
// Idle mode parks the register at this value.
func (p Part) MaxTickInterval() uint16 { return 256 }

// scaleDivisor is the first divisor of the mm to samples conversion.
func (p Part) scaleDivisor() uint32 {
	if p == CH201 {
		return 0x4000
	}
	return 0x2000
}

// doubleSample reports whether one internal sample unit covers two
// physical samples.
func (p Part) doubleSample() bool { return p == CH201 }

func (p Part) freqCounterCycles() uint32 { return 128 }

// bandwidthIndexes are the I/Q sample positions used to estimate bandwidth.
func (p Part) bandwidthIndexes() (uint16, uint16) {
	if p == CH201 {
		return 4, 5
	}
	return 6, 7
}

// Mode is the sensor operating mode.
type Mode uint8

const (
	ModeIdle            Mode = 0x00
	ModeFreeRun         Mode = 0x02
	ModeTriggeredTxRx   Mode = 0x10
	ModeTriggeredRxOnly Mode = 0x20
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeFreeRun:
		return "free_run"
	case ModeTriggeredTxRx:
		return "triggered_tx_rx"
	case ModeTriggeredRxOnly:
		return "triggered_rx_only"
	}
	return "unknown"
}

// ParseMode maps the String form back to a Mode.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeIdle, ModeFreeRun, ModeTriggeredTxRx, ModeTriggeredRxOnly} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeIdle, false
}

// RangeType selects how the time of flight is turned into a distance.
type RangeType uint8

const (
	// RangeOneWay halves the echo path: distance to the target.
	RangeOneWay RangeType = iota
	// RangeRoundTrip reports the full echo path.
	RangeRoundTrip
	// RangeDirect is used for pitch-catch pairs, where the path is
	// transmitter to receiver.
	RangeDirect
)

// ProgState tracks a device through discovery and programming.
type ProgState uint8

const (
	StateUnprogrammed ProgState = iota
	StateProbing
	StateProgramming
	StateStarting
	StateRunning
	StateNotConnected
)

func (s ProgState) String() string {
	return [...]string{"unprogrammed", "probing", "programming", "starting", "running", "not_connected"}[s]
}

// IQSample is one raw receive sample.
type IQSample struct {
	Q int16
	I int16
}

// Threshold is one detection threshold of a multi-threshold firmware.
type Threshold struct {
	StartSample uint16
	Level       uint16
}

// TimePlan selects a firmware-defined measurement time plan.
type TimePlan uint8

const TimePlanNone TimePlan = 0xFF
