package chirp

// Feature flags advertise which common operations a firmware supports.
type Feature uint16

const (
	// FeatIQ: raw I/Q samples are readable from the data register.
	FeatIQ Feature = 1 << iota
	// FeatAmplitudeReg: the firmware reports the echo amplitude directly.
	FeatAmplitudeReg
	// FeatBandwidth: bandwidth can be estimated from ring-down I/Q samples.
	FeatBandwidth
	// FeatStaticRange: static target rejection is available.
	FeatStaticRange
	// FeatTargetInt: the sensor can suppress interrupts without a target.
	FeatTargetInt
	// FeatTimePlan: the firmware accepts a measurement time plan.
	FeatTimePlan
)

// Has reports whether f contains every bit of flag.
func (f Feature) Has(flag Feature) bool { return f&flag == flag }

// RegMap is the application register layout of one firmware image.
type RegMap struct {
	OpMode       byte
	TickInterval byte
	Period       byte
	CalTrig      byte
	MaxRange     byte
	TimePlan     byte
	CalResult    byte
	StatRange    byte
	IntConfig    byte
	Ready        byte
	TOFSF        byte
	TOF          byte
	Amplitude    byte
	Data         byte

	// LockMask selects the frequency-locked bit(s) of Ready.
	LockMask byte
	// DataMemAddr is the I/Q buffer address in programming space.
	DataMemAddr uint16
	// Oversample is the receive oversampling exponent.
	Oversample uint8

	Features Feature
}

// Firmware describes one sensor firmware image and the register map it
// exposes once running.
type Firmware interface {
	Name() string
	Part() Part
	// Image is the program memory content loaded at programming time.
	Image() []byte
	Regs() *RegMap
}

// RAMIniter is implemented by firmware that needs a RAM block written
// before the program image.
type RAMIniter interface {
	RAMInit() (addr uint16, data []byte)
}

// RangeReader overrides the common range computation.
type RangeReader interface {
	Range(d *Device, rt RangeType) (uint32, error)
}

// AmplitudeReader overrides the amplitude register read.
type AmplitudeReader interface {
	Amplitude(d *Device) (uint16, error)
}

// AmplitudeDataReader reads amplitudes directly instead of deriving them
// from I/Q samples.
type AmplitudeDataReader interface {
	AmplitudeData(d *Device, start uint16, out []uint16) error
}

// ThresholdController is implemented by multi-threshold firmware.
type ThresholdController interface {
	SetThresholds(d *Device, th []Threshold) error
	Thresholds(d *Device) ([]Threshold, error)
}

// PulseTimer overrides the RTC calibration counter handling.
type PulseTimer interface {
	PreparePulseTimer(d *Device) error
	StorePulseTimer(d *Device) error
}

// BandwidthStorer overrides the bandwidth estimate taken during calibration.
type BandwidthStorer interface {
	StoreBandwidth(d *Device) error
}
