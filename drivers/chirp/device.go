package chirp

import (
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"soniclib-go/errcode"
)

// Device is one physical sensor. The zero value is ready to be passed to
// Group.Init; the caller keeps ownership for the lifetime of the program.
type Device struct {
	grp *Group
	fw  Firmware
	reg *RegMap

	part     Part
	ioIndex  int
	busIndex int
	// addr is the address used on the bus right now; appAddr is the one
	// assigned at programming time.
	addr    uint16
	appAddr uint16

	connected bool
	state     ProgState

	mode             Mode
	sampleIntervalMS uint16
	maxRangeMM       uint16
	numRxSamples     uint16
	staticRange      uint16
	targetInt        bool
	timePlan         TimePlan

	rtcCalResult uint16
	opFrequency  uint32
	bandwidth    uint16
	scaleFactor  uint16

	// Scratch space for register transfers.
	w [4]byte
	r [2]byte
}

// Port describes where a device sits in its group.
type Port struct {
	IOIndex int
	Bus     int
	// Address is the application address; zero selects
	// AppAddressBase+IOIndex.
	Address uint16
}

func (d *Device) Group() *Group         { return d.grp }
func (d *Device) Firmware() Firmware     { return d.fw }
func (d *Device) Part() Part             { return d.part }
func (d *Device) IOIndex() int           { return d.ioIndex }
func (d *Device) Bus() int               { return d.busIndex }
func (d *Device) Address() uint16        { return d.addr }
func (d *Device) AppAddress() uint16     { return d.appAddr }
func (d *Device) Connected() bool        { return d.connected }
func (d *Device) State() ProgState       { return d.state }
func (d *Device) Mode() Mode             { return d.mode }
func (d *Device) SampleInterval() uint16 { return d.sampleIntervalMS }
func (d *Device) MaxRange() uint16       { return d.maxRangeMM }
func (d *Device) NumSamples() uint16     { return d.numRxSamples }
func (d *Device) StaticRange() uint16    { return d.staticRange }
func (d *Device) RTCCalResult() uint16   { return d.rtcCalResult }
func (d *Device) ScaleFactor() uint16    { return d.scaleFactor }
func (d *Device) OpFrequency() uint32    { return d.opFrequency }
func (d *Device) Bandwidth() uint16      { return d.bandwidth }
func (d *Device) Oversample() uint8      { return d.reg.Oversample }

// Frequency returns the calibrated operating frequency.
func (d *Device) Frequency() physic.Frequency {
	return physic.Frequency(d.opFrequency) * physic.Hertz
}

// SetCalibration installs calibration values measured elsewhere, e.g.
// restored from a previous run, bypassing Group.MeasureRTC.
func (d *Device) SetCalibration(rtcCalResult, scaleFactor uint16, opFrequency uint32) {
	d.rtcCalResult = rtcCalResult
	d.scaleFactor = scaleFactor
	d.opFrequency = opFrequency
}

func (d *Device) bus() drivers.I2C { return d.grp.buses[d.busIndex] }

func (d *Device) has(f Feature) bool { return d.reg.Features.Has(f) }

func (d *Device) requireConnected(op string) error {
	if d.grp == nil {
		return errcode.New(errcode.InvalidParams, op, "device not initialised")
	}
	if !d.connected {
		return &errcode.E{C: errcode.NotConnected, Op: op}
	}
	return nil
}

func unsupported(op string) error {
	return &errcode.E{C: errcode.Unsupported, Op: op}
}
