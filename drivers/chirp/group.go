package chirp

import (
	"time"

	"github.com/edaniels/golog"
	"tinygo.org/x/drivers"

	"soniclib-go/errcode"
)

// Group is a set of sensors sharing RESET_N, the calibration reference and
// one or more I2C buses.
//
// A Group is not safe for concurrent use. The owner serialises calls,
// including the I2CComplete notifications coming from the platform.
type Group struct {
	// RTCCalPulseMS is the length of the calibration pulse. Its accuracy
	// bounds the accuracy of every range measurement.
	RTCCalPulseMS uint16
	// PretrigDelayUS delays TX/RX nodes behind RX-only nodes in
	// HWTrigger, and is removed from RX-only ranges.
	PretrigDelayUS uint16
	// LockTimeout bounds the frequency-lock wait per device.
	LockTimeout time.Duration
	// StrictSignature makes discovery compare the ping register against
	// SigByte0/SigByte1 instead of accepting any successful read.
	StrictSignature bool
	// SkipAbsent lets Start continue past ports where nothing answers.
	// By default an absent sensor fails the whole programming attempt.
	SkipAbsent bool
	// DisableProgRead turns off the programming-interface fast path for
	// I/Q reads on single-sensor buses.
	DisableProgRead bool

	// DiscoveryHook runs after a sensor answered and before its firmware
	// is loaded. A non-nil error aborts programming of that sensor.
	DiscoveryHook func(d *Device) error
	// OnData is called from HandleInterrupt with the interrupting port.
	OnData func(ioIndex int)
	// OnIOComplete runs once per batch after every bus queue drained.
	OnIOComplete func(g *Group)
	// External services PhaseExternal queue entries. It must eventually
	// lead to I2CComplete for the entry's bus.
	External func(t *Transaction) error

	Clock  Clock
	Logger golog.Logger

	board    Board
	buses    []drivers.I2C
	numPorts int

	devs        []*Device
	sensorCount int
	connected   []int

	queues       []ioQueue
	ioErr        error
	starting     bool
	inCallback   bool
	callbackMore bool
}

// NewGroup returns a group with numPorts device slots served by the given
// buses. Bus indexes in Port refer to positions in buses.
func NewGroup(board Board, buses []drivers.I2C, numPorts int) (*Group, error) {
	if board == nil || len(buses) == 0 || numPorts <= 0 {
		return nil, errcode.New(errcode.InvalidParams, "new_group", "board, buses and ports are required")
	}
	g := &Group{
		RTCCalPulseMS: DefaultRTCCalPulseMS,
		LockTimeout:   DefaultLockTimeout,
		Clock:         NewSystemClock(),
		Logger:        golog.Global().Named("chirp"),
		board:         board,
		buses:         buses,
		numPorts:      numPorts,
		devs:          make([]*Device, numPorts),
		connected:     make([]int, len(buses)),
		queues:        make([]ioQueue, len(buses)),
	}
	for i := range g.queues {
		g.queues[i].tx = make([]Transaction, numPorts+MaxExternalTx)
	}
	return g, nil
}

func (g *Group) NumPorts() int    { return g.numPorts }
func (g *Group) NumBuses() int    { return len(g.buses) }
func (g *Group) SensorCount() int { return g.sensorCount }

// Connected returns the number of sensors that started on bus.
func (g *Group) Connected(bus int) int { return g.connected[bus] }

// Device returns the device registered at ioIndex, or nil.
func (g *Group) Device(ioIndex int) *Device {
	if ioIndex < 0 || ioIndex >= g.numPorts {
		return nil
	}
	return g.devs[ioIndex]
}

// Devices calls fn for every registered device in port order.
func (g *Group) Devices(fn func(d *Device)) {
	for _, d := range g.devs {
		if d != nil {
			fn(d)
		}
	}
}

func (g *Group) connectedDevices(fn func(d *Device)) {
	g.Devices(func(d *Device) {
		if d.connected {
			fn(d)
		}
	})
}

// Init binds dev to a port of the group and to its firmware.
func (g *Group) Init(dev *Device, p Port, fw Firmware) error {
	switch {
	case dev == nil || fw == nil:
		return errcode.New(errcode.InvalidParams, "init", "device and firmware are required")
	case p.IOIndex < 0 || p.IOIndex >= g.numPorts:
		return errcode.New(errcode.InvalidParams, "init", "io index out of range")
	case p.Bus < 0 || p.Bus >= len(g.buses):
		return errcode.New(errcode.InvalidParams, "init", "bus index out of range")
	case fw.Regs() == nil:
		return errcode.New(errcode.InvalidParams, "init", "firmware has no register map")
	}
	addr := p.Address
	if addr == 0 {
		addr = AppAddressBase + uint16(p.IOIndex)
	}
	*dev = Device{
		grp:      g,
		fw:       fw,
		reg:      fw.Regs(),
		part:     fw.Part(),
		ioIndex:  p.IOIndex,
		busIndex: p.Bus,
		addr:     addr,
		appAddr:  addr,
		mode:     ModeIdle,
		timePlan: TimePlanNone,
	}
	if g.devs[p.IOIndex] == nil {
		g.sensorCount++
	}
	g.devs[p.IOIndex] = dev
	return nil
}

// Prepare resets the queues and brings up pins and buses.
func (g *Group) Prepare() error {
	for i := range g.queues {
		g.queues[i].reset()
	}
	g.ioErr = nil
	g.sensorCount = 0
	for i := range g.devs {
		g.devs[i] = nil
	}
	if err := g.board.PinInit(); err != nil {
		return errcode.Wrap(errcode.Error, "pin_init", err)
	}
	return errcode.Wrap(errcode.Transport, "i2c_init", g.board.I2CInit())
}

// Start programs and calibrates every registered sensor. It succeeds if
// at least one sensor is running.
func (g *Group) Start() error {
	if err := g.startDevices(); err != nil {
		return err
	}
	g.MeasureRTC()
	g.connectedDevices(func(d *Device) { d.state = StateRunning })
	g.Logger.Infow("group started", "sensors", g.sensorCount, "connected", g.connected)
	return nil
}

type attemptOutcome uint8

const (
	attemptOK attemptOutcome = iota
	attemptProgFailed
	attemptLockFailed
)

// startDevices runs reset + program + lock attempts until one succeeds or
// the retry budgets run out.
func (g *Group) startDevices() error {
	progRetries, lockRetries := ProgXferRetry, LockRetry
	for attempt := 1; ; attempt++ {
		outcome, err := g.startAttempt()
		switch outcome {
		case attemptOK:
			g.countConnected()
			if g.numConnected() == 0 {
				return &errcode.E{C: errcode.NotConnected, Op: "group_start", Msg: "no sensor answered"}
			}
			return nil
		case attemptProgFailed:
			if progRetries == 0 {
				return err
			}
			progRetries--
		case attemptLockFailed:
			if lockRetries == 0 {
				return err
			}
			lockRetries--
		}
		g.Logger.Warnw("group start attempt failed, retrying", "attempt", attempt, "error", err)
	}
}

func (g *Group) startAttempt() (attemptOutcome, error) {
	g.Devices(func(d *Device) {
		d.connected = false
		d.state = StateUnprogrammed
	})

	g.board.ResetAssert()
	g.Devices(g.board.ProgramEnable)
	g.Clock.DelayMS(1)
	g.board.ResetRelease()
	g.setIdleAll()
	g.Devices(g.board.ProgramDisable)

	if err := g.detectAndProgramAll(); err != nil {
		return attemptProgFailed, err
	}
	if err := g.WaitForLock(); err != nil {
		return attemptLockFailed, err
	}
	return attemptOK, nil
}

// setIdleAll parks every sensor in a two-instruction loop. All sensors of
// a bus answer the programming address together here, so one write per bus
// reaches all of them.
func (g *Group) setIdleAll() {
	done := make([]bool, len(g.buses))
	g.Devices(func(d *Device) {
		if done[d.busIndex] {
			return
		}
		done[d.busIndex] = true
		if err := d.resetAndHalt(); err != nil {
			g.Logger.Debugw("set idle: reset failed", "bus", d.busIndex, "error", err)
			return
		}
		if err := d.setIdle(); err != nil {
			g.Logger.Debugw("set idle failed", "bus", d.busIndex, "error", err)
		}
	})
}

func (g *Group) countConnected() {
	for i := range g.connected {
		g.connected[i] = 0
	}
	g.connectedDevices(func(d *Device) { g.connected[d.busIndex]++ })
}

func (g *Group) numConnected() int {
	n := 0
	for _, c := range g.connected {
		n += c
	}
	return n
}

// WaitForLock polls every connected sensor until it reports frequency lock.
func (g *Group) WaitForLock() error {
	var err error
	g.connectedDevices(func(d *Device) {
		if err == nil {
			err = g.waitForLock(d)
		}
	})
	return err
}

func (g *Group) waitForLock(d *Device) error {
	timeout := uint32(g.LockTimeout / time.Millisecond)
	start := g.Clock.TimestampMS()
	for {
		locked, err := d.Locked()
		if err == nil && locked {
			return nil
		}
		if g.Clock.TimestampMS()-start > timeout {
			g.Logger.Warnw("frequency lock timeout", "port", d.ioIndex)
			return &errcode.E{C: errcode.Timeout, Op: "wait_for_lock", Err: err}
		}
		g.Clock.DelayMS(1)
	}
}

// MeasureRTC drives the shared INT line high for RTCCalPulseMS and stores
// each sensor's count of its own clock cycles during the pulse, together
// with the values derived from it.
func (g *Group) MeasureRTC() {
	g.board.GroupInterruptDisable()
	g.board.GroupSetIODirOut()
	g.board.GroupIOClear()

	g.connectedDevices(func(d *Device) {
		if err := d.preparePulseTimer(); err != nil {
			g.Logger.Warnw("prepare pulse timer failed", "port", d.ioIndex, "error", err)
		}
	})

	g.board.GroupIOSet()
	g.Clock.DelayMS(uint32(g.RTCCalPulseMS))
	g.board.GroupIOClear()
	g.board.GroupSetIODirIn()
	g.Clock.DelayUS(100)

	g.connectedDevices(func(d *Device) {
		if err := d.storeCalibration(); err != nil {
			g.Logger.Warnw("store calibration failed", "port", d.ioIndex, "error", err)
		}
		g.Logger.Debugw("rtc calibrated", "port", d.ioIndex, "rtc_cal", d.rtcCalResult,
			"op_freq", d.opFrequency, "scale_factor", d.scaleFactor, "bandwidth", d.bandwidth)
	})

	g.board.GroupInterruptEnable()
}

// Trigger pulse timing, in microseconds.
const (
	triggerPulseUS    = 5
	triggerOverheadUS = 10
	triggerSettleUS   = 10
)

// HWTrigger starts one measurement on every sensor in a triggered mode.
// RX-only sensors are pulsed PretrigDelayUS ahead of TX/RX sensors.
func (g *Group) HWTrigger() {
	g.board.GroupInterruptDisable()
	g.board.GroupSetIODirOut()

	if g.PretrigDelayUS == 0 {
		g.board.GroupIOSet()
		g.Clock.DelayUS(triggerPulseUS)
		g.board.GroupIOClear()
	} else {
		g.pulse(ModeTriggeredRxOnly)
		if d := uint32(g.PretrigDelayUS); d > triggerPulseUS+triggerOverheadUS {
			g.Clock.DelayUS(d - triggerPulseUS - triggerOverheadUS)
		}
		g.pulse(ModeTriggeredTxRx)
	}

	g.board.GroupSetIODirIn()
	g.Clock.DelayUS(triggerSettleUS)
	g.board.GroupInterruptEnable()
}

func (g *Group) pulse(m Mode) {
	g.connectedDevices(func(d *Device) {
		if d.mode == m {
			g.board.IOSet(d)
		}
	})
	g.Clock.DelayUS(triggerPulseUS)
	g.connectedDevices(func(d *Device) {
		if d.mode == m {
			g.board.IOClear(d)
		}
	})
}

// HandleInterrupt is called by the platform when a sensor raises INT.
func (g *Group) HandleInterrupt(ioIndex int) {
	if g.OnData != nil {
		g.OnData(ioIndex)
	}
}
