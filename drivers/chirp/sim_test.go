package chirp

import (
	"errors"
	"testing"

	"github.com/edaniels/golog"
	"tinygo.org/x/drivers"
)

// Compile-time checks.
var (
	_ drivers.I2C = (*simBus)(nil)
	_ Board       = (*fakeBoard)(nil)
	_ Clock       = (*fakeClock)(nil)
)

var errNack = errors.New("nack")

// Register layout shared by the test firmware and the simulated sensors.
const (
	tRegOpMode    = 0x01
	tRegTick      = 0x02
	tRegPeriod    = 0x05
	tRegCalTrig   = 0x06
	tRegMaxRange  = 0x07
	tRegTimePlan  = 0x09
	tRegCalResult = 0x0A
	tRegIntConfig = 0x0E
	tRegStatRange = 0x12
	tRegReady     = 0x14
	tRegTOFSF     = 0x16
	tRegTOF       = 0x18
	tRegAmplitude = 0x1A
	tRegData      = 0x1C

	tLockMask    = 0x02
	tDataMemAddr = 0x0200

	// Calibration values read back by a simulated sensor. With a 200 ms
	// pulse they give an operating frequency of 174944 Hz.
	tRTC     = 3200
	tTOFSF   = 22400
	tPulseMS = 200
)

type testFirmware struct {
	part  Part
	image []byte
	regs  RegMap
}

func newTestFirmware(part Part) *testFirmware {
	img := make([]byte, 600)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return &testFirmware{
		part:  part,
		image: img,
		regs: RegMap{
			OpMode:       tRegOpMode,
			TickInterval: tRegTick,
			Period:       tRegPeriod,
			CalTrig:      tRegCalTrig,
			MaxRange:     tRegMaxRange,
			TimePlan:     tRegTimePlan,
			CalResult:    tRegCalResult,
			StatRange:    tRegStatRange,
			IntConfig:    tRegIntConfig,
			Ready:        tRegReady,
			TOFSF:        tRegTOFSF,
			TOF:          tRegTOF,
			Amplitude:    tRegAmplitude,
			Data:         tRegData,
			LockMask:     tLockMask,
			DataMemAddr:  tDataMemAddr,
			Features: FeatIQ | FeatAmplitudeReg | FeatBandwidth | FeatStaticRange |
				FeatTargetInt | FeatTimePlan,
		},
	}
}

func (f *testFirmware) Name() string  { return "test_fw" }
func (f *testFirmware) Part() Part    { return f.part }
func (f *testFirmware) Image() []byte { return f.image }
func (f *testFirmware) Regs() *RegMap { return &f.regs }

// simSensor models the programming interface and the application register
// file of one sensor.
type simSensor struct {
	bus     int
	absent  bool
	noLock  bool
	sig     [2]byte
	prog    bool
	running bool
	appAddr uint16

	mem      map[uint16]byte
	progAddr uint16
	progCnt  uint16
	regs     [256]byte

	cpu      []byte
	pmut     []uint16
	regLog   []byte
	memWrite int
}

func newSimSensor(bus int) *simSensor {
	return &simSensor{bus: bus, sig: [2]byte{SigByte0, SigByte1}, mem: map[uint16]byte{}}
}

func (s *simSensor) setWord(reg byte, v uint16) {
	s.regs[reg], s.regs[reg+1] = byte(v), byte(v>>8)
}

func (s *simSensor) word(reg byte) uint16 {
	return uint16(s.regs[reg]) | uint16(s.regs[reg+1])<<8
}

func (s *simSensor) setMemIQ(addr uint16, i int, q, iv int16) {
	a := addr + uint16(i)*4
	s.mem[a], s.mem[a+1] = byte(q), byte(uint16(q)>>8)
	s.mem[a+2], s.mem[a+3] = byte(iv), byte(uint16(iv)>>8)
}

func (s *simSensor) setRegIQ(i int, q, iv int16) {
	r := byte(tRegData + i*4)
	s.setWord(r, uint16(q))
	s.setWord(r+2, uint16(iv))
}

func (s *simSensor) progWriteReg(reg byte, v []byte) {
	val := uint16(v[0])
	if len(v) > 1 {
		val |= uint16(v[1]) << 8
	}
	switch reg {
	case progRegAddr:
		s.progAddr = val
	case progRegCnt:
		s.progCnt = val
	case progRegData:
		s.mem[s.progAddr] = byte(val)
		if s.progAddr&1 == 0 {
			s.mem[s.progAddr+1] = byte(val >> 8)
		}
		s.memWritten(s.progAddr)
	case progRegCPU:
		s.cpu = append(s.cpu, byte(val))
		switch byte(val) {
		case cpuReset, cpuHalt:
			s.running = false
		case cpuRun:
			s.start()
		}
	}
}

func (s *simSensor) memWritten(addr uint16) {
	s.memWrite++
	if addr == pmutCntrl4Addr {
		s.pmut = append(s.pmut, uint16(s.mem[addr])|uint16(s.mem[addr+1])<<8)
	}
}

// start runs the firmware when an image is loaded, otherwise the idle loop.
func (s *simSensor) start() {
	s.running = true
	if _, ok := s.mem[progMemAddr]; !ok {
		return
	}
	s.appAddr = uint16(s.mem[appAddrMemAddr])
	if !s.noLock {
		s.regs[tRegReady] = tLockMask
	}
	s.setWord(tRegCalResult, tRTC)
	s.setWord(tRegTOFSF, tTOFSF)
}

func (s *simSensor) progTx(w, r []byte) {
	if len(w) == 0 {
		return
	}
	reg := w[0] &^ progWriteBit
	if w[0]&progWriteBit == 0 {
		switch reg {
		case progRegPing:
			copy(r, s.sig[:])
		case progRegData:
			for i := range r {
				r[i] = s.mem[s.progAddr+uint16(i)]
			}
		}
		return
	}
	if reg == progRegCtl && len(w) >= 2 {
		switch w[1] {
		case progBurstWrite:
			for i, b := range w[2:] {
				s.mem[s.progAddr+uint16(i)] = b
			}
			s.memWritten(s.progAddr)
		case progBurstRead:
			for i := range r {
				r[i] = s.mem[s.progAddr+uint16(i)]
			}
		}
		return
	}
	s.progWriteReg(reg, w[1:])
}

func (s *simSensor) appTx(w, r []byte) {
	reg := w[0]
	switch {
	case len(r) > 0:
		copy(r, s.regs[reg:])
	case len(w) >= 3 && (w[1] == 1 || w[1] == 2) && int(w[1]) == len(w)-2:
		copy(s.regs[reg:], w[2:])
		s.regLog = append(s.regLog, reg)
	default:
		copy(s.regs[reg:], w[1:])
		s.regLog = append(s.regLog, reg)
	}
}

// simBus routes transfers to the sensors of one bus. Every sensor with PROG
// asserted answers the programming address.
type simBus struct {
	idx     int
	sensors []*simSensor
	fail    bool
	maxTx   int
	txs     int
}

func (b *simBus) Tx(addr uint16, w, r []byte) error {
	b.txs++
	if b.fail {
		return errNack
	}
	if b.maxTx > 0 && (len(w) > b.maxTx || len(r) > b.maxTx) {
		return errors.New("transfer too long")
	}
	hit := false
	if addr == ProgAddress {
		for _, s := range b.sensors {
			if s.prog && !s.absent {
				s.progTx(w, r)
				hit = true
			}
		}
	} else {
		for _, s := range b.sensors {
			if !s.absent && !s.prog && s.running && s.appAddr == addr && len(w) > 0 {
				s.appTx(w, r)
				hit = true
			}
		}
	}
	if !hit {
		return errNack
	}
	return nil
}

func (b *simBus) MaxTxSize() int { return b.maxTx }

type fakeBoard struct {
	sensors map[int]*simSensor

	resets    int
	busResets []int
	groupIO   []string
	ioSet     []int
	intOn     bool
}

func (f *fakeBoard) setProg(d *Device, on bool) {
	if s := f.sensors[d.IOIndex()]; s != nil {
		s.prog = on
	}
}

func (f *fakeBoard) PinInit() error             { return nil }
func (f *fakeBoard) I2CInit() error             { return nil }
func (f *fakeBoard) I2CReset(bus int)           { f.busResets = append(f.busResets, bus) }
func (f *fakeBoard) ResetAssert()               { f.resets++ }
func (f *fakeBoard) ResetRelease()              {}
func (f *fakeBoard) ProgramEnable(d *Device)    { f.setProg(d, true) }
func (f *fakeBoard) ProgramDisable(d *Device)   { f.setProg(d, false) }
func (f *fakeBoard) GroupSetIODirOut()          { f.groupIO = append(f.groupIO, "out") }
func (f *fakeBoard) GroupSetIODirIn()           { f.groupIO = append(f.groupIO, "in") }
func (f *fakeBoard) GroupIOSet()                { f.groupIO = append(f.groupIO, "set") }
func (f *fakeBoard) GroupIOClear()              { f.groupIO = append(f.groupIO, "clear") }
func (f *fakeBoard) GroupInterruptEnable()      { f.intOn = true }
func (f *fakeBoard) GroupInterruptDisable()     { f.intOn = false }
func (f *fakeBoard) SetIODirOut(d *Device)      {}
func (f *fakeBoard) SetIODirIn(d *Device)       {}
func (f *fakeBoard) IOSet(d *Device)            { f.ioSet = append(f.ioSet, d.IOIndex()) }
func (f *fakeBoard) IOClear(d *Device)          {}
func (f *fakeBoard) InterruptEnable(d *Device)  {}
func (f *fakeBoard) InterruptDisable(d *Device) {}

// fakeClock advances only when the code under test sleeps.
type fakeClock struct {
	ms uint32
	us uint64
}

func (c *fakeClock) DelayMS(ms uint32)   { c.ms += ms }
func (c *fakeClock) DelayUS(us uint32)   { c.us += uint64(us) }
func (c *fakeClock) TimestampMS() uint32 { return c.ms }

type rig struct {
	g       *Group
	board   *fakeBoard
	clock   *fakeClock
	buses   []*simBus
	sensors []*simSensor
	devs    []*Device
}

// newRig builds a group with one simulated sensor per entry of busOf; the
// sensor's port is its index and it sits on bus busOf[i].
func newRig(t *testing.T, part Part, numBuses int, busOf ...int) *rig {
	t.Helper()
	r := &rig{
		board: &fakeBoard{sensors: map[int]*simSensor{}},
		clock: &fakeClock{},
	}
	i2c := make([]drivers.I2C, numBuses)
	for i := range i2c {
		b := &simBus{idx: i}
		r.buses = append(r.buses, b)
		i2c[i] = b
	}
	g, err := NewGroup(r.board, i2c, len(busOf))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	g.Clock = r.clock
	g.Logger = golog.NewTestLogger(t)
	g.RTCCalPulseMS = tPulseMS
	if err := g.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	fw := newTestFirmware(part)
	for io, bus := range busOf {
		s := newSimSensor(bus)
		r.sensors = append(r.sensors, s)
		r.board.sensors[io] = s
		r.buses[bus].sensors = append(r.buses[bus].sensors, s)

		d := &Device{}
		if err := g.Init(d, Port{IOIndex: io, Bus: bus}, fw); err != nil {
			t.Fatalf("Init(%d): %v", io, err)
		}
		r.devs = append(r.devs, d)
	}
	r.g = g
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	if err := r.g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// recBus records transfers without simulating a sensor.
type recBus struct {
	tx    [][]byte
	addrs []uint16
	rlens []int
	fail  bool
}

func (b *recBus) Tx(addr uint16, w, r []byte) error {
	b.addrs = append(b.addrs, addr)
	b.tx = append(b.tx, append([]byte(nil), w...))
	b.rlens = append(b.rlens, len(r))
	for i := range r {
		r[i] = byte(i)
	}
	if b.fail {
		return errNack
	}
	return nil
}

// asyncBus is a recBus that completes transfers only when the test says so.
type asyncBus struct {
	recBus
	dispatched int
}

func (b *asyncBus) TxAsync(addr uint16, w, r []byte) error {
	b.dispatched++
	return b.Tx(addr, w, r)
}
