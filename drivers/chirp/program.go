package chirp

import (
	"errors"

	"soniclib-go/errcode"
)

// idleLoop is a jump-to-self placed at the reset vector.
var idleLoop = [4]byte{0x03, 0x40, 0xFC, 0xFF}

func (d *Device) resetAndHalt() error {
	if err := d.progWrite(progRegCPU, cpuReset); err != nil {
		return err
	}
	return d.progWrite(progRegCPU, cpuHalt)
}

// Ping reads the two signature bytes through the programming interface.
// The PROG line of the device must be asserted.
func (d *Device) Ping() (sig0, sig1 byte, err error) {
	v, err := d.progRead(progRegPing)
	return byte(v), byte(v >> 8), err
}

func (d *Device) setIdle() error {
	if err := d.progMemWrite(idleLoopAddr, idleLoop[:]); err != nil {
		return err
	}
	return d.progWrite(progRegCPU, cpuRun)
}

// detectAndProgramAll programs the group in port order and stops at the
// first failure, unless SkipAbsent lets it step over empty ports.
func (g *Group) detectAndProgramAll() error {
	var err error
	g.Devices(func(d *Device) {
		if err != nil {
			return
		}
		e := g.DetectAndProgram(d)
		if e != nil && !(g.SkipAbsent && errors.Is(e, errcode.NotConnected)) {
			err = e
		}
	})
	return err
}

// DetectAndProgram probes one sensor and, if it answers, loads its
// firmware, assigns its application address and starts it. On failure the
// device is marked disconnected and its bus is reset.
func (g *Group) DetectAndProgram(d *Device) error {
	g.board.ProgramEnable(d)
	err := g.probeAndProgram(d)
	g.board.ProgramDisable(d)
	if err != nil {
		d.connected = false
		d.state = StateNotConnected
		g.board.I2CReset(d.busIndex)
		g.Logger.Debugw("sensor not programmed", "port", d.ioIndex, "error", err)
		return err
	}
	g.Logger.Debugw("sensor programmed", "port", d.ioIndex, "addr", d.appAddr, "fw", d.fw.Name())
	return nil
}

func (g *Group) probeAndProgram(d *Device) error {
	d.state = StateProbing
	if err := d.resetAndHalt(); err != nil {
		return &errcode.E{C: errcode.NotConnected, Op: "probe", Err: err}
	}
	s0, s1, err := d.Ping()
	if err != nil {
		return &errcode.E{C: errcode.NotConnected, Op: "probe", Err: err}
	}
	if g.StrictSignature && (s0 != SigByte0 || s1 != SigByte1) {
		return &errcode.E{C: errcode.NotConnected, Op: "probe", Msg: "signature mismatch"}
	}
	d.connected = true
	d.state = StateProgramming

	if g.DiscoveryHook != nil {
		if err := g.DiscoveryHook(d); err != nil {
			return &errcode.E{C: errcode.Protocol, Op: "discovery_hook", Err: err}
		}
	}
	if err := g.program(d); err != nil {
		return &errcode.E{C: errcode.Protocol, Op: "program", Err: err}
	}
	d.state = StateStarting
	return nil
}

func (g *Group) program(d *Device) error {
	if ri, ok := d.fw.(RAMIniter); ok {
		if addr, data := ri.RAMInit(); len(data) > 0 {
			if err := d.progMemWrite(addr, data); err != nil {
				return err
			}
		}
	}
	if err := d.progMemWrite(progMemAddr, d.fw.Image()); err != nil {
		return err
	}
	if err := d.resetAndHalt(); err != nil {
		return err
	}
	if err := d.progMemWrite(appAddrMemAddr, []byte{byte(d.appAddr)}); err != nil {
		return err
	}
	if err := g.runChargePumps(d); err != nil {
		return err
	}
	return d.progWrite(progRegCPU, cpuRun)
}

// runChargePumps brings up the transducer supplies: negative rail, then
// both rails, then hands control back to the firmware.
func (g *Group) runChargePumps(d *Device) error {
	steps := [...]struct {
		val     uint16
		delayMS uint32
	}{
		{0x0200, 5},
		{0x0600, 5},
		{0x0000, 0},
	}
	for _, s := range steps {
		if err := d.progMemWrite(pmutCntrl4Addr, []byte{byte(s.val), byte(s.val >> 8)}); err != nil {
			return err
		}
		if s.delayMS > 0 {
			g.Clock.DelayMS(s.delayMS)
		}
	}
	return nil
}
