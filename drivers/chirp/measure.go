package chirp

import (
	"soniclib-go/errcode"
	"soniclib-go/x/mathx"
)

// Locked reports whether the sensor finished its frequency lock.
func (d *Device) Locked() (bool, error) {
	v, err := d.ReadReg8(d.reg.Ready)
	if err != nil {
		return false, err
	}
	return v&d.reg.LockMask != 0, nil
}

// SetMode switches the operating mode. Idle parks the internal timer so the
// sensor never wakes on its own; FreeRun reloads the timer from the sample
// interval before the mode register is written.
func (d *Device) SetMode(m Mode) error {
	if err := d.requireConnected("set_mode"); err != nil {
		return err
	}
	switch m {
	case ModeIdle:
		if err := d.WriteReg8(d.reg.OpMode, byte(ModeIdle)); err != nil {
			return err
		}
		if err := d.WriteReg8(d.reg.Period, 0); err != nil {
			return err
		}
		if err := d.WriteReg16(d.reg.TickInterval, d.part.MaxTickInterval()); err != nil {
			return err
		}
	case ModeFreeRun:
		if d.sampleIntervalMS == 0 {
			return errcode.New(errcode.InvalidParams, "set_mode", "free run needs a sample interval")
		}
		if err := d.writeSampleInterval(d.sampleIntervalMS); err != nil {
			return err
		}
		if err := d.WriteReg8(d.reg.OpMode, byte(m)); err != nil {
			return err
		}
	case ModeTriggeredTxRx, ModeTriggeredRxOnly:
		if err := d.WriteReg8(d.reg.OpMode, byte(m)); err != nil {
			return err
		}
	default:
		return errcode.New(errcode.InvalidParams, "set_mode", "unknown mode")
	}
	d.mode = m
	d.grp.Logger.Debugw("mode set", "port", d.ioIndex, "mode", m)
	return nil
}

// SetSampleInterval sets the free-run measurement period. The timer
// registers are written immediately in free-run mode, otherwise on the next
// switch to ModeFreeRun.
func (d *Device) SetSampleInterval(ms uint16) error {
	if err := d.requireConnected("set_sample_interval"); err != nil {
		return err
	}
	if ms == 0 {
		return errcode.New(errcode.InvalidParams, "set_sample_interval", "interval must be non-zero")
	}
	if _, _, err := d.sampleIntervalRegs(ms); err != nil {
		return err
	}
	if d.mode == ModeFreeRun {
		if err := d.writeSampleInterval(ms); err != nil {
			return err
		}
	}
	d.sampleIntervalMS = ms
	return nil
}

// sampleIntervalRegs converts an interval to the period and tick interval
// register values. Tick is halved and period doubled until tick fits the
// part, trading resolution for reach.
func (d *Device) sampleIntervalRegs(ms uint16) (period uint8, tick uint16, err error) {
	if d.rtcCalResult == 0 || d.grp.RTCCalPulseMS == 0 {
		return 0, 0, errcode.New(errcode.InvalidParams, "set_sample_interval", "sensor not calibrated")
	}
	ticks := uint32(d.rtcCalResult) * uint32(ms) / uint32(d.grp.RTCCalPulseMS)
	p := ticks/2048 + 1
	if p > 0xFF {
		return 0, 0, errcode.New(errcode.InvalidParams, "set_sample_interval", "interval too long")
	}
	t := ticks / p
	for t > uint32(d.part.MaxTickInterval()) && p < 128 {
		t >>= 1
		p <<= 1
	}
	return uint8(p), uint16(t), nil
}

func (d *Device) writeSampleInterval(ms uint16) error {
	period, tick, err := d.sampleIntervalRegs(ms)
	if err != nil {
		return err
	}
	if err := d.WriteReg8(d.reg.Period, period); err != nil {
		return err
	}
	return d.WriteReg16(d.reg.TickInterval, tick)
}

// SetMaxRange sets the receive window. A window longer than the part
// supports is shortened, and MaxRange then reports the shortened distance.
func (d *Device) SetMaxRange(mm uint16) error {
	if err := d.requireConnected("set_max_range"); err != nil {
		return err
	}
	n, err := d.MMToSamples(mm)
	if err != nil {
		return err
	}
	if max := d.part.MaxSamples(); n > max {
		n = max
		mm = d.SamplesToMM(n)
	}
	v := n
	if d.part.doubleSample() {
		v /= 2
	}
	if err := d.WriteReg8(d.reg.MaxRange, byte(v)); err != nil {
		return err
	}
	d.numRxSamples = n
	d.maxRangeMM = mm
	return nil
}

// SetStaticRange sets the distance, in mm, inside which static targets are
// rejected.
func (d *Device) SetStaticRange(mm uint16) error {
	if err := d.requireConnected("set_static_range"); err != nil {
		return err
	}
	if !d.has(FeatStaticRange) {
		return unsupported("set_static_range")
	}
	n, err := d.MMToSamples(mm)
	if err != nil {
		return err
	}
	if d.part.doubleSample() {
		n /= 2
	}
	if err := d.WriteReg16(d.reg.StatRange, n); err != nil {
		return err
	}
	d.staticRange = mm
	return nil
}

// SetThresholds programs the detection thresholds of multi-threshold
// firmware.
func (d *Device) SetThresholds(th []Threshold) error {
	if err := d.requireConnected("set_thresholds"); err != nil {
		return err
	}
	tc, ok := d.fw.(ThresholdController)
	if !ok {
		return unsupported("set_thresholds")
	}
	return tc.SetThresholds(d, th)
}

// Thresholds reads the detection thresholds back.
func (d *Device) Thresholds() ([]Threshold, error) {
	if err := d.requireConnected("thresholds"); err != nil {
		return nil, err
	}
	tc, ok := d.fw.(ThresholdController)
	if !ok {
		return nil, unsupported("thresholds")
	}
	return tc.Thresholds(d)
}

// SetTargetInterrupt makes the sensor raise INT only when a target was
// detected.
func (d *Device) SetTargetInterrupt(enable bool) error {
	if err := d.requireConnected("set_target_interrupt"); err != nil {
		return err
	}
	if !d.has(FeatTargetInt) {
		return unsupported("set_target_interrupt")
	}
	var v byte
	if enable {
		v = 1
	}
	if err := d.WriteReg8(d.reg.IntConfig, v); err != nil {
		return err
	}
	d.targetInt = enable
	return nil
}

func (d *Device) TargetInterrupt() bool { return d.targetInt }

// SetTimePlan selects a firmware time plan; TimePlanNone disables it.
func (d *Device) SetTimePlan(tp TimePlan) error {
	if err := d.requireConnected("set_time_plan"); err != nil {
		return err
	}
	if !d.has(FeatTimePlan) {
		return unsupported("set_time_plan")
	}
	if err := d.WriteReg8(d.reg.TimePlan, byte(tp)); err != nil {
		return err
	}
	d.timePlan = tp
	return nil
}

func (d *Device) TimePlan() TimePlan { return d.timePlan }

// Range returns the last measured distance in 1/32 mm, or NoTarget.
func (d *Device) Range(rt RangeType) (uint32, error) {
	if err := d.requireConnected("range"); err != nil {
		return NoTarget, err
	}
	if rr, ok := d.fw.(RangeReader); ok {
		return rr.Range(d, rt)
	}
	tof, err := d.ReadReg16(d.reg.TOF)
	if err != nil {
		return NoTarget, err
	}
	return d.tofToRange(tof, rt)
}

// tofToRange converts a raw time of flight. The intermediate product
// overflows 32 bits for long ranges, so the arithmetic is 64-bit.
func (d *Device) tofToRange(tof uint16, rt RangeType) (uint32, error) {
	if tof == 0xFFFF {
		return NoTarget, nil
	}
	div := uint64(d.rtcCalResult) * uint64(d.scaleFactor) >> 11
	if div == 0 {
		return NoTarget, errcode.New(errcode.InvalidParams, "range", "sensor not calibrated")
	}
	r := SpeedOfSoundMPS * uint64(d.grp.RTCCalPulseMS) * uint64(tof) / div
	if d.part.doubleSample() {
		r *= 2
	}
	if rt == RangeOneWay {
		r /= 2
	}
	r >>= d.reg.Oversample

	if d.mode == ModeTriggeredRxOnly {
		adj := uint64(SpeedOfSoundMPS) * uint64(d.grp.PretrigDelayUS) * 32 / 1000
		if adj >= r {
			return MinRange, nil
		}
		r -= adj
	}
	if r >= uint64(NoTarget) {
		r = uint64(NoTarget) - 1
	}
	return uint32(r), nil
}

// RangeMM is Range in whole millimetres.
func (d *Device) RangeMM(rt RangeType) (uint32, error) {
	r, err := d.Range(rt)
	if err != nil || r == NoTarget {
		return r, err
	}
	return r / 32, nil
}

// Amplitude returns the echo amplitude of the last measurement.
func (d *Device) Amplitude() (uint16, error) {
	if err := d.requireConnected("amplitude"); err != nil {
		return 0, err
	}
	if ar, ok := d.fw.(AmplitudeReader); ok {
		return ar.Amplitude(d)
	}
	if !d.has(FeatAmplitudeReg) {
		return 0, unsupported("amplitude")
	}
	return d.ReadReg16(d.reg.Amplitude)
}

// HWTrigger pulses this sensor's INT line alone.
func (d *Device) HWTrigger() error {
	if err := d.requireConnected("hw_trigger"); err != nil {
		return err
	}
	g, b := d.grp, d.grp.board
	b.InterruptDisable(d)
	b.SetIODirOut(d)
	b.IOSet(d)
	g.Clock.DelayUS(triggerPulseUS)
	b.IOClear(d)
	b.SetIODirIn(d)
	g.Clock.DelayUS(triggerSettleUS)
	b.InterruptEnable(d)
	return nil
}

// RTC calibration steps. Each has a common implementation that firmware
// may replace through PulseTimer or BandwidthStorer.

func (d *Device) preparePulseTimer() error {
	if pt, ok := d.fw.(PulseTimer); ok {
		return pt.PreparePulseTimer(d)
	}
	return d.WriteReg8(d.reg.CalTrig, 0)
}

func (d *Device) storeCalibration() error {
	if pt, ok := d.fw.(PulseTimer); ok {
		if err := pt.StorePulseTimer(d); err != nil {
			return err
		}
	} else {
		v, err := d.ReadReg16(d.reg.CalResult)
		if err != nil {
			return err
		}
		d.rtcCalResult = v
	}
	if err := d.storeOpFreq(); err != nil {
		return err
	}
	if d.has(FeatBandwidth) {
		if err := d.storeBandwidth(); err != nil {
			return err
		}
	}
	return d.storeScaleFactor()
}

// storeOpFreq derives the operating frequency from the frequency counter
// and the RTC calibration result.
func (d *Device) storeOpFreq() error {
	raw, err := d.ReadReg16(d.reg.TOFSF)
	if err != nil {
		return err
	}
	pulse := uint32(d.grp.RTCCalPulseMS)
	if pulse == 0 {
		return errcode.New(errcode.InvalidParams, "store_op_freq", "zero calibration pulse")
	}
	perCycle := uint32(d.rtcCalResult) * 1000 / (16 * d.part.freqCounterCycles())
	d.opFrequency = uint32(uint64(perCycle) * uint64(raw) / uint64(pulse))
	return nil
}

func (d *Device) storeScaleFactor() error {
	v, err := d.ReadReg16(d.reg.TOFSF)
	if err != nil {
		return err
	}
	d.scaleFactor = v
	return nil
}

func (d *Device) storeBandwidth() error {
	if bs, ok := d.fw.(BandwidthStorer); ok {
		return bs.StoreBandwidth(d)
	}
	i1, i2 := d.part.bandwidthIndexes()
	var iq [2]IQSample
	if err := d.IQData(iq[:], i1); err != nil {
		return err
	}
	d.bandwidth = bandwidth(iq[0], iq[1], d.opFrequency, uint32(i2-i1))
	return nil
}

// bandwidth estimates the transducer bandwidth from the decay between two
// ring-down samples taken span samples apart.
func bandwidth(s1, s2 IQSample, opFreq, span uint32) uint16 {
	m1 := magSquared(s1)
	m2 := magSquared(s2)
	if m2 == 0 || span == 0 {
		return 0
	}
	// ln(sqrt(m1/m2)) as a log difference; the ratio itself overflows Q16
	l := (mathx.Q16Log(mathx.Q16(m1)) - mathx.Q16Log(mathx.Q16(m2))) / 2
	if l <= 0 {
		return 0
	}
	bw := uint64(l) * uint64(opFreq) / (uint64(mathx.Q16Pi) * 8 * uint64(span))
	return uint16(mathx.Min(bw, 0xFFFF))
}

func magSquared(s IQSample) uint32 {
	i, q := int32(s.I), int32(s.Q)
	return uint32(i*i) + uint32(q*q)
}
