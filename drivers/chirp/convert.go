package chirp

import (
	"encoding/binary"

	"soniclib-go/errcode"
	"soniclib-go/x/mathx"
)

// MMToSamples converts a distance to a receive sample count. Both divisions
// round up so the window always covers the requested distance.
func (d *Device) MMToSamples(mm uint16) (uint16, error) {
	pulse := uint64(d.grp.RTCCalPulseMS)
	if d.rtcCalResult == 0 || d.scaleFactor == 0 || pulse == 0 {
		return 0, errcode.New(errcode.InvalidParams, "mm_to_samples", "sensor not calibrated")
	}
	n := mathx.CeilDiv(uint64(d.rtcCalResult)*uint64(d.scaleFactor), uint64(d.part.scaleDivisor()))
	n = mathx.CeilDiv(n*uint64(mm)<<d.reg.Oversample, pulse*SpeedOfSoundMPS)
	if d.part.doubleSample() {
		n *= 2
	}
	if n > 0xFFFF {
		return 0, errcode.New(errcode.InvalidParams, "mm_to_samples", "sample count overflow")
	}
	return uint16(n), nil
}

// SamplesToMM converts a sample count to the distance it covers. It
// returns 0 before the operating frequency is known.
func (d *Device) SamplesToMM(n uint16) uint16 {
	if d.opFrequency == 0 {
		return 0
	}
	mm := uint64(n) * SpeedOfSoundMPS * 8 * 1000 / (uint64(d.opFrequency) * 2)
	mm >>= d.reg.Oversample
	return uint16(mathx.Min(mm, 0xFFFF))
}

const iqSampleSize = 4

// checkWindow rejects reads past the receive window of the part.
func (d *Device) checkWindow(op string, start uint16, n int) error {
	if n == 0 || int(start)+n > int(d.part.MaxSamples()) {
		return errcode.New(errcode.InvalidParams, op, "sample window out of range")
	}
	return nil
}

// DecodeIQ fills out from raw I/Q bytes as read from the sensor: Q then I,
// little-endian, four bytes per sample.
func DecodeIQ(raw []byte, out []IQSample) {
	for i := range out {
		b := raw[i*iqSampleSize:]
		out[i].Q = int16(binary.LittleEndian.Uint16(b))
		out[i].I = int16(binary.LittleEndian.Uint16(b[2:]))
	}
}

// IQData reads len(out) raw samples starting at sample start. A sensor
// alone on its bus is read through the programming interface, which has no
// register address limit.
func (d *Device) IQData(out []IQSample, start uint16) error {
	if err := d.requireConnected("iq_data"); err != nil {
		return err
	}
	if !d.has(FeatIQ) {
		return unsupported("iq_data")
	}
	if err := d.checkWindow("iq_data", start, len(out)); err != nil {
		return err
	}
	var buf [IQChunk * iqSampleSize]byte
	for off := 0; off < len(out); off += IQChunk {
		n := mathx.Min(IQChunk, len(out)-off)
		raw := buf[:n*iqSampleSize]
		if err := d.readIQRaw(start+uint16(off), raw); err != nil {
			return err
		}
		DecodeIQ(raw, out[off:off+n])
	}
	return nil
}

func (d *Device) useProgRead() bool {
	return !d.grp.DisableProgRead && d.grp.connected[d.busIndex] == 1 && d.reg.DataMemAddr != 0
}

func (d *Device) readIQRaw(start uint16, raw []byte) error {
	if d.useProgRead() {
		g := d.grp
		g.board.ProgramEnable(d)
		err := d.progMemRead(d.reg.DataMemAddr+start*iqSampleSize, raw)
		g.board.ProgramDisable(d)
		return err
	}
	reg, err := d.iqReg(start)
	if err != nil {
		return err
	}
	return d.BurstRead(reg, raw)
}

func (d *Device) iqReg(start uint16) (byte, error) {
	addr := uint32(d.reg.Data) + uint32(start)*iqSampleSize
	if addr > 0xFF {
		return 0, errcode.New(errcode.InvalidParams, "iq_data", "start sample beyond register space")
	}
	return byte(addr), nil
}

// QueueIQData queues a non-blocking read of raw I/Q bytes into buf, four
// bytes per sample. Decode with DecodeIQ once the batch completes.
func (d *Device) QueueIQData(buf []byte, start uint16) error {
	if err := d.requireConnected("queue_iq_data"); err != nil {
		return err
	}
	if !d.has(FeatIQ) {
		return unsupported("queue_iq_data")
	}
	if len(buf)%iqSampleSize != 0 {
		return errcode.New(errcode.InvalidParams, "queue_iq_data", "buffer is not a whole number of samples")
	}
	if err := d.checkWindow("queue_iq_data", start, len(buf)/iqSampleSize); err != nil {
		return err
	}
	if d.useProgRead() {
		return d.grp.QueuePush(d, TxRead, PhaseProg, d.reg.DataMemAddr+start*iqSampleSize, buf)
	}
	reg, err := d.iqReg(start)
	if err != nil {
		return err
	}
	return d.grp.QueuePush(d, TxRead, PhaseStd, uint16(reg), buf)
}

// AmplitudeData fills out with echo amplitudes starting at sample start.
// Without a firmware reader they are derived from I/Q data IQChunk samples
// at a time.
func (d *Device) AmplitudeData(out []uint16, start uint16) error {
	if err := d.requireConnected("amplitude_data"); err != nil {
		return err
	}
	if err := d.checkWindow("amplitude_data", start, len(out)); err != nil {
		return err
	}
	if ar, ok := d.fw.(AmplitudeDataReader); ok {
		return ar.AmplitudeData(d, start, out)
	}
	var iq [IQChunk]IQSample
	for off := 0; off < len(out); off += IQChunk {
		n := mathx.Min(IQChunk, len(out)-off)
		if err := d.IQData(iq[:n], start+uint16(off)); err != nil {
			return err
		}
		for i, s := range iq[:n] {
			out[off+i] = uint16(mathx.ISqrt(magSquared(s)))
		}
	}
	return nil
}
