// Package gpr describes the general-purpose rangefinder firmware for CH101
// and CH201 sensors. Firmware images are not distributed with this package;
// callers load them (see LoadImage) and pass them in.
package gpr

import (
	"os"

	"soniclib-go/drivers/chirp"
	"soniclib-go/errcode"
)

// Image is a firmware image as loaded into the sensor.
type Image struct {
	Program     []byte
	RAMInit     []byte
	RAMInitAddr uint16
}

// LoadImage reads a program image and an optional RAM init blob from disk.
func LoadImage(programPath, ramInitPath string, ramInitAddr uint16) (Image, error) {
	prog, err := os.ReadFile(programPath)
	if err != nil {
		return Image{}, errcode.Wrap(errcode.InvalidParams, "load_image", err)
	}
	img := Image{Program: prog, RAMInitAddr: ramInitAddr}
	if ramInitPath != "" {
		if img.RAMInit, err = os.ReadFile(ramInitPath); err != nil {
			return Image{}, errcode.Wrap(errcode.InvalidParams, "load_image", err)
		}
	}
	return img, nil
}

// Shared application register layout of the GPR images.
const (
	regOpMode       = 0x01
	regTickInterval = 0x02
	regPeriod       = 0x05
	regCalTrig      = 0x06
	regMaxRange     = 0x07
	regTimePlan     = 0x09
	regCalResult    = 0x0A
	regStatRange    = 0x12
	regReady        = 0x14
	regTOFSF        = 0x16
	regTOF          = 0x18
	regAmplitude    = 0x1A
	regData         = 0x1C

	readyFreqLocked = 0x02
	dataMemAddr     = 0x0200
)

type firmware struct {
	name string
	part chirp.Part
	img  Image
	regs chirp.RegMap
}

func (f *firmware) Name() string              { return f.name }
func (f *firmware) Part() chirp.Part          { return f.part }
func (f *firmware) Image() []byte             { return f.img.Program }
func (f *firmware) Regs() *chirp.RegMap       { return &f.regs }
func (f *firmware) RAMInit() (uint16, []byte) { return f.img.RAMInitAddr, f.img.RAMInit }

// CH101SR is the CH101 short-range firmware with static target rejection.
func CH101SR(img Image) chirp.Firmware {
	return &firmware{
		name: "ch101_gpr_sr",
		part: chirp.CH101,
		img:  img,
		regs: chirp.RegMap{
			OpMode:       regOpMode,
			TickInterval: regTickInterval,
			Period:       regPeriod,
			CalTrig:      regCalTrig,
			MaxRange:     regMaxRange,
			TimePlan:     regTimePlan,
			CalResult:    regCalResult,
			StatRange:    regStatRange,
			Ready:        regReady,
			TOFSF:        regTOFSF,
			TOF:          regTOF,
			Amplitude:    regAmplitude,
			Data:         regData,
			LockMask:     readyFreqLocked,
			DataMemAddr:  dataMemAddr,
			Features: chirp.FeatIQ | chirp.FeatAmplitudeReg | chirp.FeatBandwidth |
				chirp.FeatStaticRange,
		},
	}
}

// CH201 multi-threshold layout. Six thresholds follow the common
// registers; levels are bytes, start samples are bytes in units of two
// samples.
const (
	NumThresholds = 6

	regMTThreshLen   = 0x2A
	regMTThreshLevel = 0x30
	mtDataMemAddr    = 0x0250
)

// CH201MT is the CH201 multi-threshold firmware.
type CH201MT struct{ firmware }

// NewCH201MT returns the CH201 multi-threshold firmware for img.
func NewCH201MT(img Image) *CH201MT {
	return &CH201MT{firmware{
		name: "ch201_gpr_mt",
		part: chirp.CH201,
		img:  img,
		regs: chirp.RegMap{
			OpMode:       regOpMode,
			TickInterval: regTickInterval,
			Period:       regPeriod,
			CalTrig:      regCalTrig,
			MaxRange:     regMaxRange,
			CalResult:    regCalResult,
			Ready:        regReady,
			TOFSF:        regTOFSF,
			TOF:          regTOF,
			Amplitude:    regAmplitude,
			Data:         regData,
			LockMask:     readyFreqLocked,
			DataMemAddr:  mtDataMemAddr,
			Features:     chirp.FeatIQ | chirp.FeatAmplitudeReg | chirp.FeatBandwidth,
		},
	}}
}

// SetThresholds writes up to NumThresholds thresholds; unused slots are
// cleared. The first threshold always starts at sample 0.
func (f *CH201MT) SetThresholds(d *chirp.Device, th []chirp.Threshold) error {
	if len(th) > NumThresholds {
		return errcode.New(errcode.InvalidParams, "set_thresholds", "too many thresholds")
	}
	var lens, levels [NumThresholds]byte
	for i, t := range th {
		if t.Level > 0xFF {
			return errcode.New(errcode.InvalidParams, "set_thresholds", "level exceeds 8 bits")
		}
		levels[i] = byte(t.Level)
		if i == 0 {
			continue
		}
		if t.StartSample < th[i-1].StartSample {
			return errcode.New(errcode.InvalidParams, "set_thresholds", "start samples must ascend")
		}
		n := (t.StartSample - th[i-1].StartSample) / 2
		if n > 0xFF {
			return errcode.New(errcode.InvalidParams, "set_thresholds", "threshold segment too long")
		}
		lens[i-1] = byte(n)
	}
	if err := d.BurstWrite(regMTThreshLen, lens[:]); err != nil {
		return err
	}
	return d.BurstWrite(regMTThreshLevel, levels[:])
}

// Thresholds reads the thresholds back. Trailing zero-level slots are
// dropped.
func (f *CH201MT) Thresholds(d *chirp.Device) ([]chirp.Threshold, error) {
	var lens, levels [NumThresholds]byte
	if err := d.BurstRead(regMTThreshLen, lens[:]); err != nil {
		return nil, err
	}
	if err := d.BurstRead(regMTThreshLevel, levels[:]); err != nil {
		return nil, err
	}
	th := make([]chirp.Threshold, 0, NumThresholds)
	var start uint16
	for i := 0; i < NumThresholds; i++ {
		th = append(th, chirp.Threshold{StartSample: start, Level: uint16(levels[i])})
		start += uint16(lens[i]) * 2
	}
	for len(th) > 1 && th[len(th)-1].Level == 0 {
		th = th[:len(th)-1]
	}
	return th, nil
}
