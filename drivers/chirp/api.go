package chirp

import (
	"errors"

	"soniclib-go/errcode"
)

// Config bundles the measurement settings of one sensor.
type Config struct {
	Mode             Mode
	MaxRangeMM       uint16
	SampleIntervalMS uint16
	// StaticRangeMM, Thresholds, TargetInt and TimePlan are applied only
	// when the firmware supports them.
	StaticRangeMM uint16
	Thresholds    []Threshold
	TargetInt     bool
	TimePlan      TimePlan
}

// SetConfig applies cfg. The mode is written last so the sensor starts
// measuring with every other setting in place.
func (d *Device) SetConfig(cfg Config) error {
	if err := d.requireConnected("set_config"); err != nil {
		return err
	}
	if err := d.SetMaxRange(cfg.MaxRangeMM); err != nil {
		return err
	}
	if d.has(FeatStaticRange) {
		if err := d.SetStaticRange(cfg.StaticRangeMM); err != nil {
			return err
		}
	}
	if cfg.SampleIntervalMS != 0 {
		if err := d.SetSampleInterval(cfg.SampleIntervalMS); err != nil {
			return err
		}
	}
	if len(cfg.Thresholds) > 0 {
		if err := skipUnsupported(d.SetThresholds(cfg.Thresholds)); err != nil {
			return err
		}
	}
	if d.has(FeatTargetInt) {
		if err := d.SetTargetInterrupt(cfg.TargetInt); err != nil {
			return err
		}
	}
	if d.has(FeatTimePlan) {
		if err := d.SetTimePlan(cfg.TimePlan); err != nil {
			return err
		}
	}
	return d.SetMode(cfg.Mode)
}

// Config returns the settings last applied to the sensor.
func (d *Device) Config() (Config, error) {
	if err := d.requireConnected("config"); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:             d.mode,
		MaxRangeMM:       d.maxRangeMM,
		SampleIntervalMS: d.sampleIntervalMS,
		StaticRangeMM:    d.staticRange,
		TargetInt:        d.targetInt,
		TimePlan:         d.timePlan,
	}
	th, err := d.Thresholds()
	if err = skipUnsupported(err); err != nil {
		return cfg, err
	}
	cfg.Thresholds = th
	return cfg, nil
}

func skipUnsupported(err error) error {
	if errors.Is(err, errcode.Unsupported) {
		return nil
	}
	return err
}
