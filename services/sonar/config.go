package sonar

import (
	"os"
	"path/filepath"

	"soniclib-go/drivers/chirp"
	"soniclib-go/drivers/chirp/gpr"
	"soniclib-go/errcode"
	"soniclib-go/platform/periphboard"
)

// SonarConfig is the config/sonar payload.
type SonarConfig struct {
	Board periphboard.Config `json:"board"`

	RTCCalPulseMS   uint16 `json:"rtc_cal_pulse_ms"`
	PretrigDelayUS  uint16 `json:"pretrig_delay_us"`
	StrictSignature bool   `json:"strict_signature"`
	SkipAbsent      bool   `json:"skip_absent"`
	// PollMS is the hardware trigger period for triggered sensors.
	PollMS int `json:"poll_ms"`

	Sensors []SensorConfig `json:"sensors"`
}

type ThresholdConfig struct {
	Start uint16 `json:"start"`
	Level uint16 `json:"level"`
}

// SensorConfig places one sensor and sets its measurement parameters.
type SensorConfig struct {
	IO      int    `json:"io"`
	Bus     int    `json:"bus"`
	Address uint16 `json:"address"`

	Firmware    string `json:"firmware"`
	RAMInitAddr uint16 `json:"ram_init_addr"`

	Mode          string            `json:"mode"`
	MaxRangeMM    uint16            `json:"max_range_mm"`
	IntervalMS    uint16            `json:"interval_ms"`
	StaticRangeMM uint16            `json:"static_range_mm"`
	Thresholds    []ThresholdConfig `json:"thresholds"`
	TargetInt     bool              `json:"target_int"`
}

const defaultPollMS = 100

func (c *SonarConfig) validate() error {
	if len(c.Sensors) == 0 {
		return errcode.New(errcode.InvalidParams, "sonar_config", "no sensors configured")
	}
	seen := map[int]bool{}
	for _, s := range c.Sensors {
		if s.IO < 0 || seen[s.IO] {
			return errcode.New(errcode.InvalidParams, "sonar_config", "duplicate or negative io index")
		}
		seen[s.IO] = true
		if _, ok := chirp.ParseMode(s.Mode); !ok {
			return errcode.New(errcode.InvalidParams, "sonar_config", "unknown mode "+s.Mode)
		}
		if _, ok := firmwares[s.Firmware]; !ok {
			return errcode.New(errcode.InvalidParams, "sonar_config", "unknown firmware "+s.Firmware)
		}
	}
	if c.PollMS <= 0 {
		c.PollMS = defaultPollMS
	}
	return nil
}

// numPorts covers every configured io index and every board sensor line.
func (c *SonarConfig) numPorts() int {
	n := len(c.Board.Sensors)
	for _, s := range c.Sensors {
		if s.IO >= n {
			n = s.IO + 1
		}
	}
	return n
}

func (s SensorConfig) chirpConfig() chirp.Config {
	mode, _ := chirp.ParseMode(s.Mode)
	cfg := chirp.Config{
		Mode:             mode,
		MaxRangeMM:       s.MaxRangeMM,
		SampleIntervalMS: s.IntervalMS,
		StaticRangeMM:    s.StaticRangeMM,
		TargetInt:        s.TargetInt,
		TimePlan:         chirp.TimePlanNone,
	}
	for _, th := range s.Thresholds {
		cfg.Thresholds = append(cfg.Thresholds, chirp.Threshold{StartSample: th.Start, Level: th.Level})
	}
	return cfg
}

var firmwares = map[string]func(gpr.Image) chirp.Firmware{
	"ch101_gpr_sr": gpr.CH101SR,
	"ch201_gpr_mt": func(img gpr.Image) chirp.Firmware { return gpr.NewCH201MT(img) },
}

// DirLoader loads <name>.bin, plus <name>.init.bin when present, from dir.
func DirLoader(dir string) func(s SensorConfig) (chirp.Firmware, error) {
	return func(s SensorConfig) (chirp.Firmware, error) {
		mk, ok := firmwares[s.Firmware]
		if !ok {
			return nil, errcode.New(errcode.InvalidParams, "load_firmware", "unknown firmware "+s.Firmware)
		}
		prog := filepath.Join(dir, s.Firmware+".bin")
		ramInit := filepath.Join(dir, s.Firmware+".init.bin")
		if _, err := os.Stat(ramInit); err != nil {
			ramInit = ""
		}
		img, err := gpr.LoadImage(prog, ramInit, s.RAMInitAddr)
		if err != nil {
			return nil, err
		}
		return mk(img), nil
	}
}
