// Package sonar runs a sensor group from the config/sonar bus message and
// publishes range readings.
package sonar

import (
	"context"
	"errors"
	"time"

	"github.com/edaniels/golog"
	"tinygo.org/x/drivers"

	"soniclib-go/bus"
	"soniclib-go/drivers/chirp"
	"soniclib-go/errcode"
	"soniclib-go/platform/periphboard"
	"soniclib-go/services/config"
)

var (
	topicConfig    = config.Topic("sonar")
	topicStatusGet = bus.T("sonar", "status", "get")

	// TopicState carries the retained State of the service.
	TopicState = bus.T("sonar", "state")
)

// TopicRange is where readings of the sensor at io are published.
func TopicRange(io int) bus.Topic { return bus.T("sonar", io, "range") }

// Board is what the service needs from the platform: the chirp pin surface
// plus the buses and the data-ready events.
type Board interface {
	chirp.Board
	Buses() []drivers.I2C
	Events() <-chan int
	Watch(ctx context.Context)
	Close() error
}

// Compile-time check.
var _ Board = (*periphboard.Board)(nil)

// Reading is one range measurement.
type Reading struct {
	IO int `json:"io"`
	// Range is the one-way distance in 1/32 mm; chirp.NoTarget without echo.
	Range     uint32    `json:"range"`
	RangeMM   float64   `json:"range_mm"`
	Target    bool      `json:"target"`
	Amplitude uint16    `json:"amplitude"`
	Time      time.Time `json:"time"`
}

// DeviceStatus describes one configured sensor.
type DeviceStatus struct {
	IO          int    `json:"io"`
	Bus         int    `json:"bus"`
	Connected   bool   `json:"connected"`
	State       string `json:"state"`
	Mode        string `json:"mode"`
	Firmware    string `json:"firmware"`
	OpFrequency uint32 `json:"op_frequency_hz"`
	Bandwidth   uint16 `json:"bandwidth_hz"`
	RTCCal      uint16 `json:"rtc_cal"`
	MaxRangeMM  uint16 `json:"max_range_mm"`
}

// State is the retained service state.
type State struct {
	State   string         `json:"state"` // "running", "error" or "stopped"
	Error   string         `json:"error,omitempty"`
	Devices []DeviceStatus `json:"devices,omitempty"`
}

type Service struct {
	// OpenBoard builds the platform for a config. Defaults to periphboard.
	OpenBoard func(cfg periphboard.Config, log golog.Logger) (Board, error)
	// LoadFirmware resolves the firmware of a sensor.
	LoadFirmware func(s SensorConfig) (chirp.Firmware, error)
	// Clock replaces the group clock when set.
	Clock chirp.Clock

	log  golog.Logger
	run  *run
	done chan struct{}
}

// run is one started group.
type run struct {
	cfg       SonarConfig
	board     Board
	grp       *chirp.Group
	devs      []*chirp.Device
	triggered bool
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New returns a service loading firmware from fwDir.
func New(fwDir string, logger golog.Logger) *Service {
	if logger == nil {
		logger = golog.Global().Named("sonar")
	}
	return &Service{
		OpenBoard: func(cfg periphboard.Config, log golog.Logger) (Board, error) {
			b, err := periphboard.Open(cfg, log)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		LoadFirmware: DirLoader(fwDir),
		log:          logger,
	}
}

// Start the sonar service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.OpenBoard == nil || s.LoadFirmware == nil {
		return errcode.New(errcode.InvalidParams, "sonar_start", "board opener and firmware loader are required")
	}
	cfgSub := conn.Subscribe(topicConfig)
	statusSub := conn.Subscribe(topicStatusGet)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		defer conn.Unsubscribe(cfgSub)
		defer conn.Unsubscribe(statusSub)
		s.serviceLoop(ctx, conn, cfgSub, statusSub)
	}()
	return nil
}

// Done is closed once the service has stopped its group after ctx ended.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, cfgSub, statusSub *bus.Subscription) {
	var (
		tick   *time.Ticker
		tickC  <-chan time.Time
		events <-chan int
	)
	stop := func() {
		if tick != nil {
			tick.Stop()
			tick, tickC = nil, nil
		}
		events = nil
		s.stop()
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("sonar service stopping")
			conn.Publish(conn.NewMessage(TopicState, State{State: "stopped"}, true))
			return

		case msg := <-cfgSub.Channel():
			var cfg SonarConfig
			err := config.Decode(msg.Payload, &cfg)
			if err == nil {
				err = cfg.validate()
			}
			stop()
			if err == nil {
				err = s.start(ctx, conn, cfg)
			}
			if err != nil {
				s.log.Errorw("sonar not started", "error", err)
				conn.Publish(conn.NewMessage(TopicState, State{State: "error", Error: err.Error()}, true))
				continue
			}
			events = s.run.board.Events()
			if s.run.triggered {
				tick = time.NewTicker(time.Duration(cfg.PollMS) * time.Millisecond)
				tickC = tick.C
			}
			conn.Publish(conn.NewMessage(TopicState, s.state(), true))

		case <-tickC:
			s.run.grp.HWTrigger()

		case io := <-events:
			s.run.grp.HandleInterrupt(io)

		case req := <-statusSub.Channel():
			conn.Reply(req, s.state(), false)
		}
	}
}

func (s *Service) start(ctx context.Context, conn *bus.Connection, cfg SonarConfig) error {
	board, err := s.OpenBoard(cfg.Board, s.log.Named("board"))
	if err != nil {
		return err
	}
	r := &run{cfg: cfg, board: board}
	if err := s.startGroup(r, conn); err != nil {
		_ = board.Close()
		return err
	}
	wctx, cancel := context.WithCancel(ctx)
	r.stopWatch, r.watchDone = cancel, make(chan struct{})
	go func() {
		defer close(r.watchDone)
		board.Watch(wctx)
	}()
	s.run = r
	return nil
}

func (s *Service) startGroup(r *run, conn *bus.Connection) error {
	g, err := chirp.NewGroup(r.board, r.board.Buses(), r.cfg.numPorts())
	if err != nil {
		return err
	}
	g.Logger = s.log.Named("chirp")
	if s.Clock != nil {
		g.Clock = s.Clock
	}
	if r.cfg.RTCCalPulseMS != 0 {
		g.RTCCalPulseMS = r.cfg.RTCCalPulseMS
	}
	g.PretrigDelayUS = r.cfg.PretrigDelayUS
	g.StrictSignature = r.cfg.StrictSignature
	g.SkipAbsent = r.cfg.SkipAbsent
	if err := g.Prepare(); err != nil {
		return err
	}

	for _, sc := range r.cfg.Sensors {
		fw, err := s.LoadFirmware(sc)
		if err != nil {
			return err
		}
		d := &chirp.Device{}
		if err := g.Init(d, chirp.Port{IOIndex: sc.IO, Bus: sc.Bus, Address: sc.Address}, fw); err != nil {
			return err
		}
		r.devs = append(r.devs, d)
	}
	if err := g.Start(); err != nil {
		return err
	}

	for i, d := range r.devs {
		if !d.Connected() {
			s.log.Warnw("sensor absent", "io", d.IOIndex())
			continue
		}
		cc := r.cfg.Sensors[i].chirpConfig()
		if err := d.SetConfig(cc); err != nil {
			return err
		}
		if cc.Mode == chirp.ModeTriggeredTxRx || cc.Mode == chirp.ModeTriggeredRxOnly {
			r.triggered = true
		}
		s.log.Infow("sensor configured", "io", d.IOIndex(), "mode", cc.Mode, "max_range_mm", d.MaxRange(),
			"op_freq", d.Frequency(), "bandwidth", d.Bandwidth())
	}
	g.OnData = func(io int) { s.publishReading(conn, g.Device(io)) }
	r.grp = g
	return nil
}

func (s *Service) stop() {
	r := s.run
	if r == nil {
		return
	}
	s.run = nil
	r.stopWatch()
	<-r.watchDone
	for _, d := range r.devs {
		if d.Connected() {
			if err := d.SetMode(chirp.ModeIdle); err != nil {
				s.log.Debugw("idle on stop failed", "io", d.IOIndex(), "error", err)
			}
		}
	}
	if err := r.board.Close(); err != nil {
		s.log.Warnw("board close failed", "error", err)
	}
}

func (s *Service) publishReading(conn *bus.Connection, d *chirp.Device) {
	if d == nil || !d.Connected() {
		return
	}
	rng, err := d.Range(chirp.RangeOneWay)
	if err != nil {
		s.log.Warnw("range read failed", "io", d.IOIndex(), "error", err)
		return
	}
	amp, err := d.Amplitude()
	if err != nil && !errors.Is(err, errcode.Unsupported) {
		s.log.Debugw("amplitude read failed", "io", d.IOIndex(), "error", err)
	}
	rd := Reading{IO: d.IOIndex(), Range: rng, Amplitude: amp, Time: time.Now()}
	if rng != chirp.NoTarget {
		rd.Target = true
		rd.RangeMM = float64(rng) / 32
	}
	conn.Publish(conn.NewMessage(TopicRange(rd.IO), rd, false))
}

func (s *Service) state() State {
	r := s.run
	if r == nil {
		return State{State: "stopped"}
	}
	st := State{State: "running"}
	for _, d := range r.devs {
		st.Devices = append(st.Devices, DeviceStatus{
			IO:          d.IOIndex(),
			Bus:         d.Bus(),
			Connected:   d.Connected(),
			State:       d.State().String(),
			Mode:        d.Mode().String(),
			Firmware:    d.Firmware().Name(),
			OpFrequency: d.OpFrequency(),
			Bandwidth:   d.Bandwidth(),
			RTCCal:      d.RTCCalResult(),
			MaxRangeMM:  d.MaxRange(),
		})
	}
	return st
}
