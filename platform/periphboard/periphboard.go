// Package periphboard runs a sensor group on a Linux host through periph.io:
// I2C buses from i2creg and RESET_N, PROG and INT lines from gpioreg.
package periphboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"

	"soniclib-go/drivers/chirp"
	"soniclib-go/errcode"
)

// SensorPins names the per-sensor lines, indexed by chirp IOIndex.
type SensorPins struct {
	Prog string `json:"prog"`
	Int  string `json:"int"`
}

// Config names the host resources used by one group.
type Config struct {
	Buses   []string     `json:"buses"`
	Reset   string       `json:"reset"`
	Sensors []SensorPins `json:"sensors"`
	// BusSpeedHz is applied to every bus when non-zero.
	BusSpeedHz int64 `json:"bus_speed_hz"`
	// MaxTxSize caps a single transfer when the bus driver reports no limit.
	MaxTxSize int `json:"max_tx_size"`
	// EventBuffer sizes the data-ready channel. Default 16.
	EventBuffer int `json:"event_buffer"`
}

const edgePoll = 50 * time.Millisecond

// Bus adapts a periph I2C bus to drivers.I2C. The underlying bus is
// replaced on reset, so the adapter value stays valid.
type Bus struct {
	mu    sync.Mutex
	name  string
	bus   i2c.Bus
	limit int
}

func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus == nil {
		return errcode.New(errcode.Transport, "i2c_tx", b.name+" is not open")
	}
	return b.bus.Tx(addr, w, r)
}

// MaxTxSize reports the transfer limit, 0 for none.
func (b *Bus) MaxTxSize() int { return b.limit }

func (b *Bus) String() string { return b.name }

// Board implements chirp.Board on periph pins.
type Board struct {
	log   golog.Logger
	names []string
	open  func(name string) (i2c.BusCloser, error)
	speed physic.Frequency
	limit int

	buses   []*Bus
	closers []i2c.BusCloser
	reset   gpio.PinIO
	prog    []gpio.PinIO
	ints    []gpio.PinIO

	// armed per INT line; read by the edge watchers
	armed  []atomic.Bool
	events chan int
	drops  atomic.Uint32
}

// Open initialises the host drivers and resolves every bus and pin named
// in cfg.
func Open(cfg Config, logger golog.Logger) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, errcode.Wrap(errcode.Error, "host_init", err)
	}
	pin := func(name string) (gpio.PinIO, error) {
		if name == "" {
			return nil, nil
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, errcode.New(errcode.InvalidParams, "periphboard", "unknown pin "+name)
		}
		return p, nil
	}
	reset, err := pin(cfg.Reset)
	if err != nil {
		return nil, err
	}
	prog := make([]gpio.PinIO, len(cfg.Sensors))
	ints := make([]gpio.PinIO, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		if prog[i], err = pin(s.Prog); err != nil {
			return nil, err
		}
		if ints[i], err = pin(s.Int); err != nil {
			return nil, err
		}
	}
	opener := func(name string) (i2c.BusCloser, error) { return i2creg.Open(name) }
	return newBoard(cfg, logger, opener, reset, prog, ints)
}

func newBoard(cfg Config, logger golog.Logger, open func(string) (i2c.BusCloser, error),
	reset gpio.PinIO, prog, ints []gpio.PinIO) (*Board, error) {
	if len(cfg.Buses) == 0 {
		return nil, errcode.New(errcode.InvalidParams, "periphboard", "no buses configured")
	}
	if reset == nil {
		return nil, errcode.New(errcode.InvalidParams, "periphboard", "reset pin is required")
	}
	for i := range prog {
		if prog[i] == nil || ints[i] == nil {
			return nil, errcode.New(errcode.InvalidParams, "periphboard", "every sensor needs prog and int pins")
		}
	}
	if logger == nil {
		logger = golog.Global().Named("periphboard")
	}
	n := cfg.EventBuffer
	if n <= 0 {
		n = 16
	}
	b := &Board{
		log:     logger,
		names:   cfg.Buses,
		open:    open,
		speed:   physic.Frequency(cfg.BusSpeedHz) * physic.Hertz,
		limit:   cfg.MaxTxSize,
		closers: make([]i2c.BusCloser, len(cfg.Buses)),
		reset:   reset,
		prog:    prog,
		ints:    ints,
		armed:   make([]atomic.Bool, len(ints)),
		events:  make(chan int, n),
	}
	for i, name := range cfg.Buses {
		b.buses = append(b.buses, &Bus{name: name})
		if err := b.openBus(i); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Board) openBus(i int) error {
	bc, err := b.open(b.names[i])
	if err != nil {
		return errcode.Wrap(errcode.Transport, "i2c_open", err)
	}
	if b.speed > 0 {
		if err := bc.SetSpeed(b.speed); err != nil {
			b.log.Warnw("bus speed not applied", "bus", b.names[i], "error", err)
		}
	}
	limit := b.limit
	if l, ok := bc.(conn.Limits); ok && l.MaxTxSize() > 0 {
		limit = l.MaxTxSize()
	}
	bus := b.buses[i]
	bus.mu.Lock()
	bus.bus, bus.limit = bc, limit
	bus.mu.Unlock()
	b.closers[i] = bc
	return nil
}

// Buses returns the transports to hand to chirp.NewGroup, in config order.
func (b *Board) Buses() []drivers.I2C {
	out := make([]drivers.I2C, len(b.buses))
	for i, bus := range b.buses {
		out[i] = bus
	}
	return out
}

// Close releases every bus.
func (b *Board) Close() error {
	var first error
	for i, c := range b.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		b.closers[i] = nil
	}
	return first
}

// Events delivers the IOIndex of each sensor that raised INT while its
// interrupt was enabled. Events are dropped when the consumer falls behind.
func (b *Board) Events() <-chan int { return b.events }

func (b *Board) Drops() uint32 { return b.drops.Load() }

// Watch waits for INT edges until ctx is done.
func (b *Board) Watch(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range b.ints {
		wg.Add(1)
		go func(io int) {
			defer wg.Done()
			b.watch(ctx, io)
		}(i)
	}
	wg.Wait()
}

func (b *Board) watch(ctx context.Context, io int) {
	p := b.ints[io]
	for ctx.Err() == nil {
		if !b.armed[io].Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(edgePoll):
			}
			continue
		}
		if !p.WaitForEdge(edgePoll) || !b.armed[io].Load() {
			continue
		}
		select {
		case b.events <- io:
		default:
			b.drops.Add(1)
		}
	}
}

// chirp.Board

func (b *Board) PinInit() error {
	if err := b.reset.Out(gpio.Low); err != nil {
		return errcode.Wrap(errcode.Error, "reset_pin", err)
	}
	for i := range b.prog {
		if err := b.prog[i].Out(gpio.High); err != nil {
			return errcode.Wrap(errcode.Error, "prog_pin", err)
		}
		if err := b.ints[i].In(gpio.PullDown, gpio.NoEdge); err != nil {
			return errcode.Wrap(errcode.Error, "int_pin", err)
		}
	}
	return nil
}

// I2CInit is a no-op: buses are opened by Open so they can be passed to
// chirp.NewGroup.
func (b *Board) I2CInit() error { return nil }

// I2CReset closes and reopens a bus after a failed transfer.
func (b *Board) I2CReset(bus int) {
	if bus < 0 || bus >= len(b.buses) {
		return
	}
	if c := b.closers[bus]; c != nil {
		_ = c.Close()
		b.closers[bus] = nil
	}
	if err := b.openBus(bus); err != nil {
		b.log.Warnw("bus reset failed", "bus", b.names[bus], "error", err)
	}
}

func (b *Board) ResetAssert()  { b.out(b.reset, gpio.Low) }
func (b *Board) ResetRelease() { b.out(b.reset, gpio.High) }

func (b *Board) ProgramEnable(d *chirp.Device)  { b.out(b.prog[d.IOIndex()], gpio.High) }
func (b *Board) ProgramDisable(d *chirp.Device) { b.out(b.prog[d.IOIndex()], gpio.Low) }

func (b *Board) GroupSetIODirOut() { b.eachInt(b.setDirOut) }
func (b *Board) GroupSetIODirIn()  { b.eachInt(b.setDirIn) }
func (b *Board) GroupIOSet()       { b.eachInt(func(i int) { b.out(b.ints[i], gpio.High) }) }
func (b *Board) GroupIOClear()     { b.eachInt(func(i int) { b.out(b.ints[i], gpio.Low) }) }

func (b *Board) GroupInterruptEnable()  { b.eachInt(b.enable) }
func (b *Board) GroupInterruptDisable() { b.eachInt(b.disable) }

func (b *Board) SetIODirOut(d *chirp.Device)      { b.setDirOut(d.IOIndex()) }
func (b *Board) SetIODirIn(d *chirp.Device)       { b.setDirIn(d.IOIndex()) }
func (b *Board) IOSet(d *chirp.Device)            { b.out(b.ints[d.IOIndex()], gpio.High) }
func (b *Board) IOClear(d *chirp.Device)          { b.out(b.ints[d.IOIndex()], gpio.Low) }
func (b *Board) InterruptEnable(d *chirp.Device)  { b.enable(d.IOIndex()) }
func (b *Board) InterruptDisable(d *chirp.Device) { b.disable(d.IOIndex()) }

func (b *Board) eachInt(fn func(i int)) {
	for i := range b.ints {
		fn(i)
	}
}

func (b *Board) out(p gpio.PinIO, l gpio.Level) {
	if err := p.Out(l); err != nil {
		b.log.Debugw("pin write failed", "pin", p.Name(), "error", err)
	}
}

func (b *Board) setDirOut(i int) { b.out(b.ints[i], gpio.Low) }

// setDirIn returns the line to input, re-arming edge detection if the
// interrupt is enabled.
func (b *Board) setDirIn(i int) {
	edge := gpio.NoEdge
	if b.armed[i].Load() {
		edge = gpio.RisingEdge
	}
	if err := b.ints[i].In(gpio.PullDown, edge); err != nil {
		b.log.Debugw("pin input failed", "pin", b.ints[i].Name(), "error", err)
	}
}

func (b *Board) enable(i int) {
	b.armed[i].Store(true)
	b.setDirIn(i)
}

func (b *Board) disable(i int) {
	b.armed[i].Store(false)
}
