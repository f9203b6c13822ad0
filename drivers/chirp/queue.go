package chirp

import (
	"soniclib-go/errcode"
	"soniclib-go/x/mathx"
)

// TxKind is the direction of a queued transaction.
type TxKind uint8

const (
	TxRead TxKind = iota
	TxWrite
)

// Phase selects how a queued transaction reaches the bus.
type Phase uint8

const (
	// PhaseStd addresses application registers at the device address.
	PhaseStd Phase = iota
	// PhaseProg addresses sensor memory through the programming interface.
	PhaseProg
	// PhaseExternal belongs to another device on the bus and is handed to
	// Group.External.
	PhaseExternal
)

// Transaction is one queued bus operation. Buf must stay valid until the
// batch completes.
type Transaction struct {
	Kind  TxKind
	Phase Phase
	Dev   *Device
	Bus   int
	Addr  uint16
	Buf   []byte

	// chunks already issued, for PhaseProg transfers split at chunk bytes
	xfer  int
	chunk int
	// header for PhaseProg bursts; kept here so it outlives TxAsync
	hdr [2]byte
}

func (t *Transaction) chunks() int {
	if t.Phase != PhaseProg || len(t.Buf) == 0 {
		return 1
	}
	return int(mathx.CeilDiv(uint(len(t.Buf)), uint(t.chunk)))
}

// MaxExternalTx is the number of queue slots per bus reserved for
// transactions of other devices sharing the bus.
const MaxExternalTx = 2

type ioQueue struct {
	tx      []Transaction
	len     int
	idx     int
	ext     int
	running bool
}

func (q *ioQueue) reset() {
	q.len, q.idx, q.ext, q.running = 0, 0, 0, false
}

// QueuePush appends a transaction for d to its bus queue.
func (g *Group) QueuePush(d *Device, kind TxKind, phase Phase, addr uint16, buf []byte) error {
	if phase == PhaseExternal {
		return errcode.New(errcode.InvalidParams, "queue_push", "use QueueExternal")
	}
	t := Transaction{Kind: kind, Phase: phase, Dev: d, Bus: d.busIndex, Addr: addr, Buf: buf}
	if phase == PhaseProg {
		hdr := 0
		if kind == TxWrite {
			hdr = 2
		}
		t.chunk = burstChunk(d.bus(), hdr, ProgXferSize)
	}
	return g.push(t)
}

// QueueExternal appends a transaction owned by another device on bus.
func (g *Group) QueueExternal(bus int, kind TxKind, addr uint16, buf []byte) error {
	if bus < 0 || bus >= len(g.queues) {
		return errcode.New(errcode.InvalidParams, "queue_external", "bus index out of range")
	}
	return g.push(Transaction{Kind: kind, Phase: PhaseExternal, Bus: bus, Addr: addr, Buf: buf})
}

func (g *Group) push(t Transaction) error {
	q := &g.queues[t.Bus]
	if q.running {
		return &errcode.E{C: errcode.Busy, Op: "queue_push"}
	}
	if t.Phase == PhaseExternal {
		if q.ext >= MaxExternalTx {
			return &errcode.E{C: errcode.QueueFull, Op: "queue_external"}
		}
		q.ext++
	} else if q.len-q.ext >= g.numPorts {
		return &errcode.E{C: errcode.QueueFull, Op: "queue_push"}
	}
	q.tx[q.len] = t
	q.len++
	return nil
}

// QueueLen reports the number of transactions queued on bus.
func (g *Group) QueueLen(bus int) int { return g.queues[bus].len }

// QueueStart issues the first transaction of every idle, non-empty bus
// queue. With synchronous transports the whole batch runs before QueueStart
// returns.
func (g *Group) QueueStart() error {
	var start []int
	for bus := range g.queues {
		q := &g.queues[bus]
		if q.running || q.len == 0 {
			continue
		}
		// every bus of the batch is running before any of them can drain
		q.running = true
		start = append(start, bus)
	}
	if len(start) == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "queue_start", Msg: "nothing queued"}
	}
	g.ioErr = nil
	g.starting = true
	for _, bus := range start {
		if !g.issue(bus) {
			g.complete(bus)
		}
	}
	g.starting = false
	g.batchDone()
	return nil
}

// I2CComplete must be called once per finished asynchronous transfer on bus.
func (g *Group) I2CComplete(bus int) {
	if bus < 0 || bus >= len(g.queues) {
		return
	}
	g.complete(bus)
}

// IOErr returns the first transfer error of the last batch.
func (g *Group) IOErr() error { return g.ioErr }

// complete retires the current transfer on bus and issues the next one.
// It loops instead of recursing while transfers finish synchronously.
func (g *Group) complete(bus int) {
	q := &g.queues[bus]
	for q.running {
		t := &q.tx[q.idx]
		if t.Phase == PhaseProg {
			g.board.ProgramDisable(t.Dev)
		}
		if t.Phase != PhaseProg || t.xfer >= t.chunks() {
			q.idx++
			if q.idx >= q.len {
				q.reset()
				g.batchDone()
				return
			}
		}
		if g.issue(bus) {
			return
		}
	}
}

// issue starts the transfer at the cursor of bus. It reports whether
// completion will arrive later through I2CComplete.
func (g *Group) issue(bus int) (async bool) {
	q := &g.queues[bus]
	t := &q.tx[q.idx]
	var err error
	switch t.Phase {
	case PhaseExternal:
		if g.External == nil {
			err = errcode.New(errcode.Unsupported, "queue_external", "no external handler")
			break
		}
		if err = g.External(t); err == nil {
			return true
		}
	case PhaseProg:
		async, err = g.issueProgChunk(t)
	default:
		async, err = g.issueStd(t)
	}
	if err != nil {
		g.Logger.Debugw("queued transfer failed", "bus", bus, "addr", t.Addr, "error", err)
		if g.ioErr == nil {
			g.ioErr = err
		}
		if t.Phase == PhaseProg {
			// abandon the remaining chunks of this transfer
			t.xfer = t.chunks()
		}
		return false
	}
	return async
}

func (g *Group) issueStd(t *Transaction) (bool, error) {
	d := t.Dev
	if t.Addr > 0xFF {
		return false, errcode.New(errcode.InvalidParams, "queue", "register address overflow")
	}
	var w, r []byte
	t.hdr[0] = byte(t.Addr)
	if t.Kind == TxRead {
		w, r = t.hdr[:1], t.Buf
	} else {
		// the register byte and payload go out as one transfer
		w = append(append(make([]byte, 0, 1+len(t.Buf)), t.hdr[0]), t.Buf...)
	}
	if a, ok := d.bus().(AsyncI2C); ok {
		return true, errcode.Wrap(errcode.Transport, "queue_tx", a.TxAsync(d.addr, w, r))
	}
	return false, errcode.Wrap(errcode.Transport, "queue_tx", d.bus().Tx(d.addr, w, r))
}

// issueProgChunk arms the address and count registers for the next chunk
// of a programming-interface transfer and starts it.
func (g *Group) issueProgChunk(t *Transaction) (bool, error) {
	d := t.Dev
	off := t.xfer * t.chunk
	n := mathx.Min(t.chunk, len(t.Buf)-off)
	t.xfer++

	g.board.ProgramEnable(d)
	if err := d.progArm(t.Addr+uint16(off), n); err != nil {
		return false, err
	}
	t.hdr[0] = progWriteBit | progRegCtl
	var w, r []byte
	if t.Kind == TxRead {
		t.hdr[1] = progBurstRead
		w, r = t.hdr[:], t.Buf[off:off+n]
	} else {
		t.hdr[1] = progBurstWrite
		w = append(append(make([]byte, 0, 2+n), t.hdr[:]...), t.Buf[off:off+n]...)
	}
	if a, ok := d.bus().(AsyncI2C); ok {
		return true, errcode.Wrap(errcode.Transport, "queue_prog_tx", a.TxAsync(ProgAddress, w, r))
	}
	return false, errcode.Wrap(errcode.Transport, "queue_prog_tx", d.bus().Tx(ProgAddress, w, r))
}

// batchDone fires OnIOComplete once no bus is running. A batch started from
// inside the callback is reported after the callback returns.
func (g *Group) batchDone() {
	if g.starting {
		return
	}
	for i := range g.queues {
		if g.queues[i].running {
			return
		}
	}
	if g.OnIOComplete == nil {
		return
	}
	if g.inCallback {
		g.callbackMore = true
		return
	}
	g.inCallback = true
	for {
		g.callbackMore = false
		g.OnIOComplete(g)
		if !g.callbackMore {
			break
		}
	}
	g.inCallback = false
}
