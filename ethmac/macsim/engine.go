// Package macsim provides a software model of the MAC DMA engine that the
// ethmac descriptor machinery drives. The model obeys the same visibility
// rules as the silicon: it reaches descriptors only through bus addresses,
// sees only the hardware words of each descriptor and communicates ownership
// exclusively through the EOWN header bit.
//
// Frames leave through an egress callback and arrive through [Engine.InjectRx]
// or the queued [Engine.Inject]. Tests can drive the engine one frame at a
// time with [Engine.StepTx], long running setups let [Engine.Start] pump it.
package macsim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/ethmac"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRxNotRunning is returned when a frame arrives while reception is
	// disabled or the receive chain was never programmed.
	ErrRxNotRunning = errors.New("reception is not running")

	// ErrRxStalled is returned when the receive chain has no armed
	// descriptors left or the consumed buffer budget is exhausted. The
	// frame is lost, the engine stays parked until the driver arms more
	// buffers or pays budget back.
	ErrRxStalled = errors.New("receive chain is stalled")

	// ErrBusFault is returned when a descriptor walk runs off the mapped
	// bus. The affected direction halts until it is enabled again.
	ErrBusFault = errors.New("descriptor fetch fault")

	// ErrEmptyFrame is returned for a zero length injection.
	ErrEmptyFrame = errors.New("empty frame")
)

// Events is the set of latched engine events, the simulator's stand in for
// the interrupt flag register.
type Events uint32

const (
	EventTxDone Events = 1 << iota
	EventRxDone
	EventRxOverflow
	EventTxBusError
	EventRxBusError
)

func (ev Events) String() string {
	if ev == 0 {
		return "none"
	}
	names := make([]string, 0, 5)
	for _, n := range []struct {
		bit  Events
		name string
	}{
		{EventTxDone, "txDone"},
		{EventRxDone, "rxDone"},
		{EventRxOverflow, "rxOverflow"},
		{EventTxBusError, "txBusError"},
		{EventRxBusError, "rxBusError"},
	} {
		if ev&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

const (
	// DefaultRxBufferSize is used until the driver programs a buffer size.
	DefaultRxBufferSize = 1536

	// DefaultRxBudget caps how many consumed receive buffers may be
	// outstanding before the engine refuses further frames. Matches the
	// eight bit buffer counter of the real part.
	DefaultRxBudget = 255

	// minFrameBytes and frameCheckBytes shape the byte counts reported in
	// status writebacks. Short frames are padded on the wire and every
	// frame carries a frame check sequence, neither is materialized in the
	// buffers.
	minFrameBytes   = 60
	frameCheckBytes = 4

	ingressBacklog = 64
)

// Engine simulates one MAC's DMA engine over a shared bus map. The zero
// value is not usable, construct with [NewEngine].
//
// Register accesses, the ethmac.Controller surface, are lock free. The
// descriptor walks serialize on an internal mutex, so InjectRx and StepTx
// may be called from any goroutine.
type Engine struct {
	l    *logrus.Logger
	name string
	bus  *ethmac.MemoryMap

	enabled atomic.Bool
	txOn    atomic.Bool
	rxOn    atomic.Bool

	txChain atomic.Uint32
	rxChain atomic.Uint32

	rxBufSize  atomic.Int32
	rxConsumed atomic.Int32
	rxBudget   atomic.Int32

	events atomic.Uint32

	running    atomic.Bool
	txStepping atomic.Bool
	rxStepping atomic.Bool

	// mu guards the walk state below. Never held while calling out of the
	// package.
	mu    sync.Mutex
	txCur uint32
	rxCur uint32
	link  ethmac.LinkConfig
	out   func(frame []byte)
	irq   func(ev Events)

	txKick  chan struct{}
	ingress chan []byte

	metrics engineMetrics
}

// NewEngine returns an engine named name walking descriptors through bus.
func NewEngine(l *logrus.Logger, name string, bus *ethmac.MemoryMap) *Engine {
	if bus == nil {
		panic("macsim: nil bus")
	}
	e := &Engine{
		l:       l,
		name:    name,
		bus:     bus,
		txKick:  make(chan struct{}, 1),
		ingress: make(chan []byte, ingressBacklog),
		metrics: newEngineMetrics(name),
	}
	e.rxBudget.Store(DefaultRxBudget)
	return e
}

// SetEgress installs the callback that receives every transmitted frame.
// The slice passed to out is owned by the callback.
func (e *Engine) SetEgress(out func(frame []byte)) {
	e.mu.Lock()
	e.out = out
	e.mu.Unlock()
}

// SetInterrupt installs the callback invoked after an operation latches
// events, the simulator's interrupt line. The callback runs on the goroutine
// that performed the operation, with no engine locks held.
func (e *Engine) SetInterrupt(irq func(ev Events)) {
	e.mu.Lock()
	e.irq = irq
	e.mu.Unlock()
}

// SetRxBudget overrides the consumed buffer budget. Only useful in tests,
// the default matches the hardware counter width.
func (e *Engine) SetRxBudget(n int) {
	e.rxBudget.Store(int32(n))
}

// Events returns the currently latched events.
func (e *Engine) Events() Events {
	return Events(e.events.Load())
}

// Link returns the most recently pushed link configuration.
func (e *Engine) Link() ethmac.LinkConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// Name returns the engine name used in logs and metrics.
func (e *Engine) Name() string { return e.name }

// Enable and the methods below implement ethmac.Controller.
func (e *Engine) Enable()  { e.enabled.Store(true) }
func (e *Engine) Disable() { e.enabled.Store(false) }

func (e *Engine) IsBusy() bool { return e.TxIsBusy() || e.RxIsBusy() }

func (e *Engine) TxEnable() {
	e.txOn.Store(true)
	select {
	case e.txKick <- struct{}{}:
	default:
	}
}

func (e *Engine) TxDisable() { e.txOn.Store(false) }

// TxIsBusy reports an in flight transmission. A queued kick only counts
// while the pump runs, manual stepping owes nobody a drain.
func (e *Engine) TxIsBusy() bool {
	return e.txStepping.Load() || (e.running.Load() && len(e.txKick) > 0)
}

func (e *Engine) RxEnable()  { e.rxOn.Store(true) }
func (e *Engine) RxDisable() { e.rxOn.Store(false) }

func (e *Engine) RxIsBusy() bool {
	return e.rxStepping.Load() || (e.running.Load() && len(e.ingress) > 0)
}

func (e *Engine) TxChainAddr() uint32 { return e.txChain.Load() }

// SetTxChainAddr programs the transmit chain start. Writing it also loads
// the fetch pointer, the way a chain start register write does.
func (e *Engine) SetTxChainAddr(addr uint32) {
	e.txChain.Store(addr)
	e.mu.Lock()
	e.txCur = addr
	e.mu.Unlock()
}

func (e *Engine) RxChainAddr() uint32 { return e.rxChain.Load() }

func (e *Engine) SetRxChainAddr(addr uint32) {
	e.rxChain.Store(addr)
	e.mu.Lock()
	e.rxCur = addr
	e.mu.Unlock()
}

// RxBudgetDecrement pays one unit of consumed buffer budget back. The
// counter clamps at zero, decrements of an idle engine are harmless, which
// is what lets the driver pay eagerly while arming fresh buffers.
func (e *Engine) RxBudgetDecrement() {
	for {
		n := e.rxConsumed.Load()
		if n == 0 {
			return
		}
		if e.rxConsumed.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (e *Engine) RxPacketCount() int { return int(e.rxConsumed.Load()) }

func (e *Engine) SetRxBufferSize(n int) { e.rxBufSize.Store(int32(n)) }

func (e *Engine) ClearEvents() { e.events.Store(0) }

func (e *Engine) SetLink(cfg ethmac.LinkConfig) {
	e.mu.Lock()
	e.link = cfg
	e.mu.Unlock()
	if e.l.Level >= logrus.DebugLevel {
		e.l.WithField("engine", e.name).WithField("link", cfg).
			Debug("Link configuration pushed")
	}
}

// StepTx runs the transmit side for at most one frame. It returns true when
// a frame went out, false when the engine is parked, disabled or halted.
func (e *Engine) StepTx() bool {
	e.txStepping.Store(true)
	e.mu.Lock()
	frame, raised, ok := e.transmitLocked()
	out, irq := e.out, e.irq
	loop := e.link.Loopback
	e.mu.Unlock()
	e.txStepping.Store(false)

	if ok {
		if loop {
			// MAC internal loopback, the frame comes straight back.
			_ = e.InjectRx(frame)
		} else if out != nil {
			out(frame)
		}
	}
	if raised != 0 && irq != nil {
		irq(raised)
	}
	return ok
}

func (e *Engine) transmitLocked() ([]byte, Events, bool) {
	if !e.enabled.Load() || !e.txOn.Load() {
		return nil, 0, false
	}
	if e.txCur == 0 {
		e.txCur = e.txChain.Load()
	}
	if e.txCur == 0 {
		return nil, 0, false
	}

	head := e.bus.DescriptorAt(e.txCur)
	if head == nil {
		return nil, e.busFault(EventTxBusError, e.txCur), false
	}
	if !head.LoadHeader().HwOwned() {
		// Parked on a software owned descriptor, normally the sentinel.
		// The next TxEnable refetches it.
		return nil, 0, false
	}

	var (
		chain []*ethmac.Descriptor
		frame []byte
	)
	dc := head
	for {
		hdr := dc.LoadHeader()
		if dc != head && !hdr.HwOwned() {
			// A frame must be handed over whole. Ownership gaps inside
			// it mean the chain is corrupt.
			return nil, e.busFault(EventTxBusError, dc.Addr()), false
		}
		buf, err := e.bus.Resolve(dc.BufferAddr(), hdr.ByteCount())
		if err != nil {
			return nil, e.busFault(EventTxBusError, dc.Addr()), false
		}
		frame = append(frame, buf...)
		chain = append(chain, dc)
		if hdr.EOP() {
			break
		}
		next := dc.NextAddr()
		if next == 0 {
			return nil, e.busFault(EventTxBusError, dc.Addr()), false
		}
		if dc = e.bus.DescriptorAt(next); dc == nil {
			return nil, e.busFault(EventTxBusError, next), false
		}
	}

	wire := len(frame)
	if wire < minFrameBytes {
		wire = minFrameBytes
	}
	s0, s1 := ethmac.EncodeTxStatus(ethmac.TxStatus{
		WireBytes: wire + frameCheckBytes,
		Done:      true,
	})
	head.StoreStatus(s0, s1)

	// Ownership goes back tail first. The head returns last so software
	// never sees a done frame head while later buffers are still engine
	// owned.
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		n.StoreHeader(n.LoadHeader() &^ ethmac.HeaderEOWN)
	}

	raised := e.latch(EventTxDone)
	e.txCur = chain[len(chain)-1].NextAddr()
	if e.txCur == 0 {
		// Nothing to fetch next. The driver's busy list always ends in a
		// sentinel, so a dead end means the chain was built by hand.
		raised |= e.busFault(EventTxBusError, 0)
	}

	e.metrics.txFrames.Inc(1)
	e.metrics.txBytes.Inc(int64(len(frame)))
	if e.l.Level >= logrus.DebugLevel {
		e.l.WithField("engine", e.name).WithField("bytes", len(frame)).
			WithField("buffers", len(chain)).Debug("Transmitted frame")
	}
	return frame, raised, true
}

// InjectRx lands one frame in the receive chain, the way the engine does
// after pulling it off the wire. The frame scatters across as many armed
// buffers as it needs, ownership returns tail first and the leading
// descriptor carries the status writeback.
func (e *Engine) InjectRx(frame []byte) error {
	e.rxStepping.Store(true)
	e.mu.Lock()
	raised, err := e.receiveLocked(frame)
	irq := e.irq
	e.mu.Unlock()
	e.rxStepping.Store(false)

	if raised != 0 && irq != nil {
		irq(raised)
	}
	return err
}

func (e *Engine) receiveLocked(frame []byte) (Events, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	if !e.enabled.Load() || !e.rxOn.Load() {
		e.metrics.rxDrops.Inc(1)
		return 0, ErrRxNotRunning
	}
	if e.rxCur == 0 {
		e.rxCur = e.rxChain.Load()
	}
	if e.rxCur == 0 {
		e.metrics.rxDrops.Inc(1)
		return 0, ErrRxNotRunning
	}

	bufSize := int(e.rxBufSize.Load())
	if bufSize == 0 {
		bufSize = DefaultRxBufferSize
	}
	need := (len(frame) + bufSize - 1) / bufSize

	// Collect armed descriptors for the whole frame before touching any
	// of them. The real engine stalls mid frame, the model keeps frames
	// atomic, either every buffer lands or none does.
	chain := make([]*ethmac.Descriptor, 0, need)
	var budget int32
	addr := e.rxCur
	for {
		dc := e.bus.DescriptorAt(addr)
		if dc == nil {
			return e.busFault(EventRxBusError, addr), ErrBusFault
		}
		hdr := dc.LoadHeader()
		if !hdr.HwOwned() {
			// Out of armed buffers. The frame is lost and the engine
			// stays parked here, a later splice revives this very
			// descriptor in place.
			e.metrics.rxDrops.Inc(1)
			return e.latch(EventRxOverflow), ErrRxStalled
		}
		chain = append(chain, dc)
		if hdr&ethmac.HeaderNoAck == 0 {
			budget++
		}
		if len(chain) == need {
			break
		}
		if addr = dc.NextAddr(); addr == 0 {
			return e.busFault(EventRxBusError, dc.Addr()), ErrBusFault
		}
	}

	if e.rxConsumed.Load()+budget > e.rxBudget.Load() {
		// Too many consumed buffers outstanding, the driver has not paid
		// its budget back yet.
		e.metrics.rxDrops.Inc(1)
		return e.latch(EventRxOverflow), ErrRxStalled
	}

	// Scatter the frame, every buffer filled to the programmed size, the
	// remainder in the last one.
	hdrs := make([]ethmac.Header, len(chain))
	off := 0
	for i, dc := range chain {
		n := len(frame) - off
		if n > bufSize {
			n = bufSize
		}
		buf, err := e.bus.Resolve(dc.BufferAddr(), n)
		if err != nil {
			return e.busFault(EventRxBusError, dc.Addr()), ErrBusFault
		}
		copy(buf, frame[off:off+n])
		off += n

		hdr := dc.LoadHeader().WithByteCount(n)
		hdr &^= ethmac.HeaderSOP | ethmac.HeaderEOP
		if i == 0 {
			hdr |= ethmac.HeaderSOP
		}
		if i == len(chain)-1 {
			hdr |= ethmac.HeaderEOP
		}
		hdrs[i] = hdr
	}

	s0, s1 := ethmac.EncodeRxStatus(ethmac.RxStatus{
		FrameBytes: len(frame) + frameCheckBytes,
		Checksum:   frameChecksum(frame),
		OK:         true,
	})
	chain[0].StoreStatus(s0, s1)

	// Ownership returns tail first so software never observes a frame
	// head whose remaining buffers are still engine owned.
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].StoreHeader(hdrs[i] &^ ethmac.HeaderEOWN)
	}

	e.rxConsumed.Add(budget)
	e.rxCur = chain[len(chain)-1].NextAddr()
	raised := e.latch(EventRxDone)
	if e.rxCur == 0 {
		raised |= e.busFault(EventRxBusError, 0)
	}

	e.metrics.rxFrames.Inc(1)
	e.metrics.rxBytes.Inc(int64(len(frame)))
	if e.l.Level >= logrus.DebugLevel {
		e.l.WithField("engine", e.name).WithField("bytes", len(frame)).
			WithField("buffers", len(chain)).Debug("Received frame")
	}
	return raised, nil
}

// Inject queues a frame for reception without blocking. The frame is copied.
// It returns false when the ingress backlog is full, the frame is then
// counted as dropped. A running [Engine.Start] drains the backlog.
func (e *Engine) Inject(frame []byte) bool {
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case e.ingress <- f:
		return true
	default:
		e.metrics.rxDrops.Inc(1)
		return false
	}
}

// Start pumps the engine until ctx is canceled. The transmit side runs on
// kicks from TxEnable, the receive side drains the ingress backlog. Always
// returns nil after a clean shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-e.txKick:
				for e.StepTx() {
				}
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame := <-e.ingress:
				// Stall and shutdown errors are already counted.
				_ = e.InjectRx(frame)
			}
		}
	})
	return eg.Wait()
}

// latch ORs ev into the event register and returns it for interrupt
// delivery.
func (e *Engine) latch(ev Events) Events {
	e.events.Or(uint32(ev))
	return ev
}

// busFault latches ev, halts the affected direction and logs the faulting
// address. The direction stays down until it is explicitly enabled again.
func (e *Engine) busFault(ev Events, addr uint32) Events {
	if ev == EventTxBusError {
		e.txOn.Store(false)
	} else {
		e.rxOn.Store(false)
	}
	e.metrics.busFaults.Inc(1)
	e.l.WithField("engine", e.name).WithField("addr", addr).
		Error("Descriptor walk fault, direction halted")
	return e.latch(ev)
}

// frameChecksum computes the ones complement checksum the engine reports in
// the receive status writeback.
func frameChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}
