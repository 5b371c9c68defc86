package wfi32bridge

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/ethmac"
	"github.com/zabooh/wfi32-bridge-v2/ethmac/macsim"
)

// Each port masters its own memory map. TX staging slabs live in the cached
// segment and the RX ring in the uncached one, so frames cross both address
// translations on their way through the bridge.
const (
	txRegionBase uint32 = 0x80000000
	rxRegionBase uint32 = 0xa0000000
)

// Port is one side of the bridge: a descriptor device, the engine that
// walks its chains, and the buffer slabs the port owns on its bus.
type Port struct {
	name string
	mac  net.HardwareAddr

	dev *ethmac.Device
	eng *macsim.Engine
	mem *ethmac.MemoryMap

	bufSize int
	sticky  bool

	// TX slabs are shared with the far port's service loop, which queues
	// frames here for egress. The free stack and in flight map ride txMu.
	txSlabs [][]byte
	txMu    sync.Mutex
	txFree  []int
	txTaken map[int][]int
	txChain []ethmac.Packet

	// RX state is only ever touched by this port's own service loop.
	rxSlabs [][]byte
	rxFree  []int
	rxChain []ethmac.Packet

	wake chan struct{}

	tapMu sync.Mutex
	rxTap []byte
	txTap []byte
}

func newDescriptor() *ethmac.Descriptor {
	return &ethmac.Descriptor{}
}

func newPort(l *logrus.Logger, name string, mac net.HardwareAddr, cfg *bridgeConfig) (*Port, error) {
	mem := ethmac.NewMemoryMap()
	txArena := make([]byte, cfg.txDescriptors*cfg.bufferSize)
	rxArena := make([]byte, cfg.rxDescriptors*cfg.bufferSize)
	if err := mem.RegisterRegion(txRegionBase, ethmac.SegmentCached, txArena); err != nil {
		return nil, err
	}
	if err := mem.RegisterRegion(rxRegionBase, ethmac.SegmentUncached, rxArena); err != nil {
		return nil, err
	}

	eng := macsim.NewEngine(l, name, mem)
	dev := ethmac.New(l, name, eng, mem)
	dev.Init()
	if err := dev.RxSetBufferSize(cfg.bufferSize); err != nil {
		return nil, err
	}
	if cfg.rxBudget > 0 {
		eng.SetRxBudget(cfg.rxBudget)
	}

	p := &Port{
		name:    name,
		mac:     mac,
		dev:     dev,
		eng:     eng,
		mem:     mem,
		bufSize: cfg.bufferSize,
		sticky:  cfg.rxSticky,
		txTaken: make(map[int][]int),
		txChain: make([]ethmac.Packet, cfg.txDescriptors),
		rxChain: make([]ethmac.Packet, cfg.rxDescriptors),
		wake:    make(chan struct{}, 1),
	}
	for i := 1; i < len(p.txChain); i++ {
		p.txChain[i-1].Next = &p.txChain[i]
	}
	for i := 1; i < len(p.rxChain); i++ {
		p.rxChain[i-1].Next = &p.rxChain[i]
	}

	if n := dev.PoolAdd(cfg.txDescriptors, ethmac.KindTx, newDescriptor); n != cfg.txDescriptors {
		return nil, fmt.Errorf("short tx descriptor pool on %s: %d of %d", name, n, cfg.txDescriptors)
	}
	if n := dev.PoolAdd(cfg.rxDescriptors, ethmac.KindRx, newDescriptor); n != cfg.rxDescriptors {
		return nil, fmt.Errorf("short rx descriptor pool on %s: %d of %d", name, n, cfg.rxDescriptors)
	}

	p.txSlabs = carve(txArena, cfg.bufferSize)
	p.rxSlabs = carve(rxArena, cfg.bufferSize)
	p.txFree = make([]int, len(p.txSlabs))
	for i := range p.txFree {
		p.txFree[i] = i
	}

	var flags ethmac.BufferFlags
	if p.sticky {
		flags |= ethmac.BufferFlagSticky
	}
	if err := dev.RxBuffersAppend(p.rxSlabs, flags); err != nil {
		return nil, fmt.Errorf("arming the %s receive ring: %w", name, err)
	}

	return p, nil
}

// carve splits an arena into fixed size slabs with capped capacity, so a
// copy into one slab can never bleed into its neighbor.
func carve(arena []byte, size int) [][]byte {
	slabs := make([][]byte, 0, len(arena)/size)
	for off := 0; off+size <= len(arena); off += size {
		slabs = append(slabs, arena[off:off+size:off+size])
	}
	return slabs
}

// releaseTxSlabs takes a transmitted frame's slabs back onto the free
// stack. The device hands back the frame's first buffer, the rest of the
// frame was recorded at transmit time.
func (p *Port) releaseTxSlabs(buf []byte) {
	addr, _, err := p.mem.Translate(buf)
	if err != nil {
		return
	}
	head := int(addr-txRegionBase) / p.bufSize

	p.txMu.Lock()
	if take, ok := p.txTaken[head]; ok {
		delete(p.txTaken, head)
		p.txFree = append(p.txFree, take...)
	}
	p.txMu.Unlock()
}

// collectRxSlabs records the ring slabs of a just acknowledged frame so the
// service loop can re-arm them in one batch. Only used when the ring is not
// sticky, a sticky ring recycles its buffers in place.
func (p *Port) collectRxSlabs(n int) {
	for k := 0; k < n && k < len(p.rxChain); k++ {
		buf := p.rxChain[k].Buffer
		if buf == nil {
			break
		}
		addr, _, err := p.mem.Translate(buf)
		if err != nil {
			continue
		}
		p.rxFree = append(p.rxFree, int(addr-rxRegionBase)/p.bufSize)
	}
}

// gatherRx copies a received frame out of its scattered ring buffers into
// the port's receive tap and returns the contiguous bytes. The tap keeps
// the copy for the console until the next frame overwrites it.
func (p *Port) gatherRx(frameLen int) []byte {
	p.tapMu.Lock()
	defer p.tapMu.Unlock()

	buf := p.rxTap[:0]
	for e := &p.rxChain[0]; e != nil && len(e.Buffer) > 0 && len(buf) < frameLen; e = e.Next {
		buf = append(buf, e.Buffer...)
	}
	if len(buf) > frameLen {
		buf = buf[:frameLen]
	}
	p.rxTap = buf
	return buf
}

func (p *Port) storeTxTap(frame []byte) {
	p.tapMu.Lock()
	p.txTap = append(p.txTap[:0], frame...)
	p.tapMu.Unlock()
}

// Name returns the configured port name.
func (p *Port) Name() string { return p.name }

// MAC returns the station address of the port's endpoint.
func (p *Port) MAC() net.HardwareAddr { return p.mac }

// Device returns the port's descriptor device.
func (p *Port) Device() *ethmac.Device { return p.dev }

// Engine returns the engine mastering the port's bus.
func (p *Port) Engine() *macsim.Engine { return p.eng }

// LastReceived returns a copy of the last frame lifted off this port's
// receive ring, nil when nothing has arrived yet.
func (p *Port) LastReceived() []byte { return p.copyTap(&p.rxTap) }

// LastTransmitted returns a copy of the last frame this port's engine put
// on the wire, nil when nothing has gone out yet.
func (p *Port) LastTransmitted() []byte { return p.copyTap(&p.txTap) }

func (p *Port) copyTap(tap *[]byte) []byte {
	p.tapMu.Lock()
	defer p.tapMu.Unlock()

	if len(*tap) == 0 {
		return nil
	}
	out := make([]byte, len(*tap))
	copy(out, *tap)
	return out
}
