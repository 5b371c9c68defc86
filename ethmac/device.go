// Package ethmac implements the buffer descriptor machinery of an Ethernet
// MAC DMA engine: pools of chain linked descriptors, the busy lists the
// engine walks, and the transmit, receive and acknowledge paths that move
// buffers between software and engine ownership.
//
// The engine is an independent actor. It is handed descriptors through a
// single ownership bit in each descriptor header and a chain start register
// programmed once per direction. All synchronization between the driver and
// the engine happens through atomic descriptor words, never through locks,
// which is exactly how the silicon behaves.
package ethmac

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoDescriptors is returned when the free descriptor pool of the
	// direction is exhausted. Callers may retry after acknowledging
	// completed work or growing the pool.
	ErrNoDescriptors = errors.New("out of free descriptors")

	// ErrNoPacket is returned when no packet matches the query.
	ErrNoPacket = errors.New("no matching packet")

	// ErrPacketQueued is returned when the packet exists but the engine
	// still owns part of it.
	ErrPacketQueued = errors.New("packet still queued in the engine")

	// ErrRxPacketSplit is returned by the receive path when a frame spans
	// more buffers than the caller supplied room for. The frame stays
	// unconsumed, a retry with enough room returns it whole.
	ErrRxPacketSplit = errors.New("frame spans more buffers than the caller accepts")
)

// Device owns the descriptor lists of one MAC engine and the data paths
// over them.
//
// The transmit path and the transmit acknowledge path may be used from
// different goroutines, the device serializes them internally. The receive
// path keeps the asymmetry of the original driver: receive calls are not
// locked and must be serialized by the caller, which in practice is a
// single receive goroutine per device.
type Device struct {
	l    *logrus.Logger
	name string

	ctl Controller
	mem *MemoryMap

	txLock sync.Mutex

	txFree dcptList
	txBusy dcptList
	rxFree dcptList
	rxBusy dcptList

	metrics deviceMetrics
}

// New assembles a device around a controller and the memory map its engine
// masters. The name scopes the device's metrics and log fields.
func New(l *logrus.Logger, name string, ctl Controller, mem *MemoryMap) *Device {
	if ctl == nil || mem == nil {
		panic("ethmac: device needs a controller and a memory map")
	}
	return &Device{
		l:       l,
		name:    name,
		ctl:     ctl,
		mem:     mem,
		metrics: newDeviceMetrics(name),
	}
}

// Name returns the device name given to New.
func (d *Device) Name() string { return d.name }

// MemoryMap returns the memory map the device translates buffers through.
func (d *Device) MemoryMap() *MemoryMap { return d.mem }

// how long to back off while polling the engine busy flags
const busyPollInterval = 10 * time.Microsecond

// Init brings the engine to a known stopped state and resets all four
// descriptor lists. It must run before the pools are populated, any
// descriptors still on the lists are dropped without their buffers being
// returned.
func (d *Device) Init() {
	d.ctl.Disable()
	d.ctl.TxDisable()
	d.ctl.RxDisable()
	for d.ctl.IsBusy() {
		time.Sleep(busyPollInterval)
	}
	d.ctl.Enable()

	// pay back any budget still outstanding from a previous run
	for d.ctl.RxPacketCount() > 0 {
		d.ctl.RxBudgetDecrement()
	}

	d.txFree = dcptList{}
	d.txBusy = dcptList{}
	d.rxFree = dcptList{}
	d.rxBusy = dcptList{}

	d.ctl.ClearEvents()
	d.ctl.SetTxChainAddr(0)
	d.ctl.SetRxChainAddr(0)

	d.l.WithField("device", d.name).Info("MAC engine initialized")
}

// Open pushes the link configuration to the controller. It touches nothing
// on the data path and may be called while traffic flows.
func (d *Device) Open(cfg LinkConfig) {
	d.ctl.SetLink(cfg)
	d.l.WithField("device", d.name).WithField("linkConfig", cfg).Info("MAC opened")
}

// Close stops the engine. With graceful set it first lets in flight frames
// drain, otherwise they are cut off. The descriptor lists are left intact,
// use PoolCleanUp to tear them down afterwards.
func (d *Device) Close(graceful bool) {
	if graceful {
		// let the engine run the busy lists dry before touching it
		for d.ctl.TxIsBusy() {
			time.Sleep(busyPollInterval)
		}
		for d.ctl.RxIsBusy() {
			time.Sleep(busyPollInterval)
		}
	}

	d.ctl.TxDisable()
	d.ctl.RxDisable()
	d.ctl.Disable()
	for d.ctl.IsBusy() {
		time.Sleep(busyPollInterval)
	}
	d.ctl.ClearEvents()

	d.l.WithField("device", d.name).WithField("graceful", graceful).Info("MAC engine closed")
}

// RxSetBufferSize tells the engine the size of every receive buffer. The
// engine works in 16 byte units, n is truncated accordingly.
func (d *Device) RxSetBufferSize(n int) error {
	n &^= 0xf
	if n <= 0 {
		return errors.New("receive buffer size must be at least 16 bytes")
	}
	d.ctl.SetRxBufferSize(n)
	return nil
}

// DescriptorBuffer returns the buffer attached to a descriptor, nil when
// none is attached. The slice covers the full buffer as registered, not
// just the bytes a frame used.
func (d *Device) DescriptorBuffer(dc *Descriptor) []byte {
	addr := dc.BufferAddr()
	if addr == 0 {
		return nil
	}
	buf, err := d.mem.Resolve(addr, dc.bufCap)
	if err != nil {
		return nil
	}
	return buf
}

// descriptorsCount counts the descriptors on a busy list whose ownership
// matches hwOwned. The trailing sentinel is never counted.
func descriptorsCount(l *dcptList, hwOwned bool) int {
	n := 0
	for dc := l.head; dc != nil && dc.next != nil; dc = dc.next {
		if dc.LoadHeader().HwOwned() == hwOwned {
			n++
		}
	}
	return n
}

// RxPendingBuffers counts received buffers waiting for software attention.
func (d *Device) RxPendingBuffers() int {
	return descriptorsCount(&d.rxBusy, false)
}

// RxScheduledBuffers counts receive buffers the engine still owns.
func (d *Device) RxScheduledBuffers() int {
	return descriptorsCount(&d.rxBusy, true)
}

// TxPendingBuffers counts transmitted buffers waiting to be acknowledged.
func (d *Device) TxPendingBuffers() int {
	d.txLock.Lock()
	defer d.txLock.Unlock()
	return descriptorsCount(&d.txBusy, false)
}

// TxScheduledBuffers counts transmit buffers the engine has not sent yet.
func (d *Device) TxScheduledBuffers() int {
	d.txLock.Lock()
	defer d.txLock.Unlock()
	return descriptorsCount(&d.txBusy, true)
}

// TxFreeDescriptors returns the size of the free transmit pool.
func (d *Device) TxFreeDescriptors() int {
	d.txLock.Lock()
	defer d.txLock.Unlock()
	return d.txFree.count
}

// RxFreeDescriptors returns the size of the free receive pool.
func (d *Device) RxFreeDescriptors() int {
	return d.rxFree.count
}
