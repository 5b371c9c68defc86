package ethmac

import "github.com/sirupsen/logrus"

// BufferFlags modify how receive buffers are handed to the engine.
type BufferFlags uint8

const (
	// BufferFlagSticky keeps a buffer on the busy list across
	// acknowledgment, re-armed in place instead of returning to the pool.
	BufferFlagSticky BufferFlags = 1 << iota

	// BufferFlagNoAck exempts a buffer from the engine receive budget.
	BufferFlagNoAck
)

// RxBuffersAppend hands receive buffers to the engine, one descriptor per
// buffer, and starts reception. Appending is all or nothing: when the free
// pool runs dry or a buffer lies outside mapped memory, everything staged
// so far returns to the free pool and nothing reaches the engine.
//
// Receive operations are not locked, the caller serializes them.
func (d *Device) RxBuffersAppend(bufs [][]byte, flags BufferFlags) error {
	var staged dcptList
	var res error

	for _, buf := range bufs {
		addr, seg, err := d.mem.Translate(buf)
		if err != nil {
			res = ErrInvalidAddressSpace
			break
		}
		dc := d.rxFree.removeHead()
		if dc == nil {
			res = ErrNoDescriptors
			break
		}

		dc.attachBuffer(addr, seg, len(buf))
		hdr := HeaderNPV | HeaderEOWN
		if flags&BufferFlagSticky != 0 {
			hdr |= headerSticky
		}
		if flags&BufferFlagNoAck != 0 {
			hdr |= HeaderNoAck
		}
		if seg == SegmentCached {
			hdr |= headerKseg0
		}
		dc.StoreHeader(hdr)
		staged.addTail(dc)
	}

	if res != nil {
		d.rxFree.appendAll(&staged)
		d.metrics.rxRollbacks.Inc(1)
		if res == ErrNoDescriptors {
			d.metrics.rxNoDescriptors.Inc(1)
		}
		if d.l.Level >= logrus.DebugLevel {
			d.l.WithField("device", d.name).WithError(res).Debug("rx append rolled back")
		}
		return res
	}

	if !staged.isEmpty() {
		d.rxAppendBusy(&staged)
	}
	return nil
}

// rxAppendBusy splices staged receive descriptors onto the busy list,
// paying one unit of engine budget per descriptor not flagged noAck, and
// makes sure reception runs.
func (d *Device) rxAppendBusy(staged *dcptList) {
	appendBusyList(&d.rxBusy, staged, func(*Descriptor) {
		d.ctl.RxBudgetDecrement()
	})
	if d.ctl.RxChainAddr() == 0 {
		// first buffers ever, point the engine at the chain
		d.ctl.SetRxChainAddr(d.rxBusy.head.addr)
	}
	d.ctl.RxEnable()
	d.metrics.rxSplices.Inc(1)
}

// RxGetPacket reports the oldest received frame not yet reported. pkt, when
// not nil, is filled with one entry per buffer the frame landed in and the
// frame is marked reported, so the next call moves on to the one behind it.
// With a nil pkt the frame is only measured, not consumed.
//
// The returned count is the number of buffers the frame occupies. When the
// frame occupies more entries than pkt carries, ErrRxPacketSplit comes back
// and the frame stays unreported: a retry with a long enough chain returns
// it whole. ErrPacketQueued means the engine is still receiving, ErrNoPacket
// that nothing is waiting.
func (d *Device) RxGetPacket(pkt *Packet) (int, RxStatus, error) {
	for dc := d.rxBusy.head; dc != nil; dc = dc.next {
		hdr := dc.LoadHeader()
		if hdr.HwOwned() {
			return 0, RxStatus{}, ErrPacketQueued
		}
		if !hdr.SOP() || hdr.reported() {
			continue
		}

		head := dc
		stat := DecodeRxStatus(dc.Status())
		nBuffs := 0
		reportBuffs := 0
		entry := pkt
		var err error

		for {
			hdr = dc.LoadHeader()
			if hdr.HwOwned() {
				panic("ethmac: engine released a frame head before its tail")
			}
			if entry != nil {
				buf, rerr := d.mem.Resolve(dc.BufferAddr(), hdr.ByteCount())
				if rerr != nil {
					panic("ethmac: frame received into unmapped memory")
				}
				entry.Buffer = buf
				entry = entry.Next
				reportBuffs++
			}
			nBuffs++

			if hdr.EOP() {
				if entry != nil {
					// terminate the caller's chain
					entry.Buffer = nil
				}
				if pkt != nil {
					if reportBuffs != nBuffs {
						err = ErrRxPacketSplit
					} else {
						head.StoreHeader(head.LoadHeader() | headerReported)
						d.metrics.rxPackets.Inc(1)
						d.metrics.rxBytes.Inc(int64(stat.FrameBytes))
					}
				}
				return nBuffs, stat, err
			}
			dc = dc.next
		}
	}
	return 0, RxStatus{}, ErrNoPacket
}

// RxGetBuffer is RxGetPacket for callers that expect single buffer frames.
// It returns the frame's buffer, or ErrRxPacketSplit when the frame spans
// more than one buffer.
func (d *Device) RxGetBuffer() ([]byte, RxStatus, error) {
	var pkt Packet
	_, stat, err := d.RxGetPacket(&pkt)
	return pkt.Buffer, stat, err
}
