package ethmac

import "github.com/sirupsen/logrus"

// txSchedBuffer pulls a free descriptor, stamps it engine owned with the
// buffer attached and appends it to the staged list. Transmit lock held.
func (d *Device) txSchedBuffer(buf []byte, staged *dcptList) error {
	addr, seg, err := d.mem.Translate(buf)
	if err != nil {
		return ErrInvalidAddressSpace
	}

	dc := d.txFree.removeHead()
	if dc == nil {
		return ErrNoDescriptors
	}

	dc.attachBuffer(addr, seg, len(buf))
	hdr := (HeaderNPV | HeaderEOWN).WithByteCount(len(buf))
	if seg == SegmentCached {
		hdr |= headerKseg0
	}
	dc.StoreHeader(hdr)
	staged.addTail(dc)
	return nil
}

// txSchedList frames the staged descriptors and splices them onto the
// transmit busy list. Transmit lock held.
func (d *Device) txSchedList(staged *dcptList) {
	if staged.isEmpty() {
		return
	}
	staged.head.StoreHeader(staged.head.LoadHeader() | HeaderSOP)
	staged.tail.StoreHeader(staged.tail.LoadHeader() | HeaderEOP)
	appendBusyList(&d.txBusy, staged, nil)

	if d.ctl.TxChainAddr() == 0 {
		// first frame ever, point the engine at the chain
		d.ctl.SetTxChainAddr(d.txBusy.head.addr)
	}
	d.ctl.TxEnable()
	d.metrics.txSplices.Inc(1)
}

// rollbackTx returns staged descriptors to the free pool after a failed
// schedule. Transmit lock held.
func (d *Device) rollbackTx(staged *dcptList, err error) {
	d.txFree.appendAll(staged)
	d.metrics.txRollbacks.Inc(1)
	if err == ErrNoDescriptors {
		d.metrics.txNoDescriptors.Inc(1)
	}
	if d.l.Level >= logrus.DebugLevel {
		d.l.WithField("device", d.name).WithError(err).Debug("tx schedule rolled back")
	}
}

// TxSendBuffer schedules one buffer as a whole frame. The buffer must stay
// untouched until the frame is acknowledged.
func (d *Device) TxSendBuffer(buf []byte) error {
	d.txLock.Lock()
	defer d.txLock.Unlock()

	var staged dcptList
	if err := d.txSchedBuffer(buf, &staged); err != nil {
		d.rollbackTx(&staged, err)
		return err
	}
	d.txSchedList(&staged)
	d.metrics.txPackets.Inc(1)
	d.metrics.txBytes.Inc(int64(len(buf)))
	return nil
}

// TxSendPacket schedules a frame spanning the packet's whole buffer chain.
// A nil or empty Buffer entry ends the chain early. Scheduling is all or
// nothing: on failure every staged descriptor returns to the free pool and
// the caller may retry the complete frame.
func (d *Device) TxSendPacket(pkt *Packet) error {
	d.txLock.Lock()
	defer d.txLock.Unlock()

	var staged dcptList
	total := 0
	for p := pkt; p != nil && len(p.Buffer) > 0; p = p.Next {
		if err := d.txSchedBuffer(p.Buffer, &staged); err != nil {
			d.rollbackTx(&staged, err)
			return err
		}
		total += len(p.Buffer)
	}
	if staged.isEmpty() {
		return nil
	}

	d.txSchedList(&staged)
	d.metrics.txPackets.Inc(1)
	d.metrics.txBytes.Inc(int64(total))
	return nil
}

// TxGetBufferStatus reports where a scheduled frame stands. buf must be the
// frame's first buffer. ErrPacketQueued means the engine is not done with
// the frame yet, ErrNoPacket that no such frame is on the busy list, for
// instance because it was already acknowledged.
func (d *Device) TxGetBufferStatus(buf []byte) (TxStatus, error) {
	addr, _, err := d.mem.Translate(buf)
	if err != nil {
		return TxStatus{}, ErrNoPacket
	}

	d.txLock.Lock()
	defer d.txLock.Unlock()

	head := findPacket(&d.txBusy, addr)
	if head == nil {
		return TxStatus{}, ErrNoPacket
	}
	if head.LoadHeader().HwOwned() {
		return TxStatus{}, ErrPacketQueued
	}
	// the engine writes the frame status into the leading descriptor
	return DecodeTxStatus(head.Status()), nil
}

// findPacket scans a busy list for the frame whose leading buffer sits at
// the given bus address.
func findPacket(l *dcptList, addr uint32) *Descriptor {
	for dc := l.head; dc != nil; dc = dc.next {
		if dc.LoadHeader().SOP() && dc.BufferAddr() == addr {
			return dc
		}
	}
	return nil
}
