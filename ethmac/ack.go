package ethmac

// getAckedPacket unlinks complete engine released frames from a busy list
// onto add, leading buffer through end of frame each. With matchAll set
// every released frame goes, otherwise only the frame whose first buffer
// sits at addr, and the scan always stops at the first frame the engine
// still owns. Returns ErrPacketQueued when a match exists but is still
// engine owned, ErrNoPacket when nothing matches at all.
func getAckedPacket(rem, add *dcptList, addr uint32, matchAll bool) error {
	var prev, next *Descriptor
	acked := 0
	found := false
	moved := 0

	for dc := rem.head; dc != nil; dc = next {
		hdr := dc.LoadHeader()
		if hdr.SOP() && (matchAll || dc.BufferAddr() == addr) {
			found = true
			if hdr.HwOwned() {
				break
			}

			next = dc
			for {
				dc = next
				next = dc.next
				if dc.LoadHeader().HwOwned() {
					panic("ethmac: engine released a frame head before its tail")
				}
				add.addTail(dc)
				moved++
				if dc.LoadHeader().EOP() {
					break
				}
			}
			acked++

			// Close the gap the frame left. Only the software links need
			// fixing, the hardware link of a released predecessor is stale
			// either way.
			if prev != nil {
				prev.next = next
			} else {
				rem.head = next
			}

			if !matchAll {
				break
			}
		} else {
			prev = dc
			next = dc.next
		}
	}
	rem.count -= moved

	if acked > 0 {
		return nil
	}
	if found {
		return ErrPacketQueued
	}
	return ErrNoPacket
}

// RxAcknowledgeBuffer returns a reported frame's buffers to the engine or
// the pool. buf must be the frame's first buffer, nil acknowledges every
// frame the engine has released. Sticky buffers are re-armed on the busy
// list in one splice, everything else returns to the free pool and pays its
// budget back.
//
// Receive operations are not locked, the caller serializes them.
func (d *Device) RxAcknowledgeBuffer(buf []byte) error {
	var addr uint32
	matchAll := buf == nil
	if !matchAll {
		a, _, err := d.mem.Translate(buf)
		if err != nil {
			return ErrNoPacket
		}
		addr = a
	}

	var ackList, stickyList dcptList
	res := getAckedPacket(&d.rxBusy, &ackList, addr, matchAll)

	for dc := ackList.removeHead(); dc != nil; dc = ackList.removeHead() {
		hdr := dc.LoadHeader()
		if hdr.sticky() {
			hdr &^= HeaderSOP | HeaderEOP | headerReported
			dc.StoreHeader(hdr | HeaderEOWN)
			stickyList.addTail(dc)
			d.metrics.rxStickyRearms.Inc(1)
		} else {
			dc.releaseBuffer()
			d.rxFree.addTail(dc)
			if !hdr.noAck() {
				d.ctl.RxBudgetDecrement()
			}
		}
	}

	if !stickyList.isEmpty() {
		d.rxAppendBusy(&stickyList)
	}
	return res
}

// TxAcknowledgeBuffer releases transmitted frames back to the free pool.
// buf selects one frame by its first buffer, nil releases every frame the
// engine is done with. ackFn, when not nil, runs once per released frame
// with the frame's first buffer, outside the transmit lock so callers may
// recycle buffers from the callback without deadlocking.
func (d *Device) TxAcknowledgeBuffer(buf []byte, ackFn func(buf []byte)) error {
	var addr uint32
	matchAll := buf == nil
	if !matchAll {
		a, _, err := d.mem.Translate(buf)
		if err != nil {
			return ErrNoPacket
		}
		addr = a
	}

	var ackList dcptList
	d.txLock.Lock()
	res := getAckedPacket(&d.txBusy, &ackList, addr, matchAll)
	d.txLock.Unlock()

	if ackFn != nil {
		for dc := ackList.head; dc != nil; dc = dc.next {
			if !dc.LoadHeader().SOP() {
				continue
			}
			if b, err := d.mem.Resolve(dc.BufferAddr(), dc.bufCap); err == nil {
				ackFn(b)
			}
		}
	}

	d.txLock.Lock()
	for dc := ackList.removeHead(); dc != nil; dc = ackList.removeHead() {
		dc.releaseBuffer()
		d.txFree.addTail(dc)
	}
	d.txLock.Unlock()

	return res
}
