package ethmac

// dcptList is a singly linked descriptor list. The four instances a device
// owns are the transmit and receive free and busy lists. List operations
// keep the software next pointer and the hardware next address in lockstep,
// nothing outside this file writes either link.
//
// A busy list always ends with a sentinel descriptor, software owned and
// with a zeroed header so no search can mistake it for frame data. The
// engine parks on the sentinel when it runs out of work, which is why the
// splice below overwrites the old sentinel in place instead of relinking
// around it.
type dcptList struct {
	head  *Descriptor
	tail  *Descriptor
	count int
}

func (l *dcptList) isEmpty() bool { return l.head == nil }

func (l *dcptList) addHead(dc *Descriptor) {
	dc.next = l.head
	if l.head == nil {
		dc.nextAddr.Store(0)
		l.tail = dc
	} else {
		dc.nextAddr.Store(l.head.addr)
	}
	l.head = dc
	l.count++
}

func (l *dcptList) addTail(dc *Descriptor) {
	dc.next = nil
	dc.nextAddr.Store(0)
	if l.tail == nil {
		l.head = dc
		l.tail = dc
	} else {
		l.tail.next = dc
		l.tail.nextAddr.Store(dc.addr)
		l.tail = dc
	}
	l.count++
}

func (l *dcptList) removeHead() *Descriptor {
	dc := l.head
	if dc == nil {
		return nil
	}
	if l.head == l.tail {
		l.head = nil
		l.tail = nil
	} else {
		l.head = dc.next
	}
	dc.next = nil
	l.count--
	return dc
}

// appendAll drains src onto the tail of l, relinking every node.
func (l *dcptList) appendAll(src *dcptList) {
	for dc := src.removeHead(); dc != nil; dc = src.removeHead() {
		l.addTail(dc)
	}
}

// appendBusyList splices a staged list of prepared descriptors onto a busy
// list the engine is walking, without stopping the engine. The staged
// descriptors must be fully stamped, engine owned header included. ack, if
// not nil, is invoked once per descriptor handed to the engine that is not
// flagged noAck, in the order the engine gains them.
//
// The first staged descriptor is written into the old sentinel's slot, the
// old sentinel object becomes the new tail sentinel, and the ownership flip
// on the overwritten slot happens last. Until that flip the engine sees an
// unchanged chain ending in a software owned descriptor. The ack for the
// overwritten slot must also come after the flip: when the engine is parked
// on the sentinel, a budget write only makes it refetch that same
// descriptor, so the descriptor has to carry its new contents by then.
func appendBusyList(busy, staged *dcptList, ack func(*Descriptor)) {
	tail := busy.tail
	head := staged.removeHead()
	hdr := head.LoadHeader() &^ HeaderEOWN // not engine owned yet
	head.StoreHeader(hdr)

	for dc := staged.removeHead(); dc != nil; dc = staged.removeHead() {
		busy.addTail(dc)
		if ack != nil && !dc.LoadHeader().noAck() {
			ack(dc)
		}
	}

	// The detached head inherits the old sentinel's links, then replaces
	// it in place. The engine may still hold the old sentinel's address.
	head.next = tail.next
	head.nextAddr.Store(tail.nextAddr.Load())
	tail.copyFrom(head)

	head.StoreHeader(0) // invalid for searches
	head.releaseBuffer()
	busy.addTail(head) // the old head object is the new sentinel, software owned
	tail.StoreHeader(tail.LoadHeader() | HeaderEOWN)
	if ack != nil && !tail.LoadHeader().noAck() {
		ack(tail)
	}
}
