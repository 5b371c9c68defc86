package ethmac

import "github.com/sirupsen/logrus"

// Kind selects which descriptor pools an operation works on. PoolAdd and
// PoolRemove take exactly one kind, PoolCleanUp accepts the union.
type Kind uint8

const (
	KindTx Kind = 1 << iota
	KindRx
)

func (k Kind) String() string {
	switch k {
	case KindTx:
		return "tx"
	case KindRx:
		return "rx"
	case KindTx | KindRx:
		return "tx|rx"
	}
	return "none"
}

// AllocFunc hands the pool a fresh descriptor, nil when the embedder is out
// of memory. The descriptor must be in its zero state.
type AllocFunc func() *Descriptor

// FreeFunc takes a descriptor back when the pool releases it.
type FreeFunc func(*Descriptor)

// PoolAdd grows the free pool of one direction by up to n descriptors and
// returns how many were actually created. The first add for a direction
// also creates the busy list sentinel, when even that allocation fails the
// add returns zero.
//
// Pool operations are setup and teardown calls, they must not run
// concurrently with the data paths.
func (d *Device) PoolAdd(n int, kind Kind, alloc AllocFunc) int {
	if alloc == nil {
		return 0
	}
	var free, busy *dcptList
	switch kind {
	case KindTx:
		free, busy = &d.txFree, &d.txBusy
	case KindRx:
		free, busy = &d.rxFree, &d.rxBusy
	default:
		return 0
	}

	if busy.isEmpty() {
		// a busy list always carries a software owned sentinel at its tail
		dc := alloc()
		if dc == nil {
			return 0
		}
		dc.reset()
		d.mem.mapDescriptor(dc)
		busy.addHead(dc)
	}

	created := 0
	for ; n > 0; n-- {
		dc := alloc()
		if dc == nil {
			break
		}
		dc.reset()
		d.mem.mapDescriptor(dc)
		free.addTail(dc)
		created++
	}

	if d.l.Level >= logrus.DebugLevel {
		d.l.WithField("device", d.name).WithField("kind", kind).
			WithField("created", created).
			Debug("descriptors added to pool")
	}
	return created
}

// PoolRemove releases up to n descriptors from the free pool of one
// direction and returns how many were released. Descriptors on the busy
// list are not touched.
func (d *Device) PoolRemove(n int, kind Kind, free FreeFunc) int {
	var list *dcptList
	switch kind {
	case KindTx:
		list = &d.txFree
	case KindRx:
		list = &d.rxFree
	default:
		return 0
	}

	removed := 0
	for ; n > 0; n-- {
		dc := list.removeHead()
		if dc == nil {
			break
		}
		d.mem.unmapDescriptor(dc)
		if free != nil {
			free(dc)
		}
		removed++
	}
	return removed
}

// PoolCleanUp releases every descriptor of the selected kinds, the busy
// lists included, sentinels and all. Shutdown only: the engine must be
// stopped first or it will walk freed descriptors.
func (d *Device) PoolCleanUp(kinds Kind, free FreeFunc) {
	if kinds&KindTx != 0 {
		d.drainList(&d.txFree, free)
		d.drainList(&d.txBusy, free)
	}
	if kinds&KindRx != 0 {
		d.drainList(&d.rxFree, free)
		d.drainList(&d.rxBusy, free)
	}
	d.l.WithField("device", d.name).WithField("kind", kinds).Debug("descriptor pools drained")
}

func (d *Device) drainList(l *dcptList, free FreeFunc) {
	for dc := l.removeHead(); dc != nil; dc = l.removeHead() {
		d.mem.unmapDescriptor(dc)
		if free != nil {
			free(dc)
		}
	}
}
