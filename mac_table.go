package wfi32bridge

import (
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// macKey is a station address in array form so it can key a map.
type macKey [6]byte

func (k macKey) String() string {
	return net.HardwareAddr(k[:]).String()
}

// group reports whether the address is multicast or broadcast.
func (k macKey) group() bool {
	return k[0]&1 != 0
}

type macEntry struct {
	port int
	seen time.Time
}

// macTable is the forwarding database: which port last sourced a given
// station address. Entries age out, a station that moves ports overwrites
// its old row on the next frame it sends.
type macTable struct {
	sync.RWMutex
	entries map[macKey]macEntry
	max     int
	expiry  time.Duration
	size    metrics.Gauge
}

func newMacTable(max int, expiry time.Duration) *macTable {
	return &macTable{
		entries: make(map[macKey]macEntry),
		max:     max,
		expiry:  expiry,
		size:    metrics.GetOrRegisterGauge("bridge.mac_table.size", nil),
	}
}

// learn records k as reachable through port. A fresh entry already on the
// right port only takes the read lock. Returns whether the address was new,
// whether it changed ports, and false when the table is full and the
// address could not be added.
func (t *macTable) learn(k macKey, port int, now time.Time) (isNew, moved, ok bool) {
	t.RLock()
	e, found := t.entries[k]
	t.RUnlock()
	if found && e.port == port && now.Sub(e.seen) < t.expiry/2 {
		return false, false, true
	}

	t.Lock()
	defer t.Unlock()

	e, found = t.entries[k]
	if !found && t.max > 0 && len(t.entries) >= t.max {
		return false, false, false
	}
	t.entries[k] = macEntry{port: port, seen: now}
	t.size.Update(int64(len(t.entries)))
	return !found, found && e.port != port, true
}

// lookup resolves a destination address to a port. Expired entries miss.
func (t *macTable) lookup(k macKey, now time.Time) (int, bool) {
	t.RLock()
	e, found := t.entries[k]
	t.RUnlock()

	if !found || now.Sub(e.seen) >= t.expiry {
		return 0, false
	}
	return e.port, true
}

// sweep drops every entry older than the expiry and returns how many went.
func (t *macTable) sweep(now time.Time) int {
	t.Lock()
	defer t.Unlock()

	removed := 0
	for k, e := range t.entries {
		if now.Sub(e.seen) >= t.expiry {
			delete(t.entries, k)
			removed++
		}
	}
	if removed > 0 {
		t.size.Update(int64(len(t.entries)))
	}
	return removed
}

func (t *macTable) len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.entries)
}
