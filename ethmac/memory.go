package ethmac

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// ErrInvalidAddressSpace is returned when a buffer does not live inside any
// memory region registered with the device, so the engine could never reach
// it.
var ErrInvalidAddressSpace = errors.New("buffer outside mapped memory")

// Segment tags the address space a buffer region belongs to. It mirrors the
// cached and uncached kernel segment aliases of the original hardware, where
// the same physical memory is reachable through either window and the driver
// has to remember which one the caller used.
type Segment uint8

const (
	// SegmentCached marks a region reached through the cached alias.
	SegmentCached Segment = iota
	// SegmentUncached marks a region reached through the uncached alias.
	SegmentUncached
)

func (s Segment) String() string {
	if s == SegmentCached {
		return "cached"
	}
	return "uncached"
}

// Descriptors are mapped at bus addresses out of a window reserved above all
// buffer regions, so a descriptor address can never collide with a buffer
// address.
const (
	descriptorWindowBase uint32 = 0xe0000000
	descriptorStride     uint32 = 0x20
)

type region struct {
	base uint32
	seg  Segment
	mem  []byte
}

// MemoryMap is the bus as the engine sees it. Buffer regions registered by
// the embedder translate between Go slices and bus addresses, and every
// descriptor the pool creates is mapped here so an engine can walk chains
// from nothing but a chain start register.
type MemoryMap struct {
	mu       sync.RWMutex
	regions  []region
	dcpt     map[uint32]*Descriptor
	nextAddr uint32
}

// NewMemoryMap returns an empty memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		dcpt:     make(map[uint32]*Descriptor),
		nextAddr: descriptorWindowBase,
	}
}

// RegisterRegion makes mem reachable by the engine at the given bus address.
// All buffers later attached to descriptors must be subslices of a
// registered region. Regions cannot overlap each other, the zero address or
// the descriptor window.
func (m *MemoryMap) RegisterRegion(base uint32, seg Segment, mem []byte) error {
	if len(mem) == 0 {
		return fmt.Errorf("memory region must not be empty")
	}
	if base == 0 {
		return fmt.Errorf("memory region cannot start at address zero")
	}
	end := uint64(base) + uint64(len(mem))
	if end > uint64(descriptorWindowBase) {
		return fmt.Errorf("memory region %#08x+%#x overlaps the descriptor window", base, len(mem))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if base < r.base+uint32(len(r.mem)) && r.base < uint32(end) {
			return fmt.Errorf("memory region %#08x+%#x overlaps region %#08x+%#x", base, len(mem), r.base, len(r.mem))
		}
	}
	m.regions = append(m.regions, region{base: base, seg: seg, mem: mem})
	return nil
}

// Translate resolves a buffer to its bus address and the segment of the
// region it belongs to. The whole buffer must fit inside one region.
func (m *MemoryMap) Translate(buf []byte) (uint32, Segment, error) {
	if len(buf) == 0 {
		return 0, 0, ErrInvalidAddressSpace
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		base := uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
		if p >= base && p+uintptr(len(buf)) <= base+uintptr(len(r.mem)) {
			return r.base + uint32(p-base), r.seg, nil
		}
	}
	return 0, 0, ErrInvalidAddressSpace
}

// Resolve returns the n bytes of buffer memory at the given bus address.
func (m *MemoryMap) Resolve(addr uint32, n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidAddressSpace
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if addr >= r.base && uint64(addr)+uint64(n) <= uint64(r.base)+uint64(len(r.mem)) {
			off := int(addr - r.base)
			return r.mem[off : off+n], nil
		}
	}
	return nil, ErrInvalidAddressSpace
}

// DescriptorAt returns the descriptor mapped at the given bus address, nil
// when the address maps nothing. Engines use this to walk chains.
func (m *MemoryMap) DescriptorAt(addr uint32) *Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dcpt[addr]
}

// mapDescriptor gives dc a bus address on first use and makes it reachable.
func (m *MemoryMap) mapDescriptor(dc *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dc.addr == 0 {
		dc.addr = m.nextAddr
		m.nextAddr += descriptorStride
	}
	m.dcpt[dc.addr] = dc
}

func (m *MemoryMap) unmapDescriptor(dc *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dcpt, dc.addr)
}
