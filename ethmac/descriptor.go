package ethmac

import "sync/atomic"

// Descriptor is one node of a DMA descriptor chain. The engine sees five of
// its words, header, buffer address, two status words and the hardware next
// address, always through atomic accesses. Everything else is software
// bookkeeping the engine cannot reach.
//
// A descriptor is handed to the engine by setting HeaderEOWN in its header
// and is off limits to software until the engine clears the bit again. The
// single exception is the busy list splice, which overwrites a software
// owned tail descriptor in place precisely because the engine may still
// hold that descriptor's address.
type Descriptor struct {
	// next is the software view of the chain. It always mirrors the
	// hardware next address but uses pointers the garbage collector can
	// see.
	next *Descriptor

	hdr      atomic.Uint32
	buffAddr atomic.Uint32
	stat0    atomic.Uint32
	stat1    atomic.Uint32
	nextAddr atomic.Uint32

	// addr is this descriptor's own bus address, fixed when the pool maps
	// it and never copied between descriptors.
	addr uint32

	seg    Segment // address space the attached buffer came from
	bufCap int     // capacity of the attached buffer
}

// Addr returns the descriptor's own bus address. The engine is handed this
// address through the chain start register and through hardware next links.
func (dc *Descriptor) Addr() uint32 { return dc.addr }

// LoadHeader atomically reads the header word.
func (dc *Descriptor) LoadHeader() Header { return Header(dc.hdr.Load()) }

// StoreHeader atomically writes the header word. Software uses it only on
// descriptors it owns, the engine uses it for writeback.
func (dc *Descriptor) StoreHeader(h Header) { dc.hdr.Store(uint32(h)) }

// BufferAddr returns the bus address of the attached buffer, zero when no
// buffer is attached.
func (dc *Descriptor) BufferAddr() uint32 { return dc.buffAddr.Load() }

// NextAddr returns the bus address of the next descriptor in the hardware
// chain, zero at the end.
func (dc *Descriptor) NextAddr() uint32 { return dc.nextAddr.Load() }

// Status returns the two engine written status words.
func (dc *Descriptor) Status() (uint32, uint32) {
	return dc.stat0.Load(), dc.stat1.Load()
}

// StoreStatus writes the two status words. Only an engine does this.
func (dc *Descriptor) StoreStatus(s0, s1 uint32) {
	dc.stat0.Store(s0)
	dc.stat1.Store(s1)
}

// attachBuffer records a translated buffer in the descriptor.
func (dc *Descriptor) attachBuffer(addr uint32, seg Segment, capacity int) {
	dc.buffAddr.Store(addr)
	dc.seg = seg
	dc.bufCap = capacity
}

// releaseBuffer drops the buffer association again.
func (dc *Descriptor) releaseBuffer() {
	dc.buffAddr.Store(0)
	dc.seg = 0
	dc.bufCap = 0
}

// copyFrom turns dc into a copy of src while keeping dc's own bus address.
// This is the in place overwrite the splice uses on the old tail.
func (dc *Descriptor) copyFrom(src *Descriptor) {
	dc.next = src.next
	dc.hdr.Store(src.hdr.Load())
	dc.buffAddr.Store(src.buffAddr.Load())
	dc.stat0.Store(src.stat0.Load())
	dc.stat1.Store(src.stat1.Load())
	dc.nextAddr.Store(src.nextAddr.Load())
	dc.seg = src.seg
	dc.bufCap = src.bufCap
}

// reset returns the descriptor to its zero state, minus the bus address.
func (dc *Descriptor) reset() {
	dc.next = nil
	dc.hdr.Store(0)
	dc.buffAddr.Store(0)
	dc.stat0.Store(0)
	dc.stat1.Store(0)
	dc.nextAddr.Store(0)
	dc.seg = 0
	dc.bufCap = 0
}

// Packet describes one frame as an ordered chain of buffer segments. On
// transmit the caller fills Buffer for every segment, a nil or empty Buffer
// ends the chain early. On receive the driver fills the entries with slices
// of the buffers the frame landed in.
type Packet struct {
	Buffer []byte
	Next   *Packet
}
