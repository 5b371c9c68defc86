package ethmac

// Descriptor header word layout, as the engine reads it:
//
//  31  30  29     27 26       16 15    9  8   7   6        0
// +---+---+---------+-----------+-------+---+----+----------+
// |SOP|EOP|  rsvd   | bytecount | rsvd  |NPV|EOWN| user bits|
// +---+---+---------+-----------+-------+---+----+----------+
//
// The engine owns a descriptor while EOWN is set and follows the hardware
// next address when NPV is set. Bits 0 through 6 are user bits that the
// engine never modifies. The driver keeps the receive buffer flags and the
// buffer address space tag there.
type Header uint32

const (
	// HeaderEOWN marks a descriptor as owned by the engine. Software must
	// not touch a descriptor between setting this bit and observing it
	// cleared again.
	HeaderEOWN Header = 1 << 7

	// HeaderNPV signals that the hardware next descriptor address is valid.
	// Every descriptor this driver hands to the engine is chain linked.
	HeaderNPV Header = 1 << 8

	// HeaderEOP marks the last descriptor of a frame.
	HeaderEOP Header = 1 << 30

	// HeaderSOP marks the first descriptor of a frame.
	HeaderSOP Header = 1 << 31

	// HeaderNoAck exempts the buffer from the engine receive budget. The
	// engine reads this bit when accounting consumed buffers but never
	// writes it.
	HeaderNoAck Header = 1 << 1
)

// Driver bits. The engine preserves these across descriptor writeback and
// never reads them.
const (
	headerSticky   Header = 1 << 0 // buffer is re-armed in place after acknowledge
	headerReported Header = 1 << 2 // frame was handed to the caller, awaiting acknowledge
	headerKseg0    Header = 1 << 3 // buffer came from a cached region
)

const (
	byteCountPos  = 16
	byteCountMask = 0x7ff
)

// MaxBufferBytes is the largest byte count a single descriptor can carry.
const MaxBufferBytes = byteCountMask

// HwOwned reports whether the descriptor currently belongs to the engine.
func (h Header) HwOwned() bool { return h&HeaderEOWN != 0 }

// SOP reports whether the descriptor starts a frame.
func (h Header) SOP() bool { return h&HeaderSOP != 0 }

// EOP reports whether the descriptor ends a frame.
func (h Header) EOP() bool { return h&HeaderEOP != 0 }

// ByteCount returns the buffer byte count carried in the header.
func (h Header) ByteCount() int {
	return int(h>>byteCountPos) & byteCountMask
}

// WithByteCount returns a copy of h carrying the given byte count. Counts
// beyond MaxBufferBytes are truncated to the field width, the same way the
// silicon register would truncate them.
func (h Header) WithByteCount(n int) Header {
	h &^= byteCountMask << byteCountPos
	return h | Header(n&byteCountMask)<<byteCountPos
}

func (h Header) sticky() bool   { return h&headerSticky != 0 }
func (h Header) noAck() bool    { return h&HeaderNoAck != 0 }
func (h Header) reported() bool { return h&headerReported != 0 }
func (h Header) kseg0() bool    { return h&headerKseg0 != 0 }

// TxStatus is the transmit writeback the engine leaves in the leading
// descriptor of a frame once the whole frame is on the wire.
type TxStatus struct {
	// WireBytes is the number of bytes transmitted, padding included.
	WireBytes int
	// Collisions is the collision count seen while transmitting.
	Collisions int
	// Done is set once the writeback is valid.
	Done bool
}

// Transmit status word 0: [15:0] wire bytes, [19:16] collisions, [31] done.
// Word 1 is reserved.
const (
	txStatCollisionsPos  = 16
	txStatCollisionsMask = 0xf
	txStatDone           = 1 << 31
)

// EncodeTxStatus packs s into the two descriptor status words.
func EncodeTxStatus(s TxStatus) (uint32, uint32) {
	w := uint32(s.WireBytes) & 0xffff
	w |= (uint32(s.Collisions) & txStatCollisionsMask) << txStatCollisionsPos
	if s.Done {
		w |= txStatDone
	}
	return w, 0
}

// DecodeTxStatus unpacks the two descriptor status words.
func DecodeTxStatus(s0, _ uint32) TxStatus {
	return TxStatus{
		WireBytes:  int(s0 & 0xffff),
		Collisions: int(s0>>txStatCollisionsPos) & txStatCollisionsMask,
		Done:       s0&txStatDone != 0,
	}
}

// RxStatus is the receive writeback the engine leaves in the leading
// descriptor of a frame. FrameBytes covers the whole frame even when it
// spans several buffers.
type RxStatus struct {
	FrameBytes int
	Checksum   uint16
	// OK is clear when the engine flagged the frame bad, a CRC or length
	// error on real silicon.
	OK bool
}

// Receive status word 0: [15:0] frame bytes, [31] frame ok.
// Word 1: [15:0] checksum.
const rxStatOK = 1 << 31

// EncodeRxStatus packs s into the two descriptor status words.
func EncodeRxStatus(s RxStatus) (uint32, uint32) {
	w := uint32(s.FrameBytes) & 0xffff
	if s.OK {
		w |= rxStatOK
	}
	return w, uint32(s.Checksum)
}

// DecodeRxStatus unpacks the two descriptor status words.
func DecodeRxStatus(s0, s1 uint32) RxStatus {
	return RxStatus{
		FrameBytes: int(s0 & 0xffff),
		Checksum:   uint16(s1 & 0xffff),
		OK:         s0&rxStatOK != 0,
	}
}
