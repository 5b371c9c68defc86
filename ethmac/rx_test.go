package ethmac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeFrame builds a recognizable payload of n bytes.
func makeFrame(n int, seed byte) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = seed + byte(i)
	}
	return f
}

// deliverRxFrame plays the engine's part for one incoming frame: scatter it
// across the oldest armed receive buffers, write the status into the
// leading descriptor and hand ownership back tail first.
func deliverRxFrame(t *testing.T, d *Device, frame []byte, bufSize int) {
	t.Helper()

	need := (len(frame) + bufSize - 1) / bufSize
	var chain []*Descriptor
	for dc := d.rxBusy.head; dc != nil && len(chain) < need; dc = dc.next {
		if dc.LoadHeader().HwOwned() {
			chain = append(chain, dc)
		}
	}
	require.Len(t, chain, need, "not enough armed receive buffers")

	hdrs := make([]Header, len(chain))
	off := 0
	for i, dc := range chain {
		n := len(frame) - off
		if n > bufSize {
			n = bufSize
		}
		buf, err := d.mem.Resolve(dc.BufferAddr(), n)
		require.NoError(t, err)
		copy(buf, frame[off:off+n])
		off += n

		hdr := dc.LoadHeader().WithByteCount(n)
		hdr &^= HeaderSOP | HeaderEOP
		if i == 0 {
			hdr |= HeaderSOP
		}
		if i == len(chain)-1 {
			hdr |= HeaderEOP
		}
		hdrs[i] = hdr
	}

	s0, s1 := EncodeRxStatus(RxStatus{FrameBytes: len(frame) + 4, OK: true})
	chain[0].StoreStatus(s0, s1)
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].StoreHeader(hdrs[i] &^ HeaderEOWN)
	}
}

func rxAppend(t *testing.T, td *testDevice, n, size int, flags BufferFlags) [][]byte {
	t.Helper()
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = td.buf(size, byte(0xa0+i))
	}
	require.NoError(t, td.RxBuffersAppend(bufs, flags))
	return bufs
}

func TestRxBuffersAppend(t *testing.T) {
	td := newTestDevice(t, 0, 4)

	rxAppend(t, td, 3, 128, 0)

	assert.Equal(t, 1, td.RxFreeDescriptors())
	assert.Equal(t, 3, td.RxScheduledBuffers())
	assert.Equal(t, 1, td.ctl.rxEnables)
	require.NotZero(t, td.ctl.rxChain)
	assert.Equal(t, td.rxBusy.head.Addr(), td.ctl.rxChain)

	// one budget unit paid per armed buffer
	assert.Equal(t, 3, td.ctl.budgetDecs)

	for dc := td.rxBusy.head; dc.next != nil; dc = dc.next {
		hdr := dc.LoadHeader()
		assert.True(t, hdr.HwOwned())
		assert.False(t, hdr.SOP())
		assert.False(t, hdr.sticky())
	}
	assert.Equal(t, Header(0), td.rxBusy.tail.LoadHeader())
}

func TestRxBuffersAppendFlags(t *testing.T) {
	td := newTestDevice(t, 0, 4)

	rxAppend(t, td, 2, 128, BufferFlagSticky|BufferFlagNoAck)

	// noAck buffers pay no budget
	assert.Equal(t, 0, td.ctl.budgetDecs)
	for dc := td.rxBusy.head; dc.next != nil; dc = dc.next {
		hdr := dc.LoadHeader()
		assert.True(t, hdr.sticky())
		assert.True(t, hdr.noAck())
	}
}

func TestRxAppendRollbackOutOfDescriptors(t *testing.T) {
	td := newTestDevice(t, 0, 2)
	bufs := [][]byte{td.buf(128, 1), td.buf(128, 2), td.buf(128, 3)}

	err := td.RxBuffersAppend(bufs, 0)
	assert.ErrorIs(t, err, ErrNoDescriptors)

	// all or nothing: nothing reached the engine, no budget was paid
	assert.Equal(t, 2, td.RxFreeDescriptors())
	assert.Equal(t, 0, td.RxScheduledBuffers())
	assert.Equal(t, 0, td.ctl.rxEnables)
	assert.Equal(t, 0, td.ctl.budgetDecs)
	assert.Zero(t, td.ctl.rxChain)
}

func TestRxAppendRollbackForeignBuffer(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	bufs := [][]byte{td.buf(128, 1), make([]byte, 128)}

	err := td.RxBuffersAppend(bufs, 0)
	assert.ErrorIs(t, err, ErrInvalidAddressSpace)
	assert.Equal(t, 4, td.RxFreeDescriptors(), "the rejected buffer must not leak a descriptor")
	assert.Equal(t, 0, td.RxScheduledBuffers())
}

func TestRxGetPacket(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	rxAppend(t, td, 3, 128, 0)

	frame := makeFrame(200, 0x30)
	deliverRxFrame(t, td.Device, frame, 128)

	// a nil packet measures without consuming
	n, stat, err := td.RxGetPacket(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, stat.OK)
	assert.Equal(t, 204, stat.FrameBytes)

	n, _, err = td.RxGetPacket(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "measuring must not consume the frame")

	var second Packet
	pkt := &Packet{Next: &second}
	n, stat, err = td.RxGetPacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, stat.OK)
	require.Len(t, pkt.Buffer, 128)
	require.Len(t, second.Buffer, 72)
	assert.Equal(t, frame[:128], pkt.Buffer)
	assert.Equal(t, frame[128:], second.Buffer)

	// consumed, and the next armed buffer means the engine is mid work
	_, _, err = td.RxGetPacket(pkt)
	assert.ErrorIs(t, err, ErrPacketQueued)
}

func TestRxGetPacketSplitRetry(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	rxAppend(t, td, 3, 128, 0)
	frame := makeFrame(300, 0x40)
	deliverRxFrame(t, td.Device, frame, 128)

	// one entry is not enough for a three buffer frame
	pkt := &Packet{}
	n, _, err := td.RxGetPacket(pkt)
	assert.ErrorIs(t, err, ErrRxPacketSplit)
	assert.Equal(t, 3, n, "the count tells the caller how much room to bring")

	// the frame was not consumed, a retry with enough room gets it whole
	long := &Packet{Next: &Packet{Next: &Packet{}}}
	n, _, err = td.RxGetPacket(long)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got := append(append(append([]byte{}, long.Buffer...), long.Next.Buffer...), long.Next.Next.Buffer...)
	assert.Equal(t, frame, got)
}

func TestRxGetBuffer(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	rxAppend(t, td, 3, 256, 0)

	frame := makeFrame(100, 0x50)
	deliverRxFrame(t, td.Device, frame, 256)

	buf, stat, err := td.RxGetBuffer()
	require.NoError(t, err)
	assert.Equal(t, frame, buf)
	assert.Equal(t, 104, stat.FrameBytes)

	// a frame spanning two buffers does not fit the single buffer call
	deliverRxFrame(t, td.Device, makeFrame(400, 0x60), 256)
	_, _, err = td.RxGetBuffer()
	assert.ErrorIs(t, err, ErrRxPacketSplit)
}

func TestRxNothingPending(t *testing.T) {
	td := newTestDevice(t, 0, 2)

	// no buffers armed at all
	_, _, err := td.RxGetPacket(nil)
	assert.ErrorIs(t, err, ErrNoPacket)

	// armed but nothing received yet
	rxAppend(t, td, 1, 128, 0)
	_, _, err = td.RxGetPacket(nil)
	assert.ErrorIs(t, err, ErrPacketQueued)
}

func TestRxAcknowledge(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	bufs := rxAppend(t, td, 3, 128, 0)
	deliverRxFrame(t, td.Device, makeFrame(200, 0x70), 128)

	var pkt, second Packet
	pkt.Next = &second
	_, _, err := td.RxGetPacket(&pkt)
	require.NoError(t, err)

	decsBefore := td.ctl.budgetDecs
	require.NoError(t, td.RxAcknowledgeBuffer(bufs[0]))

	// two descriptors back in the pool, two budget units paid back
	assert.Equal(t, 3, td.RxFreeDescriptors())
	assert.Equal(t, 1, td.RxScheduledBuffers())
	assert.Equal(t, 2, td.ctl.budgetDecs-decsBefore)

	assert.ErrorIs(t, td.RxAcknowledgeBuffer(bufs[0]), ErrNoPacket)
}

func TestRxAcknowledgeAll(t *testing.T) {
	td := newTestDevice(t, 0, 6)
	rxAppend(t, td, 4, 128, 0)
	deliverRxFrame(t, td.Device, makeFrame(100, 1), 128)
	deliverRxFrame(t, td.Device, makeFrame(100, 2), 128)

	// frames do not need to be reported before they can be acknowledged
	require.NoError(t, td.RxAcknowledgeBuffer(nil))
	assert.Equal(t, 4, td.RxFreeDescriptors())
	assert.Equal(t, 2, td.RxScheduledBuffers())

	assert.ErrorIs(t, td.RxAcknowledgeBuffer(nil), ErrNoPacket)
}

func TestRxAcknowledgeSticky(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	bufs := rxAppend(t, td, 2, 128, BufferFlagSticky)
	decsAfterAppend := td.ctl.budgetDecs

	deliverRxFrame(t, td.Device, makeFrame(64, 0x80), 128)

	buf, _, err := td.RxGetBuffer()
	require.NoError(t, err)
	assert.Equal(t, bufs[0][:64], buf)

	require.NoError(t, td.RxAcknowledgeBuffer(bufs[0]))

	// the sticky buffer is re-armed in place, not returned to the pool
	assert.Equal(t, 2, td.RxFreeDescriptors())
	assert.Equal(t, 2, td.RxScheduledBuffers())

	// re-arming pays the budget through the splice
	assert.Equal(t, 1, td.ctl.budgetDecs-decsAfterAppend)

	// the re-armed descriptor is clean: engine owned, no frame markers
	for dc := td.rxBusy.head; dc.next != nil; dc = dc.next {
		hdr := dc.LoadHeader()
		assert.True(t, hdr.HwOwned())
		assert.False(t, hdr.SOP())
		assert.False(t, hdr.EOP())
		assert.False(t, hdr.reported())
		assert.True(t, hdr.sticky())
	}

	// and it receives again
	deliverRxFrame(t, td.Device, makeFrame(32, 0x90), 128)
	buf, _, err = td.RxGetBuffer()
	require.NoError(t, err)
	assert.Len(t, buf, 32)
}

func TestRxAcknowledgeNoAckPaysNothing(t *testing.T) {
	td := newTestDevice(t, 0, 4)
	bufs := rxAppend(t, td, 2, 128, BufferFlagNoAck)
	require.Equal(t, 0, td.ctl.budgetDecs)

	deliverRxFrame(t, td.Device, makeFrame(64, 1), 128)
	_, _, err := td.RxGetBuffer()
	require.NoError(t, err)
	require.NoError(t, td.RxAcknowledgeBuffer(bufs[0]))

	assert.Equal(t, 0, td.ctl.budgetDecs, "noAck buffers never touch the budget")
	assert.Equal(t, 3, td.RxFreeDescriptors())
}
