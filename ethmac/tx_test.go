package ethmac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completeTxFrame plays the engine's part for the oldest queued transmit
// frame: gather the payload, write the status into the leading descriptor
// and hand ownership back tail first. Returns the frame bytes.
func completeTxFrame(t *testing.T, d *Device) []byte {
	t.Helper()

	var chain []*Descriptor
	for dc := d.txBusy.head; dc != nil; dc = dc.next {
		hdr := dc.LoadHeader()
		if !hdr.HwOwned() {
			if len(chain) == 0 {
				continue // released frames in front, or nothing queued yet
			}
			break
		}
		if len(chain) == 0 {
			require.True(t, hdr.SOP(), "queued run must start at a frame head")
		}
		chain = append(chain, dc)
		if hdr.EOP() {
			break
		}
	}
	require.NotEmpty(t, chain, "no queued frame to complete")
	require.True(t, chain[len(chain)-1].LoadHeader().EOP(), "queued frame has no end")

	var frame []byte
	for _, dc := range chain {
		buf, err := d.mem.Resolve(dc.BufferAddr(), dc.LoadHeader().ByteCount())
		require.NoError(t, err)
		frame = append(frame, buf...)
	}

	wire := len(frame)
	if wire < 60 {
		wire = 60
	}
	s0, s1 := EncodeTxStatus(TxStatus{WireBytes: wire + 4, Done: true})
	chain[0].StoreStatus(s0, s1)
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].StoreHeader(chain[i].LoadHeader() &^ HeaderEOWN)
	}
	return frame
}

func TestTxSendBuffer(t *testing.T) {
	td := newTestDevice(t, 2, 0)
	buf := td.buf(100, 0x11)

	require.NoError(t, td.TxSendBuffer(buf))

	assert.Equal(t, 1, td.TxFreeDescriptors())
	assert.Equal(t, 1, td.TxScheduledBuffers())
	assert.Equal(t, 1, td.ctl.txEnables)
	require.NotZero(t, td.ctl.txChain, "first splice must program the chain start")
	assert.Equal(t, td.txBusy.head.Addr(), td.ctl.txChain)

	hdr := td.txBusy.head.LoadHeader()
	assert.True(t, hdr.HwOwned())
	assert.True(t, hdr.SOP())
	assert.True(t, hdr.EOP())
	assert.Equal(t, 100, hdr.ByteCount())

	// the sentinel stays software owned with a blank header
	assert.Equal(t, Header(0), td.txBusy.tail.LoadHeader())

	_, err := td.TxGetBufferStatus(buf)
	assert.ErrorIs(t, err, ErrPacketQueued)
}

func TestTxSendPacket(t *testing.T) {
	td := newTestDevice(t, 4, 0)
	b1 := td.buf(60, 1)
	b2 := td.buf(60, 2)
	b3 := td.buf(40, 3)
	pkt := &Packet{Buffer: b1, Next: &Packet{Buffer: b2, Next: &Packet{Buffer: b3}}}

	require.NoError(t, td.TxSendPacket(pkt))

	assert.Equal(t, 1, td.TxFreeDescriptors())
	assert.Equal(t, 3, td.TxScheduledBuffers())

	// SOP on the first descriptor only, EOP on the last only
	var hdrs []Header
	for dc := td.txBusy.head; dc.next != nil; dc = dc.next {
		hdrs = append(hdrs, dc.LoadHeader())
	}
	require.Len(t, hdrs, 3)
	assert.True(t, hdrs[0].SOP())
	assert.False(t, hdrs[0].EOP())
	assert.False(t, hdrs[1].SOP())
	assert.False(t, hdrs[1].EOP())
	assert.False(t, hdrs[2].SOP())
	assert.True(t, hdrs[2].EOP())
	assert.Equal(t, 40, hdrs[2].ByteCount())
}

func TestTxSendPacketEndsAtEmptyBuffer(t *testing.T) {
	td := newTestDevice(t, 4, 0)
	pkt := &Packet{
		Buffer: td.buf(60, 1),
		Next:   &Packet{Next: &Packet{Buffer: td.buf(60, 2)}},
	}

	require.NoError(t, td.TxSendPacket(pkt))
	assert.Equal(t, 1, td.TxScheduledBuffers(), "the chain ends at the first empty entry")
	assert.Equal(t, 3, td.TxFreeDescriptors())
}

func TestTxSendPacketEmpty(t *testing.T) {
	td := newTestDevice(t, 2, 0)

	require.NoError(t, td.TxSendPacket(&Packet{}))
	assert.Equal(t, 2, td.TxFreeDescriptors())
	assert.Equal(t, 0, td.ctl.txEnables)
	assert.Zero(t, td.ctl.txChain)
}

func TestTxRollbackOutOfDescriptors(t *testing.T) {
	td := newTestDevice(t, 2, 0)
	pkt := &Packet{
		Buffer: td.buf(60, 1),
		Next:   &Packet{Buffer: td.buf(60, 2), Next: &Packet{Buffer: td.buf(60, 3)}},
	}

	err := td.TxSendPacket(pkt)
	assert.ErrorIs(t, err, ErrNoDescriptors)

	// all or nothing: everything staged went back
	assert.Equal(t, 2, td.TxFreeDescriptors())
	assert.Equal(t, 0, td.TxScheduledBuffers())
	assert.Equal(t, 0, td.ctl.txEnables)
	assert.Zero(t, td.ctl.txChain)

	// and the pool is still usable afterwards
	require.NoError(t, td.TxSendBuffer(td.buf(60, 4)))
	assert.Equal(t, 1, td.TxFreeDescriptors())
}

func TestTxRollbackForeignBuffer(t *testing.T) {
	td := newTestDevice(t, 2, 0)

	err := td.TxSendBuffer(make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidAddressSpace)
	assert.Equal(t, 2, td.TxFreeDescriptors())

	// a chain that goes bad halfway rolls back whole
	err = td.TxSendPacket(&Packet{
		Buffer: td.buf(60, 1),
		Next:   &Packet{Buffer: make([]byte, 64)},
	})
	assert.ErrorIs(t, err, ErrInvalidAddressSpace)
	assert.Equal(t, 2, td.TxFreeDescriptors())
	assert.Equal(t, 0, td.TxScheduledBuffers())
}

func TestTxChainProgrammedOnce(t *testing.T) {
	td := newTestDevice(t, 4, 0)

	require.NoError(t, td.TxSendBuffer(td.buf(60, 1)))
	require.NoError(t, td.TxSendBuffer(td.buf(60, 2)))

	// Init wrote the zero, the first splice the real address, the second
	// splice must not touch it
	assert.Equal(t, 2, td.ctl.txChainSets)
	assert.Equal(t, 2, td.ctl.txEnables)
}

func TestTxStatusAndAcknowledge(t *testing.T) {
	td := newTestDevice(t, 4, 0)
	buf := td.buf(100, 0x22)
	require.NoError(t, td.TxSendBuffer(buf))

	frame := completeTxFrame(t, td.Device)
	assert.Equal(t, buf, frame)

	stat, err := td.TxGetBufferStatus(buf)
	require.NoError(t, err)
	assert.True(t, stat.Done)
	assert.Equal(t, 104, stat.WireBytes)

	var acked [][]byte
	require.NoError(t, td.TxAcknowledgeBuffer(buf, func(b []byte) {
		acked = append(acked, b)
	}))
	require.Len(t, acked, 1)
	assert.Equal(t, buf, acked[0][:len(buf)])

	assert.Equal(t, 4, td.TxFreeDescriptors(), "acknowledged descriptors return to the pool")
	assert.Equal(t, 0, td.TxPendingBuffers())

	// the frame is gone now
	_, err = td.TxGetBufferStatus(buf)
	assert.ErrorIs(t, err, ErrNoPacket)
	assert.ErrorIs(t, td.TxAcknowledgeBuffer(buf, nil), ErrNoPacket)
}

func TestTxAcknowledgeQueued(t *testing.T) {
	td := newTestDevice(t, 2, 0)
	buf := td.buf(60, 1)
	require.NoError(t, td.TxSendBuffer(buf))

	err := td.TxAcknowledgeBuffer(buf, nil)
	assert.ErrorIs(t, err, ErrPacketQueued)
	assert.Equal(t, 1, td.TxScheduledBuffers(), "a queued frame must stay put")
	assert.Equal(t, 1, td.TxFreeDescriptors())
}

func TestTxAcknowledgeAll(t *testing.T) {
	td := newTestDevice(t, 6, 0)
	b1 := td.buf(60, 1)
	b2 := td.buf(60, 2)
	b3 := td.buf(60, 3)
	require.NoError(t, td.TxSendBuffer(b1))
	require.NoError(t, td.TxSendPacket(&Packet{Buffer: b2, Next: &Packet{Buffer: b3}}))

	completeTxFrame(t, td.Device)
	completeTxFrame(t, td.Device)

	var acked [][]byte
	require.NoError(t, td.TxAcknowledgeBuffer(nil, func(b []byte) {
		acked = append(acked, b)
	}))

	// one callback per frame, oldest first, with the leading buffer
	require.Len(t, acked, 2)
	assert.Equal(t, b1, acked[0][:len(b1)])
	assert.Equal(t, b2, acked[1][:len(b2)])
	assert.Equal(t, 6, td.TxFreeDescriptors())

	assert.ErrorIs(t, td.TxAcknowledgeBuffer(nil, nil), ErrNoPacket)
}

func TestTxStatusForeignBuffer(t *testing.T) {
	td := newTestDevice(t, 2, 0)

	_, err := td.TxGetBufferStatus(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNoPacket)

	_, err = td.TxGetBufferStatus(td.buf(16, 0))
	assert.ErrorIs(t, err, ErrNoPacket, "mapped but never scheduled")
}
