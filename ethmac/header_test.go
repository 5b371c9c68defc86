package ethmac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderOwnership(t *testing.T) {
	var h Header
	assert.False(t, h.HwOwned())
	assert.True(t, (h | HeaderEOWN).HwOwned())

	// the frame markers are independent of ownership
	h = HeaderSOP | HeaderEOP
	assert.True(t, h.SOP())
	assert.True(t, h.EOP())
	assert.False(t, h.HwOwned())
}

func TestHeaderByteCount(t *testing.T) {
	h := (HeaderNPV | HeaderEOWN).WithByteCount(1514)
	assert.Equal(t, 1514, h.ByteCount())
	assert.True(t, h.HwOwned())
	assert.Equal(t, Header(HeaderNPV|HeaderEOWN), h.WithByteCount(0))

	// a second count replaces the first instead of ORing into it
	assert.Equal(t, 64, h.WithByteCount(64).ByteCount())

	// counts wider than the field truncate like the register would
	assert.Equal(t, 0, h.WithByteCount(MaxBufferBytes+1).ByteCount())
	assert.Equal(t, MaxBufferBytes, h.WithByteCount(MaxBufferBytes).ByteCount())
}

func TestHeaderDriverBits(t *testing.T) {
	h := headerSticky | HeaderNoAck | headerReported | headerKseg0
	assert.True(t, h.sticky())
	assert.True(t, h.noAck())
	assert.True(t, h.reported())
	assert.True(t, h.kseg0())

	// driver bits live below the engine fields
	assert.Equal(t, 0, h.ByteCount())
	assert.False(t, h.HwOwned())
	assert.False(t, h.SOP())
	assert.False(t, h.EOP())
}

func TestTxStatusCodec(t *testing.T) {
	s := TxStatus{WireBytes: 1518, Collisions: 3, Done: true}
	assert.Equal(t, s, DecodeTxStatus(EncodeTxStatus(s)))

	s = TxStatus{}
	assert.Equal(t, s, DecodeTxStatus(EncodeTxStatus(s)))

	// collisions saturate at the field width
	s0, _ := EncodeTxStatus(TxStatus{Collisions: 0x1f})
	assert.Equal(t, 0xf, DecodeTxStatus(s0, 0).Collisions)
}

func TestRxStatusCodec(t *testing.T) {
	s := RxStatus{FrameBytes: 1522, Checksum: 0x1234, OK: true}
	assert.Equal(t, s, DecodeRxStatus(EncodeRxStatus(s)))

	s = RxStatus{FrameBytes: 64}
	assert.Equal(t, s, DecodeRxStatus(EncodeRxStatus(s)))
}
