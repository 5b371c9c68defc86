package ethmac

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDescriptorConservation runs a randomized mix of every data path
// operation and checks after each slice of work that no descriptor is ever
// lost or duplicated, that both chains stay consistent and that the busy
// lists keep their sentinels.
func TestDescriptorConservation(t *testing.T) {
	const (
		nTx      = 8
		nRx      = 8
		slabSize = 256
		rounds   = 2000
	)
	td := newTestDevice(t, nTx, nRx)
	rnd := rand.New(rand.NewSource(42))

	var txSlabs [][]byte
	for i := 0; i < nTx; i++ {
		txSlabs = append(txSlabs, td.buf(slabSize, byte(i+1)))
	}
	var rxSlabs [][]byte
	for i := 0; i < nRx; i++ {
		rxSlabs = append(rxSlabs, td.buf(slabSize, byte(0x80+i)))
	}

	var txFrames [][][]byte // slab groups of scheduled frames, oldest first
	var rxQueued [][]byte   // armed receive slabs, oldest first

	check := func() {
		t.Helper()
		checkLinks(t, &td.txBusy)
		checkLinks(t, &td.rxBusy)
		require.Equal(t, nTx+1, td.txFree.count+td.txBusy.count, "tx descriptors leaked")
		require.Equal(t, nRx+1, td.rxFree.count+td.rxBusy.count, "rx descriptors leaked")
		require.Equal(t, Header(0), td.txBusy.tail.LoadHeader())
		require.Equal(t, Header(0), td.rxBusy.tail.LoadHeader())
	}

	reapTx := func() {
		var done int
		_ = td.TxAcknowledgeBuffer(nil, func([]byte) { done++ })
		for ; done > 0; done-- {
			require.NotEmpty(t, txFrames)
			txSlabs = append(txSlabs, txFrames[0]...)
			txFrames = txFrames[1:]
		}
	}
	reapRx := func() {
		before := td.RxFreeDescriptors()
		_ = td.RxAcknowledgeBuffer(nil)
		back := td.RxFreeDescriptors() - before
		require.LessOrEqual(t, back, len(rxQueued))
		rxSlabs = append(rxSlabs, rxQueued[:back]...)
		rxQueued = rxQueued[back:]
	}

	for i := 0; i < rounds; i++ {
		switch rnd.Intn(6) {
		case 0: // schedule a frame of one to three buffers
			k := 1 + rnd.Intn(3)
			if len(txSlabs) < k {
				continue
			}
			var pkt *Packet
			for j := k - 1; j >= 0; j-- {
				pkt = &Packet{Buffer: txSlabs[j][:60+rnd.Intn(slabSize-60)], Next: pkt}
			}
			frame := append([][]byte{}, txSlabs[:k]...)
			if err := td.TxSendPacket(pkt); err != nil {
				require.ErrorIs(t, err, ErrNoDescriptors)
				continue // the rollback left the slabs ours
			}
			txFrames = append(txFrames, frame)
			txSlabs = txSlabs[k:]

		case 1: // the engine finishes the oldest queued frame
			if td.TxScheduledBuffers() == 0 {
				continue
			}
			completeTxFrame(t, td.Device)

		case 2:
			reapTx()

		case 3: // arm receive buffers
			k := 1 + rnd.Intn(2)
			if len(rxSlabs) < k {
				continue
			}
			bufs := append([][]byte{}, rxSlabs[:k]...)
			if err := td.RxBuffersAppend(bufs, 0); err != nil {
				require.ErrorIs(t, err, ErrNoDescriptors)
				continue
			}
			rxQueued = append(rxQueued, bufs...)
			rxSlabs = rxSlabs[k:]

		case 4: // a frame arrives
			armed := td.RxScheduledBuffers()
			if armed == 0 {
				continue
			}
			k := 1 + rnd.Intn(armed)
			if k > 2 {
				k = 2
			}
			size := (k-1)*slabSize + 1 + rnd.Intn(slabSize)
			deliverRxFrame(t, td.Device, makeFrame(size, byte(i)), slabSize)

		case 5:
			reapRx()
		}

		if i%100 == 0 {
			check()
		}
	}

	// drain everything still in flight
	for td.TxScheduledBuffers() > 0 {
		completeTxFrame(t, td.Device)
	}
	reapTx()
	reapRx()
	check()

	require.Empty(t, txFrames)
	assert.Equal(t, nTx, td.TxFreeDescriptors())
	assert.Len(t, txSlabs, nTx, "every transmit slab must come home")
	assert.Equal(t, nRx, td.RxFreeDescriptors()+td.RxScheduledBuffers())
}
