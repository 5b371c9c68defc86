package wfi32bridge

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zabooh/wfi32-bridge-v2/config"
	"github.com/zabooh/wfi32-bridge-v2/test"
)

func newTestBridge(t *testing.T, yamlConfig string) *Bridge {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(yamlConfig))

	b, err := NewBridgeFromConfig(l, c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, b.Wait())
		b.Close()
	})

	return b
}

func buildFrame(t *testing.T, dst, src net.HardwareAddr, payload []byte) []byte {
	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{FixLengths: true}
	err := gopacket.SerializeLayers(buffer, opt, &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: etherTypeLocalTest,
	}, gopacket.Payload(payload))
	require.NoError(t, err)
	return buffer.Bytes()
}

func TestBridgeForwardsBetweenPorts(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a, z := b.Ports()[0], b.Ports()[1]

	// station b is unknown, the first frame floods to the far port
	frame := buildFrame(t, z.MAC(), a.MAC(), []byte("hello from a"))
	require.True(t, a.Engine().Inject(frame))

	require.Eventually(t, func() bool {
		return z.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, z.LastTransmitted())
	assert.Equal(t, frame, a.LastReceived())

	// the source was learned on its ingress port
	entries := b.MacTable()
	require.Len(t, entries, 1)
	assert.Equal(t, a.MAC().String(), entries[0].MAC)
	assert.Equal(t, "a", entries[0].Port)

	// the reply comes back as known unicast
	reply := buildFrame(t, a.MAC(), z.MAC(), []byte("hello from b"))
	require.True(t, z.Engine().Inject(reply))

	require.Eventually(t, func() bool {
		return a.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, reply, a.LastTransmitted())

	assert.Len(t, b.MacTable(), 2)
}

func TestBridgeFiltersSamePortTraffic(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a, z := b.Ports()[0], b.Ports()[1]

	peer := net.HardwareAddr{0x02, 0x99, 0x00, 0x00, 0x00, 0x01}
	filtered := b.metrics.filtered.Count()

	// teach the bridge that peer lives behind port a
	learn := buildFrame(t, z.MAC(), peer, []byte("teach"))
	require.True(t, a.Engine().Inject(learn))
	require.Eventually(t, func() bool {
		return len(b.MacTable()) == 1
	}, time.Second, 10*time.Millisecond)

	// a frame on port a addressed to peer has nowhere to go
	stay := buildFrame(t, peer, a.MAC(), []byte("stays home"))
	require.True(t, a.Engine().Inject(stay))

	require.Eventually(t, func() bool {
		return b.metrics.filtered.Count() > filtered
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeFloodsBroadcast(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a, z := b.Ports()[0], b.Ports()[1]
	flooded := b.metrics.flooded.Count()

	bcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	frame := buildFrame(t, bcast, a.MAC(), []byte("who is out there"))
	require.True(t, a.Engine().Inject(frame))

	require.Eventually(t, func() bool {
		return z.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, z.LastTransmitted())
	assert.Greater(t, b.metrics.flooded.Count(), flooded)
}

func TestBridgeScattersLargeFrames(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  buffer_size: 64\n")
	a, z := b.Ports()[0], b.Ports()[1]

	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := buildFrame(t, z.MAC(), a.MAC(), payload)
	require.Greater(t, len(frame), 2*64)

	require.True(t, a.Engine().Inject(frame))

	require.Eventually(t, func() bool {
		return z.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, z.LastTransmitted())
	assert.Equal(t, frame, a.LastReceived())
}

func TestBridgeTransmitBackpressure(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("bridge:\n  buffer_size: 64\n  descriptors:\n    tx: 2\n    rx: 8\n"))

	// the engines never start, so scheduled frames hold their slabs and the
	// drops become deterministic
	b, err := NewBridgeFromConfig(l, c)
	require.NoError(t, err)
	defer b.Close()

	a, z := b.Ports()[0], b.Ports()[1]

	oversize := buildFrame(t, z.MAC(), a.MAC(), make([]byte, 150))
	require.ErrorIs(t, b.transmit(z, oversize), errFrameOversize)

	fill := buildFrame(t, z.MAC(), a.MAC(), make([]byte, 80))
	require.NoError(t, b.transmit(z, fill))

	late := buildFrame(t, z.MAC(), a.MAC(), []byte("late"))
	require.ErrorIs(t, b.transmit(z, late), errTxBufferStarved)
}

func TestBridgeTapsReturnCopies(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a, z := b.Ports()[0], b.Ports()[1]

	frame := buildFrame(t, z.MAC(), a.MAC(), []byte("tap me"))
	require.True(t, a.Engine().Inject(frame))
	require.Eventually(t, func() bool {
		return z.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)

	// every call hands out its own buffer
	test.AssertDeepCopyEqual(t, a.LastReceived(), a.LastReceived())
	test.AssertDeepCopyEqual(t, z.LastTransmitted(), z.LastTransmitted())

	// mangling a returned buffer must not corrupt the tap
	mangled := a.LastReceived()
	mangled[0] ^= 0xff
	assert.Equal(t, frame, a.LastReceived())
}

func TestBridgeRecyclesNonStickyBuffers(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  rx_sticky: false\n  descriptors:\n    tx: 4\n    rx: 4\n")
	a, z := b.Ports()[0], b.Ports()[1]

	// push several ring generations through a four descriptor ring
	for i := 0; i < 20; i++ {
		frame := buildFrame(t, z.MAC(), a.MAC(), []byte(fmt.Sprintf("frame %02d", i)))
		require.True(t, a.Engine().Inject(frame))

		require.Eventually(t, func() bool {
			return bytes.Equal(frame, z.LastTransmitted())
		}, time.Second, time.Millisecond)
	}
}

func TestBridgeLoopbackFiltersOwnTraffic(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: loopback\n")
	a := b.Ports()[0]
	filtered := b.metrics.filtered.Count()

	// the looped frame comes back in on the port it left, which is exactly
	// the case the same port filter exists for
	frame := buildFrame(t, a.MAC(), a.MAC(), []byte("looped"))
	require.NoError(t, b.transmit(a, frame))

	require.Eventually(t, func() bool {
		return b.metrics.filtered.Count() > filtered
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, a.LastReceived())
}

func TestBridgeGeneratesTraffic(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  traffic:\n    enabled: true\n    interval: 10ms\n    size: 32\n")
	a, z := b.Ports()[0], b.Ports()[1]

	// each station's frames cross the bridge and egress on the far port
	require.Eventually(t, func() bool {
		return a.LastTransmitted() != nil && z.LastTransmitted() != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, b.MacTable(), 2)
}

func TestBridgeCountsRunts(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a := b.Ports()[0]
	runts := b.metrics.runts.Count()

	require.True(t, a.Engine().Inject([]byte{0xde, 0xad, 0xbe, 0xef}))

	require.Eventually(t, func() bool {
		return b.metrics.runts.Count() > runts
	}, time.Second, 10*time.Millisecond)
}

func TestBridgePortConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
bridge:
  ports:
    - name: left
      mac: "02:10:20:30:40:50"
    - name: right
      mac: "02:10:20:30:40:51"
`))

	b, err := NewBridgeFromConfig(l, c)
	require.NoError(t, err)
	defer b.Close()

	left := b.PortByName("left")
	require.NotNil(t, left)
	assert.Equal(t, "02:10:20:30:40:50", left.MAC().String())
	assert.Equal(t, "right", b.Ports()[1].Name())
	assert.Nil(t, b.PortByName("missing"))
}

func TestBridgeConfigErrors(t *testing.T) {
	l := test.NewLogger()
	newC := func(raw string) *config.C {
		c := config.NewC(l)
		require.NoError(t, c.LoadString(raw))
		return c
	}

	_, err := NewBridgeFromConfig(l, newC("bridge:\n  mode: teleport\n"))
	require.ErrorContains(t, err, "bridge.mode")

	_, err = NewBridgeFromConfig(l, newC("bridge:\n  buffer_size: 9\n"))
	require.ErrorContains(t, err, "buffer_size")

	_, err = NewBridgeFromConfig(l, newC("bridge:\n  ports:\n    - name: only\n"))
	require.ErrorContains(t, err, "exactly two")

	_, err = NewBridgeFromConfig(l, newC("bridge:\n  ports:\n    - name: a\n    - name: a\n"))
	require.ErrorContains(t, err, "names must differ")

	_, err = NewBridgeFromConfig(l, newC("bridge:\n  ports:\n    - name: a\n      mac: junk\n    - name: b\n"))
	require.ErrorContains(t, err, "mac")
}
