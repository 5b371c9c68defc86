package wfi32bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/config"
	"github.com/zabooh/wfi32-bridge-v2/ethmac"
	"github.com/zabooh/wfi32-bridge-v2/ethmac/macsim"
	"golang.org/x/sync/errgroup"
)

const (
	// pipe terminates each port's wire at an in process station, loopback
	// turns every engine's transmit side back into its own receive side
	modePipe     = "pipe"
	modeLoopback = "loopback"

	etherHeaderBytes = 14
	frameCheckBytes  = 4

	// local experimental EtherType, the built in traffic source stamps
	// its frames with it
	etherTypeLocalTest = layers.EthernetType(0x88b5)

	// level backstop behind the interrupt wakeups
	servicePollInterval = 500 * time.Millisecond
)

var (
	errTxBufferStarved = errors.New("transmit buffers exhausted")
	errFrameOversize   = errors.New("frame does not fit the transmit ring")
)

type bridgeConfig struct {
	mode          string
	txDescriptors int
	rxDescriptors int
	bufferSize    int
	rxSticky      bool
	rxBudget      int
	tableMax      int
	tableExpiry   time.Duration
	traffic       trafficConfig
	ports         []portConfig
}

type portConfig struct {
	name string
	mac  net.HardwareAddr
}

type trafficConfig struct {
	enabled  bool
	interval time.Duration
	size     int
}

type bridgeMetrics struct {
	forwarded metrics.Counter
	flooded   metrics.Counter
	filtered  metrics.Counter
	runts     metrics.Counter
	txDropped metrics.Counter
	learned   metrics.Counter
	moved     metrics.Counter
	expired   metrics.Counter
	tableFull metrics.Counter
}

func newBridgeMetrics() bridgeMetrics {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter("bridge."+name, nil)
	}
	return bridgeMetrics{
		forwarded: c("forwarded"),
		flooded:   c("flooded"),
		filtered:  c("filtered"),
		runts:     c("runts"),
		txDropped: c("tx_dropped"),
		learned:   c("mac_table.learned"),
		moved:     c("mac_table.moved"),
		expired:   c("mac_table.expired"),
		tableFull: c("mac_table.full"),
	}
}

// Bridge forwards Ethernet frames between two ports: learn the source
// address, forward to the port that owns the destination, flood what is
// unknown, and never send a frame back out the port it came in on.
type Bridge struct {
	l     *logrus.Logger
	ports [2]*Port
	macs  *macTable

	mode    string
	traffic trafficConfig

	metrics bridgeMetrics
	eg      *errgroup.Group
}

func NewBridgeFromConfig(l *logrus.Logger, c *config.C) (*Bridge, error) {
	cfg, err := parseBridgeConfig(c)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		l:       l,
		macs:    newMacTable(cfg.tableMax, cfg.tableExpiry),
		mode:    cfg.mode,
		traffic: cfg.traffic,
		metrics: newBridgeMetrics(),
	}

	link := ethmac.LinkConfig{
		Speed100:   true,
		FullDuplex: true,
		Loopback:   cfg.mode == modeLoopback,
	}

	for i, pc := range cfg.ports {
		p, err := newPort(l, pc.name, pc.mac, cfg)
		if err != nil {
			return nil, fmt.Errorf("port %s: %w", pc.name, err)
		}
		b.ports[i] = p
	}

	for i := range b.ports {
		i := i
		p := b.ports[i]
		p.eng.SetInterrupt(func(macsim.Events) {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		})
		p.eng.SetEgress(func(frame []byte) {
			b.egress(i, frame)
		})
		p.dev.Open(link)
		registerDescriptorGauges(p)
	}

	l.WithField("mode", cfg.mode).
		WithField("ports", []string{b.ports[0].name, b.ports[1].name}).
		WithField("bufferSize", cfg.bufferSize).
		Info("Bridge assembled")
	return b, nil
}

func parseBridgeConfig(c *config.C) (*bridgeConfig, error) {
	cfg := &bridgeConfig{
		mode:          c.GetString("bridge.mode", modePipe),
		txDescriptors: c.GetInt("bridge.descriptors.tx", 16),
		rxDescriptors: c.GetInt("bridge.descriptors.rx", 16),
		bufferSize:    c.GetInt("bridge.buffer_size", 1536),
		rxSticky:      c.GetBool("bridge.rx_sticky", true),
		rxBudget:      c.GetInt("bridge.rx_budget", 0),
		tableMax:      c.GetInt("bridge.mac_table.max_entries", 1024),
		tableExpiry:   c.GetDuration("bridge.mac_table.expiry", 5*time.Minute),
		traffic: trafficConfig{
			enabled:  c.GetBool("bridge.traffic.enabled", false),
			interval: c.GetDuration("bridge.traffic.interval", time.Second),
			size:     c.GetInt("bridge.traffic.size", 64),
		},
	}

	switch cfg.mode {
	case modePipe, modeLoopback:
	default:
		return nil, fmt.Errorf("bridge.mode was not understood: %s", cfg.mode)
	}
	if cfg.txDescriptors < 1 || cfg.rxDescriptors < 1 {
		return nil, errors.New("bridge.descriptors.tx and bridge.descriptors.rx must be at least 1")
	}
	if cfg.bufferSize < 64 {
		return nil, errors.New("bridge.buffer_size must be at least 64")
	}
	if cfg.tableExpiry <= 0 {
		return nil, errors.New("bridge.mac_table.expiry must be a positive duration")
	}
	if cfg.traffic.interval <= 0 {
		return nil, errors.New("bridge.traffic.interval must be a positive duration")
	}
	if cfg.traffic.size < 8 {
		cfg.traffic.size = 8
	}

	ports, err := parsePortsConfig(c)
	if err != nil {
		return nil, err
	}
	cfg.ports = ports
	return cfg, nil
}

func parsePortsConfig(c *config.C) ([]portConfig, error) {
	raw := c.Get("bridge.ports")
	if raw == nil {
		return []portConfig{
			{name: "a", mac: defaultPortMAC(0)},
			{name: "b", mac: defaultPortMAC(1)},
		}, nil
	}

	rawList, ok := raw.([]any)
	if !ok {
		return nil, errors.New("bridge.ports should be a list of port entries")
	}
	if len(rawList) != 2 {
		return nil, fmt.Errorf("bridge.ports joins exactly two ports, found %d", len(rawList))
	}

	out := make([]portConfig, len(rawList))
	for i, rp := range rawList {
		pm, ok := rp.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bridge.ports entry %d was not understood", i+1)
		}

		name, ok := pm["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("bridge.ports entry %d is missing the name field", i+1)
		}

		mac := defaultPortMAC(i)
		if rawMac, found := pm["mac"]; found {
			parsed, err := net.ParseMAC(fmt.Sprintf("%v", rawMac))
			if err != nil {
				return nil, fmt.Errorf("bridge.ports entry %d mac: %w", i+1, err)
			}
			if len(parsed) != 6 {
				return nil, fmt.Errorf("bridge.ports entry %d mac must be 48 bits", i+1)
			}
			mac = parsed
		}
		out[i] = portConfig{name: name, mac: mac}
	}

	if out[0].name == out[1].name {
		return nil, errors.New("bridge.ports names must differ")
	}
	return out, nil
}

// defaultPortMAC hands out locally administered addresses for the built in
// stations.
func defaultPortMAC(i int) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x77, 0x66, 0x00, 0x00, 0x0a + byte(i)}
}

// registerDescriptorGauges publishes the port's descriptor list occupancy,
// the same numbers the console prints, so the stats sinks see ring pressure.
func registerDescriptorGauges(p *Port) {
	g := func(name string, f func() int) {
		metrics.NewRegisteredFunctionalGauge("ethmac."+p.name+"."+name, nil, func() int64 {
			return int64(f())
		})
	}
	g("rx.pending_buffers", p.dev.RxPendingBuffers)
	g("rx.scheduled_buffers", p.dev.RxScheduledBuffers)
	g("rx.free_descriptors", p.dev.RxFreeDescriptors)
	g("tx.pending_buffers", p.dev.TxPendingBuffers)
	g("tx.scheduled_buffers", p.dev.TxScheduledBuffers)
	g("tx.free_descriptors", p.dev.TxFreeDescriptors)
}

// Start launches the engine pumps, the per port service loops, the address
// sweeper and, when configured, the built in traffic sources. It returns
// immediately, use Wait to block until the context ends the group.
func (b *Bridge) Start(ctx context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	b.eg = eg

	for i := range b.ports {
		i := i
		p := b.ports[i]
		eg.Go(func() error {
			return p.eng.Start(ctx)
		})
		eg.Go(func() error {
			return b.servicePort(ctx, i)
		})
		if b.traffic.enabled {
			eg.Go(func() error {
				return b.generate(ctx, i)
			})
		}
	}
	eg.Go(func() error {
		return b.sweepMacs(ctx)
	})
}

// Wait blocks until every bridge goroutine has returned.
func (b *Bridge) Wait() error {
	if b.eg == nil {
		return nil
	}
	return b.eg.Wait()
}

// Close shuts both devices down gracefully and drains the descriptor
// pools. Call it after the run group has ended.
func (b *Bridge) Close() {
	for _, p := range b.ports {
		p.dev.Close(true)
		p.dev.PoolCleanUp(ethmac.KindTx|ethmac.KindRx, nil)
	}
	b.l.Info("Bridge closed")
}

// servicePort is the deferred half of the port's interrupt handler. Every
// wakeup reaps finished transmits first so their slabs are back on the free
// stack before received frames get forwarded.
func (b *Bridge) servicePort(ctx context.Context, i int) error {
	p := b.ports[i]
	ticker := time.NewTicker(servicePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}

		b.reapTx(p)
		b.drainRx(i)
	}
}

func (b *Bridge) reapTx(p *Port) {
	err := p.dev.TxAcknowledgeBuffer(nil, p.releaseTxSlabs)
	if err != nil && !errors.Is(err, ethmac.ErrNoPacket) && !errors.Is(err, ethmac.ErrPacketQueued) {
		b.l.WithError(err).WithField("port", p.name).Error("Failed to reap transmitted frames")
	}
}

// drainRx lifts every released frame off the receive ring, forwards it and
// recycles the ring buffers. All receive calls for a port happen here, on
// its own service goroutine.
func (b *Bridge) drainRx(i int) {
	p := b.ports[i]

	for {
		n, stat, err := p.dev.RxGetPacket(&p.rxChain[0])
		if errors.Is(err, ethmac.ErrNoPacket) || errors.Is(err, ethmac.ErrPacketQueued) {
			break
		}
		if err != nil {
			// the scatter chain is as long as the ring, a frame cannot
			// outgrow it
			panic(fmt.Sprintf("wfi32bridge: receive on %s: %v", p.name, err))
		}

		frame := p.gatherRx(stat.FrameBytes - frameCheckBytes)
		b.forward(i, frame)

		if ackErr := p.dev.RxAcknowledgeBuffer(p.rxChain[0].Buffer); ackErr != nil {
			b.l.WithError(ackErr).WithField("port", p.name).Error("Failed to acknowledge a received frame")
		}
		if !p.sticky {
			p.collectRxSlabs(n)
		}
	}

	if !p.sticky && len(p.rxFree) > 0 {
		b.rearmRx(p)
	}
}

func (b *Bridge) rearmRx(p *Port) {
	bufs := make([][]byte, len(p.rxFree))
	for i, idx := range p.rxFree {
		bufs[i] = p.rxSlabs[idx]
	}
	if err := p.dev.RxBuffersAppend(bufs, 0); err != nil {
		// indexes stay on rxFree, the next pass tries again
		b.l.WithError(err).WithField("port", p.name).Error("Failed to re-arm receive buffers")
		return
	}
	p.rxFree = p.rxFree[:0]
}

// forward applies the learning and filtering rules to one received frame
// and queues it on the egress port.
func (b *Bridge) forward(src int, frame []byte) {
	p := b.ports[src]
	if len(frame) < etherHeaderBytes {
		b.metrics.runts.Inc(1)
		return
	}

	now := time.Now()
	var dst, from macKey
	copy(dst[:], frame[0:6])
	copy(from[:], frame[6:12])

	if !from.group() {
		isNew, movedPort, ok := b.macs.learn(from, src, now)
		switch {
		case !ok:
			b.metrics.tableFull.Inc(1)
		case isNew:
			b.metrics.learned.Inc(1)
			if b.l.Level >= logrus.DebugLevel {
				b.l.WithField("mac", from).WithField("port", p.name).
					Debug("Learned station address")
			}
		case movedPort:
			b.metrics.moved.Inc(1)
			b.l.WithField("mac", from).WithField("port", p.name).
				Info("Station address moved ports")
		}
	}

	out := b.ports[1-src]
	if !dst.group() {
		port, known := b.macs.lookup(dst, now)
		switch {
		case known && port == src:
			b.metrics.filtered.Inc(1)
			return
		case known:
			out = b.ports[port]
			b.metrics.forwarded.Inc(1)
		default:
			b.metrics.flooded.Inc(1)
		}
	} else {
		b.metrics.flooded.Inc(1)
	}

	if err := b.transmit(out, frame); err != nil {
		b.metrics.txDropped.Inc(1)
		if b.l.Level >= logrus.DebugLevel {
			b.l.WithError(err).WithField("in", p.name).WithField("out", out.name).
				WithField("bytes", len(frame)).Debug("Dropped a frame on transmit")
		}
	}
}

// transmit copies a frame into the egress port's slabs and hands the chain
// to its device. Starvation is a drop, the engine frees slabs shortly.
func (b *Bridge) transmit(p *Port, frame []byte) error {
	segs := (len(frame) + p.bufSize - 1) / p.bufSize
	if segs > len(p.txChain) {
		return errFrameOversize
	}

	p.txMu.Lock()
	defer p.txMu.Unlock()

	n := len(p.txFree)
	if n < segs {
		return errTxBufferStarved
	}
	take := make([]int, segs)
	copy(take, p.txFree[n-segs:])

	for k, idx := range take {
		chunk := frame[k*p.bufSize:]
		if len(chunk) > p.bufSize {
			chunk = chunk[:p.bufSize]
		}
		slab := p.txSlabs[idx]
		copy(slab, chunk)
		p.txChain[k].Buffer = slab[:len(chunk)]
	}
	if segs < len(p.txChain) {
		p.txChain[segs].Buffer = nil
	}

	if err := p.dev.TxSendPacket(&p.txChain[0]); err != nil {
		return err
	}
	p.txFree = p.txFree[:n-segs]
	p.txTaken[take[0]] = take
	return nil
}

// egress is the far end of a port's wire. The simulated wire terminates at
// the port's station, so the frame is tapped for the console and logged.
func (b *Bridge) egress(i int, frame []byte) {
	p := b.ports[i]
	p.storeTxTap(frame)

	if b.l.Level >= logrus.DebugLevel {
		eth := &layers.Ethernet{}
		if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err == nil {
			b.l.WithField("port", p.name).
				WithField("dst", eth.DstMAC).
				WithField("src", eth.SrcMAC).
				WithField("bytes", len(frame)).
				Debug("Frame egressed")
		}
	}
}

// generate is a port's built in station, a paced frame source. In pipe
// mode it addresses the far station so traffic crosses the bridge, in
// loopback mode it addresses itself so the looped frame terminates after
// one hop.
func (b *Bridge) generate(ctx context.Context, i int) error {
	p := b.ports[i]
	dst := b.ports[1-i].mac
	if b.mode == modeLoopback {
		dst = p.mac
	}

	eth := layers.Ethernet{
		SrcMAC:       p.mac,
		DstMAC:       dst,
		EthernetType: etherTypeLocalTest,
	}
	payload := make([]byte, b.traffic.size)
	for k := range payload {
		payload[k] = byte(k)
	}

	ticker := time.NewTicker(b.traffic.interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		seq++
		binary.BigEndian.PutUint64(payload[:8], seq)

		buffer := gopacket.NewSerializeBuffer()
		opt := gopacket.SerializeOptions{FixLengths: true}
		if err := gopacket.SerializeLayers(buffer, opt, &eth, gopacket.Payload(payload)); err != nil {
			return fmt.Errorf("building a test frame on %s: %w", p.name, err)
		}

		p.eng.Inject(buffer.Bytes())
	}
}

func (b *Bridge) sweepMacs(ctx context.Context) error {
	interval := b.macs.expiry / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.macs.sweep(time.Now()); n > 0 {
				b.metrics.expired.Inc(int64(n))
				if b.l.Level >= logrus.DebugLevel {
					b.l.WithField("expired", n).Debug("Swept stale station addresses")
				}
			}
		}
	}
}

// Ports returns the bridge's two ports in configuration order.
func (b *Bridge) Ports() []*Port {
	return b.ports[:]
}

// PortByName returns the named port, nil when it does not exist.
func (b *Bridge) PortByName(name string) *Port {
	for _, p := range b.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

// MacTableEntry is one forwarding database row, shaped for the console.
type MacTableEntry struct {
	MAC        string  `json:"mac"`
	Port       string  `json:"port"`
	AgeSeconds float64 `json:"ageSeconds"`
}

// MacTable snapshots the forwarding database sorted by address.
func (b *Bridge) MacTable() []MacTableEntry {
	now := time.Now()
	b.macs.RLock()
	out := make([]MacTableEntry, 0, len(b.macs.entries))
	for k, e := range b.macs.entries {
		out = append(out, MacTableEntry{
			MAC:        k.String(),
			Port:       b.ports[e.port].name,
			AgeSeconds: now.Sub(e.seen).Seconds(),
		})
	}
	b.macs.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}
