package macsim

import "github.com/rcrowley/go-metrics"

// engineMetrics counts wire level activity per engine, registered under
// macsim.<engine name>.
type engineMetrics struct {
	txFrames  metrics.Counter
	txBytes   metrics.Counter
	rxFrames  metrics.Counter
	rxBytes   metrics.Counter
	rxDrops   metrics.Counter
	busFaults metrics.Counter
}

func newEngineMetrics(name string) engineMetrics {
	c := func(s string) metrics.Counter {
		return metrics.GetOrRegisterCounter("macsim."+name+"."+s, nil)
	}
	return engineMetrics{
		txFrames:  c("tx.frames"),
		txBytes:   c("tx.bytes"),
		rxFrames:  c("rx.frames"),
		rxBytes:   c("rx.bytes"),
		rxDrops:   c("rx.drops"),
		busFaults: c("bus.faults"),
	}
}
