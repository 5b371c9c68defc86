package ethmac

import "github.com/rcrowley/go-metrics"

// deviceMetrics counts data path activity per device, registered under
// ethmac.<device name>.
type deviceMetrics struct {
	txPackets       metrics.Counter
	txBytes         metrics.Counter
	txSplices       metrics.Counter
	txRollbacks     metrics.Counter
	txNoDescriptors metrics.Counter

	rxPackets       metrics.Counter
	rxBytes         metrics.Counter
	rxSplices       metrics.Counter
	rxRollbacks     metrics.Counter
	rxNoDescriptors metrics.Counter
	rxStickyRearms  metrics.Counter
}

func newDeviceMetrics(name string) deviceMetrics {
	c := func(s string) metrics.Counter {
		return metrics.GetOrRegisterCounter("ethmac."+name+"."+s, nil)
	}
	return deviceMetrics{
		txPackets:       c("tx.packets"),
		txBytes:         c("tx.bytes"),
		txSplices:       c("tx.splices"),
		txRollbacks:     c("tx.rollbacks"),
		txNoDescriptors: c("tx.no_descriptors"),

		rxPackets:       c("rx.packets"),
		rxBytes:         c("rx.bytes"),
		rxSplices:       c("rx.splices"),
		rxRollbacks:     c("rx.rollbacks"),
		rxNoDescriptors: c("rx.no_descriptors"),
		rxStickyRearms:  c("rx.sticky_rearms"),
	}
}
