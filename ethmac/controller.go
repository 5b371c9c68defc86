package ethmac

// Controller is the register level control surface of a MAC engine, the few
// knobs the descriptor machinery actually touches. macsim implements it for
// the simulated engine, tests implement it with fakes.
//
// Chain start addresses follow the hardware convention that zero means
// unprogrammed. The device programs each direction exactly once, on the
// first splice, and from then on the engine finds new work by refetching
// the descriptor it is parked on.
type Controller interface {
	// Enable and Disable gate the whole engine. IsBusy reports whether the
	// engine is still draining after a disable.
	Enable()
	Disable()
	IsBusy() bool

	// TxEnable requests transmission, the engine refetches its current
	// transmit descriptor. TxIsBusy reports an in flight transmission.
	TxEnable()
	TxDisable()
	TxIsBusy() bool

	// RxEnable starts reception. RxIsBusy reports an in flight reception.
	RxEnable()
	RxDisable()
	RxIsBusy() bool

	TxChainAddr() uint32
	SetTxChainAddr(addr uint32)
	RxChainAddr() uint32
	SetRxChainAddr(addr uint32)

	// RxBudgetDecrement returns one unit of receive buffer budget to the
	// engine. The engine stalls reception when too many consumed buffers
	// are outstanding, so every consumed buffer that is not flagged noAck
	// must eventually be paid back through this call.
	RxBudgetDecrement()

	// RxPacketCount reports how many consumed receive buffers the engine
	// still counts against the budget.
	RxPacketCount() int

	// SetRxBufferSize tells the engine how large every receive buffer is.
	// The engine fills receive buffers to exactly this size.
	SetRxBufferSize(n int)

	// ClearEvents drops all latched engine events.
	ClearEvents()

	// SetLink pushes the physical link configuration. Pure MAC setup, the
	// descriptor machinery never depends on it.
	SetLink(cfg LinkConfig)
}

// LinkConfig carries the link level settings Open pushes to the controller.
type LinkConfig struct {
	Speed100   bool
	FullDuplex bool
	Loopback   bool

	// TxPause and RxPause enable flow control frames in the respective
	// direction. Only honored on a full duplex link.
	TxPause bool
	RxPause bool

	// HugeFrames lifts the maximum frame length check.
	HugeFrames bool
}
