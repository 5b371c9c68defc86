package wfi32bridge

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Control holds the assembled daemon together and ties its lifetime to the
// process signals.
type Control struct {
	bridge     *Bridge
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	sshStart   func()
	statsStart func()
	infoStart  func()
}

// Start actually runs the bridge, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	// Call all the delayed funcs that waited patiently for the bridge to be created.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}
	if c.infoStart != nil {
		go c.infoStart()
	}

	// Start moving frames.
	c.bridge.Start(c.ctx)
}

// Stop signals the bridge to shut down and returns once it has.
func (c *Control) Stop() {
	c.cancel()
	if err := c.bridge.Wait(); err != nil {
		c.l.WithError(err).Error("Bridge shut down with an error")
	}
	c.bridge.Close()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Bridge returns the running bridge for tests and embedders.
func (c *Control) Bridge() *Bridge {
	return c.bridge
}
