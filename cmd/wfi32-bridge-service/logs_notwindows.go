//go:build !windows
// +build !windows

package main

import (
	"github.com/sirupsen/logrus"
)

// HookLogger does nothing, the service wrapper logs to stdout outside of Windows
func HookLogger(l *logrus.Logger) {
}
