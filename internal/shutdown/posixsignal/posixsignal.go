// Package posixsignal is a shutdown.ShutdownManager that triggers on
// SIGINT/SIGTERM, the standard way every daemon in this codebase stops.
package posixsignal

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ratecache/authflush/internal/shutdown"
)

const Name = "PosixSignalManager"

// PosixSignalManager triggers shutdown when the process receives SIGINT or
// SIGTERM. It is safe for exactly one Start call.
type PosixSignalManager struct {
	signals []os.Signal
}

// NewPosixSignalManager returns a manager watching the given signals,
// defaulting to SIGINT and SIGTERM when none are given.
func NewPosixSignalManager(sig ...os.Signal) *PosixSignalManager {
	if len(sig) == 0 {
		sig = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return &PosixSignalManager{signals: sig}
}

// GetName implements shutdown.ShutdownManager.
func (p *PosixSignalManager) GetName() string {
	return Name
}

// Start implements shutdown.ShutdownManager: begins watching for signals in
// a background goroutine, calling gs.StartShutdown on receipt of any.
func (p *PosixSignalManager) Start(gs shutdown.GSInterface) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, p.signals...)

	go func() {
		<-c
		gs.StartShutdown(p)
	}()

	return nil
}

// ShutdownStart implements shutdown.ShutdownManager.
func (p *PosixSignalManager) ShutdownStart() error {
	return nil
}

// ShutdownFinish implements shutdown.ShutdownManager.
func (p *PosixSignalManager) ShutdownFinish() error {
	os.Exit(0)
	return nil
}
