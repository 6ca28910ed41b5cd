// Package shutdown coordinates graceful process termination: one or more
// ShutdownManagers watch for a trigger (a POSIX signal, in the included
// implementation) in the background and, once triggered, run every
// registered callback in registration order.
package shutdown

import "github.com/pkg/errors"

// ShutdownCallback is invoked once shutdown has been triggered. The reason
// string names which manager triggered the shutdown.
type ShutdownCallback interface {
	OnShutdown(reason string) error
}

// ShutdownFunc adapts a plain function to ShutdownCallback.
type ShutdownFunc func(string) error

// OnShutdown implements ShutdownCallback.
func (f ShutdownFunc) OnShutdown(reason string) error {
	return f(reason)
}

// ShutdownManager watches for a termination trigger and notifies the
// GracefulShutdown it was registered with by calling its StartShutdown.
type ShutdownManager interface {
	GetName() string
	Start(gs GSInterface) error
	ShutdownStart() error
	ShutdownFinish() error
}

// GSInterface is the subset of GracefulShutdown a manager needs: the ability
// to report that shutdown has begun.
type GSInterface interface {
	StartShutdown(sm ShutdownManager)
	ReportError(err error)
	SetErrorHandler(handler ErrorHandler)
}

// ErrorHandler is invoked for every error surfaced during shutdown, by any
// manager or callback.
type ErrorHandler interface {
	OnError(err error)
}

// GracefulShutdown is the coordinator: managers are added with
// AddShutdownManager, callbacks with AddShutdownCallback, and Start begins
// watching. Start returns as soon as every manager has been started; Done
// reports when a shutdown has begun.
type GracefulShutdown struct {
	managers     []ShutdownManager
	callbacks    []ShutdownCallback
	errorHandler ErrorHandler

	shutdownStarted chan struct{}
	started         bool
}

// New returns an empty GracefulShutdown with no managers or callbacks.
func New() *GracefulShutdown {
	return &GracefulShutdown{
		shutdownStarted: make(chan struct{}),
	}
}

// AddShutdownManager registers a manager to watch for a termination
// trigger. Call before Start.
func (gs *GracefulShutdown) AddShutdownManager(sm ShutdownManager) {
	gs.managers = append(gs.managers, sm)
}

// AddShutdownCallback registers a callback run once any manager triggers
// shutdown. Callbacks run in registration order, each to completion before
// the next starts (no time limit is imposed); a callback's error is reported
// but does not stop the remaining callbacks from running.
func (gs *GracefulShutdown) AddShutdownCallback(cb ShutdownCallback) {
	gs.callbacks = append(gs.callbacks, cb)
}

// SetErrorHandler installs a handler invoked for every error surfaced
// during shutdown. Without one, errors are swallowed.
func (gs *GracefulShutdown) SetErrorHandler(handler ErrorHandler) {
	gs.errorHandler = handler
}

// ReportError forwards err to the installed ErrorHandler, if any.
func (gs *GracefulShutdown) ReportError(err error) {
	if err == nil {
		return
	}
	if gs.errorHandler != nil {
		gs.errorHandler.OnError(err)
	}
}

// Start starts every registered manager. Managers run their own watch loop
// in the background (typically a goroutine blocked on signal.Notify); Start
// itself returns immediately once every manager has been started.
func (gs *GracefulShutdown) Start() error {
	if gs.started {
		return errors.New("shutdown: already started")
	}
	gs.started = true

	for _, manager := range gs.managers {
		if err := manager.Start(gs); err != nil {
			return errors.Wrapf(err, "shutdown: manager %s failed to start", manager.GetName())
		}
	}
	return nil
}

// StartShutdown is called by a ShutdownManager once it observes its
// trigger. It runs ShutdownStart/ShutdownFinish around every registered
// callback, in that order, and reports any error encountered.
func (gs *GracefulShutdown) StartShutdown(sm ShutdownManager) {
	select {
	case <-gs.shutdownStarted:
	default:
		close(gs.shutdownStarted)
	}

	gs.ReportError(sm.ShutdownStart())

	for _, cb := range gs.callbacks {
		if err := cb.OnShutdown(sm.GetName()); err != nil {
			gs.ReportError(errors.Wrapf(err, "shutdown: callback failed for manager %s", sm.GetName()))
		}
	}

	gs.ReportError(sm.ShutdownFinish())
}

// Done returns a channel closed once shutdown has started, for callers that
// want to block (e.g. main()) until termination begins.
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.shutdownStarted
}
