package app

import "errors"

// Application errors.
var (
	// ErrAlreadyRunning indicates the application is already running.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrNotReady is reported by the readiness check until the plugins
	// have been loaded.
	ErrNotReady = errors.New("plugins not loaded")

	// ErrClosed indicates the application has been shut down.
	ErrClosed = errors.New("application closed")
)
