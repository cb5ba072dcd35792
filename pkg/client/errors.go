package client

import "errors"

// Errors mapped from transport failures and daemon status codes.
var (
	// ErrDaemonNotRunning means the daemon socket does not exist.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied means the socket exists but the caller may not
	// connect to it. Reinstall with --allow-non-root-access to open it up.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned for 404 responses, e.g. results requested
	// before the first calibration run.
	ErrNotFound = errors.New("404 not found")

	// ErrBusy is returned for 409 responses while a calibration is running.
	ErrBusy = errors.New("station busy")
)
