package host

import "errors"

// Sentinel errors for runtime operations.
var (
	// ErrNoActiveAgent is returned when an event needs an active agent and none is.
	ErrNoActiveAgent = errors.New("host: no active agent")

	// ErrNoPendingInstall is returned by Update when there is no install to retry.
	ErrNoPendingInstall = errors.New("host: no pending install")

	// ErrUnknownNotification is returned when a click targets a notification
	// that is not in the tray.
	ErrUnknownNotification = errors.New("host: unknown notification")

	// ErrSyncExhausted is returned when a sync job failed on every attempt.
	ErrSyncExhausted = errors.New("host: sync attempts exhausted")
)
