package offline

import "errors"

// Sentinel errors for agent operations.
var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("offline: invalid config")

	// ErrUnknownEvent is returned when no handler is registered for an event kind.
	ErrUnknownEvent = errors.New("offline: unknown event")

	// ErrHandlerPanic is returned when an event handler or extension panics.
	ErrHandlerPanic = errors.New("offline: handler panic")

	// ErrNotDispatched is returned when WaitUntil is called on an event that was never dispatched.
	ErrNotDispatched = errors.New("offline: event not dispatched")

	// ErrLifetimeEnded is returned when WaitUntil is called after the event settled.
	ErrLifetimeEnded = errors.New("offline: event lifetime ended")

	// ErrAlreadyResponded is returned when RespondWith is called twice.
	ErrAlreadyResponded = errors.New("offline: already responded")

	// ErrInstallFailed is returned when the static assets could not be cached.
	ErrInstallFailed = errors.New("offline: install failed")

	// ErrAssetUnavailable is returned when a static asset fetch returns a non-ok response.
	ErrAssetUnavailable = errors.New("offline: asset unavailable")

	// ErrActivateFailed is returned when stale buckets could not be removed.
	ErrActivateFailed = errors.New("offline: activate failed")

	// ErrOfflineDocumentMissing is returned when the network is down and the
	// offline document is not cached.
	ErrOfflineDocumentMissing = errors.New("offline: offline document not cached")

	// ErrNoResponse is returned when the network produced neither a response nor an error.
	ErrNoResponse = errors.New("offline: no response")

	// ErrSyncFailed is returned when the background sync routine fails.
	ErrSyncFailed = errors.New("offline: background sync failed")
)
