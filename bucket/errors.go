package bucket

import "errors"

// Sentinel errors for bucket operations.
var (
	// ErrMethodNotCacheable is returned when a request method has no cache identity.
	ErrMethodNotCacheable = errors.New("bucket: method not cacheable")

	// ErrInvalidKey is returned when a request or key cannot identify an entry.
	ErrInvalidKey = errors.New("bucket: invalid key")

	// ErrInvalidName is returned when a bucket name is empty.
	ErrInvalidName = errors.New("bucket: invalid name")

	// ErrBucketDeleted is returned when writing through a handle whose bucket was deleted.
	ErrBucketDeleted = errors.New("bucket: bucket deleted")

	// ErrNilResponse is returned when storing a nil response.
	ErrNilResponse = errors.New("bucket: nil response")

	// ErrCorrupt is returned when stored content does not match its recorded digest.
	ErrCorrupt = errors.New("bucket: corrupt entry")
)
