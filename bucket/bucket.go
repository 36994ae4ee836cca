// Package bucket defines the named key/value cache storage the offline agent
// keeps its responses in.
//
// A Storage holds any number of named buckets. Each Bucket maps a request
// identity (see Key) to a buffered Response snapshot. Implementations live in
// the memory, disk, and sqlite subpackages; buckettest holds the conformance
// suite they all run.
package bucket

import (
	"context"
	"net/http"
	"net/url"
)

// Storage manages named buckets.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)

	// Lookup returns the bucket with the given name without creating it.
	// Returns nil, false, nil if no such bucket exists.
	Lookup(ctx context.Context, name string) (Bucket, bool, error)

	// Has reports whether a bucket with the given name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named bucket and all of its entries.
	// Returns false if the bucket did not exist.
	Delete(ctx context.Context, name string) (bool, error)

	// Keys returns the names of all buckets in creation order.
	Keys(ctx context.Context) ([]string, error)
}

// Bucket maps request identities to stored responses.
//
// Puts are atomic per key. Handles to a bucket that has since been deleted
// return ErrBucketDeleted on writes and miss on reads.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Match returns a copy of the response stored under key.
	// Returns nil, false, nil on a miss.
	Match(ctx context.Context, key string) (*Response, bool, error)

	// Put stores a copy of resp under key, replacing any previous entry.
	Put(ctx context.Context, key string, resp *Response) error

	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error

	// Delete removes the entry stored under key.
	// Returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns the stored keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Entry pairs a key with the response to store under it.
type Entry struct {
	Key      string
	Response *Response
}

// Key returns the request identity used to store and match req.
//
// Only GET requests have an identity. The identity is the absolute request
// URL with its fragment removed.
func Key(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", ErrInvalidKey
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return "", ErrMethodNotCacheable
	}
	if !req.URL.IsAbs() {
		return "", ErrInvalidKey
	}
	return KeyFromURL(req.URL), nil
}

// KeyFromURL returns the request identity for a GET of u.
func KeyFromURL(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}
