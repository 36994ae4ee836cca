// Package memory provides an in-process bucket storage.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/meigma/offline/bucket"
)

// Storage implements bucket.Storage in memory.
// The zero value is not usable; call New.
type Storage struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	order   []string
}

// New returns an empty storage.
func New() *Storage {
	return &Storage{buckets: make(map[string]*Bucket)}
}

// Open returns the named bucket, creating it if absent.
func (s *Storage) Open(_ context.Context, name string) (bucket.Bucket, error) {
	if name == "" {
		return nil, bucket.ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &Bucket{name: name, entries: make(map[string]*bucket.Response)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

// Lookup returns the named bucket without creating it.
func (s *Storage) Lookup(_ context.Context, name string) (bucket.Bucket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// Has reports whether the named bucket exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[name]
	return ok, nil
}

// Delete removes the named bucket.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	b.drop()
	return true, nil
}

// Keys returns bucket names in creation order.
func (s *Storage) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.order), nil
}

// Bucket implements bucket.Bucket in memory.
type Bucket struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*bucket.Response
	order   []string
	deleted bool
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Match returns a copy of the response stored under key.
func (b *Bucket) Match(_ context.Context, key string) (*bucket.Response, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	resp, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

// Put stores a copy of resp under key.
func (b *Bucket) Put(_ context.Context, key string, resp *bucket.Response) error {
	if err := validate(key, resp); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleted {
		return bucket.ErrBucketDeleted
	}
	b.set(key, resp)
	return nil
}

// PutAll stores every entry or none.
func (b *Bucket) PutAll(_ context.Context, entries []bucket.Entry) error {
	for _, e := range entries {
		if err := validate(e.Key, e.Response); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleted {
		return bucket.ErrBucketDeleted
	}
	for _, e := range entries {
		b.set(e.Key, e.Response)
	}
	return nil
}

// Delete removes the entry stored under key.
func (b *Bucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == key })
	return true, nil
}

// Keys returns stored keys in insertion order.
func (b *Bucket) Keys(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return slices.Clone(b.order), nil
}

// set must be called with b.mu held.
func (b *Bucket) set(key string, resp *bucket.Response) {
	if _, ok := b.entries[key]; !ok {
		b.order = append(b.order, key)
	}
	b.entries[key] = resp.Clone()
}

func (b *Bucket) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deleted = true
	b.entries = make(map[string]*bucket.Response)
	b.order = nil
}

func validate(key string, resp *bucket.Response) error {
	if key == "" {
		return bucket.ErrInvalidKey
	}
	if resp == nil {
		return bucket.ErrNilResponse
	}
	return nil
}
