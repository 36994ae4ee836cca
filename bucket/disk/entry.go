package disk

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/offline/bucket"
)

// Entry file layout: magic, big-endian record length, JSON record, zstd body.
var magic = [4]byte{'O', 'F', 'C', '1'}

const headerLen = len(magic) + 4

// record is the JSON header of an entry file. The body is described by an
// OCI content descriptor so its size and digest can be checked on read.
type record struct {
	Key        string              `json:"key"`
	URL        string              `json:"url"`
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText,omitempty"`
	Header     http.Header         `json:"header,omitempty"`
	Type       bucket.ResponseType `json:"type"`
	Body       ocispec.Descriptor  `json:"body"`
	StoredAt   int64               `json:"storedAt"`
}

// Bucket implements bucket.Bucket on top of a Storage directory.
type Bucket struct {
	storage *Storage
	name    string
	id      string
	dir     string
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Match returns the response stored under key.
//
// Entries whose body no longer matches the recorded digest are removed and
// reported as a miss.
func (b *Bucket) Match(_ context.Context, key string) (*bucket.Response, bool, error) {
	if key == "" || !b.alive() {
		return nil, false, nil
	}
	path := b.entryPath(key)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the key digest
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rec, resp, err := b.storage.decode(data)
	if err != nil {
		if errors.Is(err, bucket.ErrCorrupt) {
			_ = os.Remove(path)
			return nil, false, nil
		}
		return nil, false, err
	}
	if rec.Key != key {
		// sha256 collision; treat as a miss.
		return nil, false, nil
	}
	return resp, true, nil
}

// Put stores resp under key.
func (b *Bucket) Put(ctx context.Context, key string, resp *bucket.Response) error {
	return b.PutAll(ctx, []bucket.Entry{{Key: key, Response: resp}})
}

// PutAll stores every entry or none.
//
// All entries are staged as temporary files first; only when every one was
// written are they renamed into place. Entries being replaced are moved
// aside during the commit and restored if it fails.
func (b *Bucket) PutAll(_ context.Context, entries []bucket.Entry) error {
	for _, e := range entries {
		if e.Key == "" {
			return bucket.ErrInvalidKey
		}
		if e.Response == nil {
			return bucket.ErrNilResponse
		}
	}
	if !b.alive() {
		return bucket.ErrBucketDeleted
	}

	written := make([]staged, 0, len(entries))
	discard := func() {
		for _, st := range written {
			_ = os.Remove(st.tmp)
		}
	}

	for _, e := range entries {
		data, err := b.storage.encode(e.Key, e.Response, b.storage.nextStamp())
		if err != nil {
			discard()
			return err
		}
		final := b.entryPath(e.Key)
		tmp, err := b.writeTemp(filepath.Dir(final), data)
		if err != nil {
			discard()
			if errors.Is(err, os.ErrNotExist) {
				return bucket.ErrBucketDeleted
			}
			return err
		}
		written = append(written, staged{tmp: tmp, final: final})
	}

	for i := range written {
		if err := written[i].commit(); err != nil {
			discard()
			for j := i - 1; j >= 0; j-- {
				written[j].rollback()
			}
			if errors.Is(err, os.ErrNotExist) {
				return bucket.ErrBucketDeleted
			}
			return err
		}
	}
	for _, st := range written {
		if st.backup != "" {
			_ = os.Remove(st.backup)
		}
	}
	return nil
}

// staged is an entry file written to tmp and waiting to replace final.
type staged struct {
	tmp, final, backup string
}

// commit moves any existing entry aside and renames tmp into place.
func (st *staged) commit() error {
	backup := st.final + backupSuffix
	switch err := os.Rename(st.final, backup); {
	case err == nil:
		st.backup = backup
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if err := os.Rename(st.tmp, st.final); err != nil {
		if st.backup != "" {
			_ = os.Rename(st.backup, st.final)
			st.backup = ""
		}
		return err
	}
	return nil
}

// rollback undoes a successful commit.
func (st *staged) rollback() {
	if st.backup == "" {
		_ = os.Remove(st.final)
		return
	}
	_ = os.Rename(st.backup, st.final)
}

// Delete removes the entry stored under key.
func (b *Bucket) Delete(_ context.Context, key string) (bool, error) {
	if key == "" || !b.alive() {
		return false, nil
	}
	if err := os.Remove(b.entryPath(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Keys returns stored keys in insertion order.
func (b *Bucket) Keys(context.Context) ([]string, error) {
	if !b.alive() {
		return nil, nil
	}
	var recs []record
	root := filepath.Join(b.dir, entriesDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !isEntryName(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // path comes from walking our own directory
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		rec, _, err := decodeHeader(data)
		if err != nil {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b record) int {
		switch {
		case a.StoredAt < b.StoredAt:
			return -1
		case a.StoredAt > b.StoredAt:
			return 1
		}
		return 0
	})
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys, nil
}

// alive reports whether the bucket this handle was opened for still exists.
func (b *Bucket) alive() bool {
	meta, err := readMeta(b.dir)
	return err == nil && meta.ID == b.id
}

func (b *Bucket) entryPath(key string) string {
	name := digest.FromString(key).Encoded()
	root := filepath.Join(b.dir, entriesDir)
	if b.storage.shardPrefixLen <= 0 {
		return filepath.Join(root, name)
	}
	prefixLen := min(b.storage.shardPrefixLen, len(name))
	return filepath.Join(root, name[:prefixLen], name)
}

func (b *Bucket) writeTemp(dir string, data []byte) (string, error) {
	if err := b.mkShard(dir); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "entry-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// mkShard creates a shard directory without recreating a deleted bucket.
func (b *Bucket) mkShard(dir string) error {
	root := filepath.Join(b.dir, entriesDir)
	if _, err := os.Stat(root); err != nil {
		return err
	}
	if dir == root {
		return nil
	}
	if err := os.Mkdir(dir, b.storage.dirPerm); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

func isEntryName(name string) bool {
	return len(name) == 64 && !strings.ContainsAny(name, ".-")
}

func (s *Storage) encode(key string, resp *bucket.Response, storedAt int64) ([]byte, error) {
	rec := record{
		Key:        key,
		URL:        resp.URL,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header,
		Type:       resp.Type,
		Body: ocispec.Descriptor{
			MediaType: resp.ContentType(),
			Digest:    digest.FromBytes(resp.Body),
			Size:      int64(len(resp.Body)),
		},
		StoredAt: storedAt,
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	buf := make([]byte, headerLen, headerLen+len(meta)+len(resp.Body)/2)
	copy(buf, magic[:])
	binary.BigEndian.PutUint32(buf[len(magic):headerLen], uint32(len(meta))) //nolint:gosec // record headers are far below 4 GiB
	buf = append(buf, meta...)
	return s.enc.EncodeAll(resp.Body, buf), nil
}

func (s *Storage) decode(data []byte) (record, *bucket.Response, error) {
	rec, compressed, err := decodeHeader(data)
	if err != nil {
		return rec, nil, err
	}
	if err := rec.Body.Digest.Validate(); err != nil {
		return rec, nil, fmt.Errorf("%w: %w", bucket.ErrCorrupt, err)
	}
	if rec.Body.Size < 0 || rec.Body.Size > maxBodySize {
		return rec, nil, fmt.Errorf("%w: body size %d out of range", bucket.ErrCorrupt, rec.Body.Size)
	}
	body, err := s.dec.DecodeAll(compressed, make([]byte, 0, rec.Body.Size))
	if err != nil {
		return rec, nil, fmt.Errorf("%w: %w", bucket.ErrCorrupt, err)
	}
	if int64(len(body)) != rec.Body.Size {
		return rec, nil, fmt.Errorf("%w: size %d, want %d", bucket.ErrCorrupt, len(body), rec.Body.Size)
	}
	verifier := rec.Body.Digest.Verifier()
	_, _ = verifier.Write(body)
	if !verifier.Verified() {
		return rec, nil, fmt.Errorf("%w: digest mismatch", bucket.ErrCorrupt)
	}
	if len(body) == 0 {
		body = nil
	}
	return rec, &bucket.Response{
		URL:        rec.URL,
		Status:     rec.Status,
		StatusText: rec.StatusText,
		Header:     rec.Header,
		Body:       body,
		Type:       rec.Type,
	}, nil
}

func decodeHeader(data []byte) (record, []byte, error) {
	var rec record
	if len(data) < headerLen || !bytes.Equal(data[:len(magic)], magic[:]) {
		return rec, nil, fmt.Errorf("%w: bad header", bucket.ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint32(data[len(magic):headerLen]))
	if n > len(data)-headerLen {
		return rec, nil, fmt.Errorf("%w: truncated record", bucket.ErrCorrupt)
	}
	if err := json.Unmarshal(data[headerLen:headerLen+n], &rec); err != nil {
		return rec, nil, fmt.Errorf("%w: %w", bucket.ErrCorrupt, err)
	}
	if rec.Header == nil {
		rec.Header = make(http.Header)
	}
	return rec, data[headerLen+n:], nil
}
