// Package disk provides a filesystem-backed bucket storage.
//
// Each bucket is a directory named after the hex encoding of the bucket name.
// Entries are single files holding a JSON record followed by the
// zstd-compressed body, written to a temporary file and renamed into place so
// readers never observe a partial entry.
package disk

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/offline/bucket"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	// maxBodySize bounds the decoded size of a stored body.
	maxBodySize = 1 << 30

	metaFile   = "bucket.json"
	entriesDir = "entries"
	trashPref  = ".trash-"

	backupSuffix = ".bak"
)

// Storage implements bucket.Storage on the local filesystem.
// It is safe for concurrent use.
type Storage struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	level          zstd.EncoderLevel

	enc *zstd.Encoder
	dec *zstd.Decoder

	openMu sync.Mutex
	stamp  atomic.Int64
}

// Option configures a disk storage.
type Option func(*Storage)

// WithShardPrefixLen sets the number of hex characters used for sharding
// entry files. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Storage) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Storage) {
		s.dirPerm = mode
	}
}

// WithEncoderLevel sets the zstd level used for stored bodies.
func WithEncoderLevel(level zstd.EncoderLevel) Option {
	return func(s *Storage) {
		s.level = level
	}
}

// New creates a disk-backed storage rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	s := &Storage{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		level:          zstd.SpeedDefault,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(s.level), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.enc = enc
	s.dec = dec
	s.sweepTrash()
	return s, nil
}

// Close releases the compression resources.
func (s *Storage) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Open returns the named bucket, creating it if absent.
func (s *Storage) Open(_ context.Context, name string) (bucket.Bucket, error) {
	if name == "" {
		return nil, bucket.ErrInvalidName
	}
	s.openMu.Lock()
	defer s.openMu.Unlock()

	dir := s.bucketDir(name)
	meta, err := readMeta(dir)
	if err == nil {
		return s.handle(name, meta), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, entriesDir), s.dirPerm); err != nil {
		return nil, err
	}
	meta = bucketMeta{Name: name, ID: uuid.NewString(), Created: s.nextStamp()}
	if err := s.createMeta(dir, meta); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		// Another process created it first.
		if meta, err = readMeta(dir); err != nil {
			return nil, err
		}
	}
	return s.handle(name, meta), nil
}

// Lookup returns the named bucket without creating it.
func (s *Storage) Lookup(_ context.Context, name string) (bucket.Bucket, bool, error) {
	if name == "" {
		return nil, false, nil
	}
	meta, err := readMeta(s.bucketDir(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s.handle(name, meta), true, nil
}

// Has reports whether the named bucket exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.Lookup(ctx, name)
	return ok, err
}

// Delete removes the named bucket.
//
// The bucket directory is first renamed out of the namespace so the name
// disappears atomically, then removed.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	s.openMu.Lock()
	defer s.openMu.Unlock()

	dir := s.bucketDir(name)
	trash := filepath.Join(s.dir, trashPref+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

// Keys returns bucket names in creation order.
func (s *Storage) Keys(context.Context) ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	metas := make([]bucketMeta, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		if _, err := hex.DecodeString(d.Name()); err != nil {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, d.Name()))
		if err != nil {
			// Half-created or concurrently deleted.
			continue
		}
		metas = append(metas, meta)
	}
	slices.SortFunc(metas, func(a, b bucketMeta) int {
		if a.Created != b.Created {
			if a.Created < b.Created {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names, nil
}

func (s *Storage) handle(name string, meta bucketMeta) *Bucket {
	return &Bucket{
		storage: s,
		name:    name,
		id:      meta.ID,
		dir:     s.bucketDir(name),
	}
}

func (s *Storage) bucketDir(name string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(name)))
}

// nextStamp returns a strictly increasing timestamp.
func (s *Storage) nextStamp() int64 {
	for {
		last := s.stamp.Load()
		now := time.Now().UnixNano()
		if now <= last {
			now = last + 1
		}
		if s.stamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// createMeta writes bucket.json, failing with os.ErrExist if it is already there.
func (s *Storage) createMeta(dir string, meta bucketMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "meta-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpPath, filepath.Join(dir, metaFile))
}

// sweepTrash removes directories left behind by an interrupted Delete.
func (s *Storage) sweepTrash() {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), trashPref) {
			_ = os.RemoveAll(filepath.Join(s.dir, d.Name()))
		}
	}
}

type bucketMeta struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Created int64  `json:"created"`
}

func readMeta(dir string) (bucketMeta, error) {
	var meta bucketMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile)) //nolint:gosec // dir is derived from the bucket name encoding
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	return meta, nil
}
