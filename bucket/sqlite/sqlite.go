// Package sqlite provides a bucket storage backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/meigma/offline/bucket"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL UNIQUE,
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    bucket_id   TEXT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
    key         TEXT NOT NULL,
    url         TEXT NOT NULL,
    status      INTEGER NOT NULL,
    status_text TEXT NOT NULL DEFAULT '',
    header      TEXT NOT NULL DEFAULT '{}',
    type        TEXT NOT NULL,
    body        BLOB,
    digest      TEXT NOT NULL,
    stored_at   DATETIME NOT NULL,
    UNIQUE(bucket_id, key)
);
`

// Storage implements bucket.Storage in a SQLite database.
type Storage struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at dbPath and initializes the schema.
func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database %s: %w", dbPath, err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to initialize schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Open returns the named bucket, creating it if absent.
func (s *Storage) Open(ctx context.Context, name string) (bucket.Bucket, error) {
	if name == "" {
		return nil, bucket.ErrInvalidName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		uuid.NewString(), name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open bucket: %w", err)
	}
	b, ok, err := s.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sqlite: bucket %q vanished during open", name)
	}
	return b, nil
}

// Lookup returns the named bucket without creating it.
func (s *Storage) Lookup(ctx context.Context, name string) (bucket.Bucket, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM buckets WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: lookup bucket: %w", err)
	}
	return &Bucket{db: s.db, name: name, id: id}, true, nil
}

// Has reports whether the named bucket exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.Lookup(ctx, name)
	return ok, err
}

// Delete removes the named bucket and its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete bucket: %w", err)
	}
	return n > 0, nil
}

// Keys returns bucket names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scan bucket: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Bucket implements bucket.Bucket over the entries table.
type Bucket struct {
	db   *sql.DB
	name string
	id   string
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Match returns the response stored under key.
//
// Rows whose body does not match the stored digest are deleted and reported
// as a miss.
func (b *Bucket) Match(ctx context.Context, key string) (*bucket.Response, bool, error) {
	var (
		resp   bucket.Response
		header string
		typ    string
		dgst   string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT url, status, status_text, header, type, body, digest
		 FROM entries WHERE bucket_id = ? AND key = ?`, b.id, key).
		Scan(&resp.URL, &resp.Status, &resp.StatusText, &header, &typ, &resp.Body, &dgst)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: match: %w", err)
	}

	if err := verify(resp.Body, dgst); err != nil {
		_, _ = b.Delete(ctx, key)
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("sqlite: decode header: %w", err)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if len(resp.Body) == 0 {
		resp.Body = nil
	}
	resp.Type = bucket.ResponseType(typ)
	return &resp, true, nil
}

// Put stores resp under key.
func (b *Bucket) Put(ctx context.Context, key string, resp *bucket.Response) error {
	return b.PutAll(ctx, []bucket.Entry{{Key: key, Response: resp}})
}

// PutAll stores every entry in a single transaction.
func (b *Bucket) PutAll(ctx context.Context, entries []bucket.Entry) error {
	for _, e := range entries {
		if e.Key == "" {
			return bucket.ErrInvalidKey
		}
		if e.Response == nil {
			return bucket.ErrNilResponse
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE id = ?`, b.id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return bucket.ErrBucketDeleted
	}
	if err != nil {
		return fmt.Errorf("sqlite: check bucket: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		header, err := json.Marshal(e.Response.Header)
		if err != nil {
			return fmt.Errorf("sqlite: encode header: %w", err)
		}
		body := e.Response.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (bucket_id, key, url, status, status_text, header, type, body, digest, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bucket_id, key) DO UPDATE SET
			   url = excluded.url,
			   status = excluded.status,
			   status_text = excluded.status_text,
			   header = excluded.header,
			   type = excluded.type,
			   body = excluded.body,
			   digest = excluded.digest,
			   stored_at = excluded.stored_at`,
			b.id, e.Key, e.Response.URL, e.Response.Status, e.Response.StatusText,
			string(header), string(e.Response.Type), body, digest.FromBytes(body).String(), now)
		if err != nil {
			return fmt.Errorf("sqlite: put %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Delete removes the entry stored under key.
func (b *Bucket) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket_id = ? AND key = ?`, b.id, key)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete entry: %w", err)
	}
	return n > 0, nil
}

// Keys returns stored keys in insertion order.
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM entries WHERE bucket_id = ? ORDER BY seq`, b.id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: scan entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func verify(body []byte, s string) error {
	d, err := digest.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %w", bucket.ErrCorrupt, err)
	}
	if d != d.Algorithm().FromBytes(body) {
		return fmt.Errorf("%w: digest mismatch", bucket.ErrCorrupt)
	}
	return nil
}
