// Package archive persists raw API pages in sqlite files for later replay.
// Each archive holds one fetch session: the sanitized request/response pairs
// plus a metadata descriptor of the parameters the session was run with.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicate is returned when a request key is stored twice.
	ErrDuplicate = errors.New("page already archived")
	// ErrNotFound is returned when a request key has no archived page.
	ErrNotFound = errors.New("page not found in archive")
)

// Archive stores and retrieves raw response pages keyed by the hash of a
// sanitized (url, headers, params) tuple.
type Archive struct {
	db   *sql.DB
	path string
}

// Metadata describes the fetch session an archive was recorded with. The
// descriptor is enough to replay the session without credentials, since
// request keys are hashed after sanitization.
type Metadata struct {
	Origin         string
	BackendName    string
	BackendVersion string
	Category       string
	Tagged         string
	Tag            string
	PageSize       int
	Since          time.Time
	CreatedAt      time.Time
}

// Open opens the archive at path, creating the file and schema if needed.
func Open(path string) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Archive{db: db, path: path}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Path returns the file the archive is stored in.
func (a *Archive) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Store records one response under the key derived from the request tuple.
// The tuple must already be sanitized by the caller.
func (a *Archive) Store(ctx context.Context, rawURL string, header http.Header, params url.Values, statusCode int, body []byte) error {
	if a == nil || a.db == nil {
		return errors.New("archive is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("url is required")
	}

	hash := requestHash(rawURL, header, params)

	var exists int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages WHERE request_hash = ?", hash).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check archived page: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("store %s: %w", rawURL, ErrDuplicate)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO pages (request_hash, url, params, headers, status_code, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		hash,
		rawURL,
		params.Encode(),
		canonicalHeader(header),
		statusCode,
		body,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store page: %w", err)
	}

	return nil
}

// Retrieve returns the status code and body recorded for the request tuple.
func (a *Archive) Retrieve(ctx context.Context, rawURL string, header http.Header, params url.Values) (int, []byte, error) {
	if a == nil || a.db == nil {
		return 0, nil, errors.New("archive is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	hash := requestHash(rawURL, header, params)

	var (
		statusCode int
		body       []byte
	)
	err := a.db.QueryRowContext(ctx, "SELECT status_code, body FROM pages WHERE request_hash = ?", hash).Scan(&statusCode, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("retrieve %s: %w", rawURL, ErrNotFound)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("retrieve page: %w", err)
	}

	return statusCode, body, nil
}

// Count returns the number of archived pages.
func (a *Archive) Count(ctx context.Context) (int, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("archive is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// WriteMetadata records the session descriptor. Called once, right after the
// archive is created.
func (a *Archive) WriteMetadata(ctx context.Context, m Metadata) error {
	if a == nil || a.db == nil {
		return errors.New("archive is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(m.Origin) == "" {
		return errors.New("origin is required")
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	entries := map[string]string{
		"origin":          m.Origin,
		"backend_name":    m.BackendName,
		"backend_version": m.BackendVersion,
		"category":        m.Category,
		"tagged":          m.Tagged,
		"tag":             m.Tag,
		"page_size":       strconv.Itoa(m.PageSize),
		"since":           formatTime(m.Since),
		"created_at":      formatTime(createdAt),
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write metadata %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}

	return nil
}

// Metadata reads the session descriptor written by WriteMetadata.
func (a *Archive) Metadata(ctx context.Context) (Metadata, error) {
	if a == nil || a.db == nil {
		return Metadata{}, errors.New("archive is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := a.db.QueryContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Metadata{}, fmt.Errorf("scan metadata: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterate metadata: %w", err)
	}

	if values["origin"] == "" {
		return Metadata{}, errors.New("archive has no session metadata")
	}

	m := Metadata{
		Origin:         values["origin"],
		BackendName:    values["backend_name"],
		BackendVersion: values["backend_version"],
		Category:       values["category"],
		Tagged:         values["tagged"],
		Tag:            values["tag"],
	}
	if v := values["page_size"]; v != "" {
		m.PageSize, err = strconv.Atoi(v)
		if err != nil {
			return Metadata{}, fmt.Errorf("parse page_size: %w", err)
		}
	}
	m.Since, err = parseTime(values["since"])
	if err != nil {
		return Metadata{}, fmt.Errorf("parse since: %w", err)
	}
	m.CreatedAt, err = parseTime(values["created_at"])
	if err != nil {
		return Metadata{}, fmt.Errorf("parse created_at: %w", err)
	}

	return m, nil
}

// requestHash derives the storage key for a sanitized request tuple.
// url.Values.Encode sorts by key, so equal tuples always hash equal.
func requestHash(rawURL string, header http.Header, params url.Values) string {
	var b strings.Builder
	b.WriteString(rawURL)
	b.WriteByte('\n')
	b.WriteString(params.Encode())
	b.WriteByte('\n')
	b.WriteString(canonicalHeader(header))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalHeader(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(header[k], ","))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
