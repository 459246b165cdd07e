package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

const listPageSize = 500

// LocalFileStorage is an ObjectStore implementation that stores object
// payloads on the local filesystem and keeps object metadata in SQLite.
//
// Payloads are laid out under dataDir by container, with each key addressed by
// the SHA-256 hash of its name and the first two characters of that hash used
// as a subdirectory prefix.
type LocalFileStorage struct {
	dataDir string
	baseURL string
	db      *sql.DB

	// mu serializes writes, deletes and opens so a payload and its row
	// always describe the same upload.
	mu sync.Mutex
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir. Object
// URLs are built from baseURL; when empty a file:// URL rooted at dataDir is
// used.
func NewLocalFileStorage(ctx context.Context, dataDir string, baseURL string) (*LocalFileStorage, error) {
	if dataDir == "" {
		return nil, errors.New("dataDir must not be empty")
	}

	if err := os.MkdirAll(filepath.Join(dataDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dataDir, "metadata.sqlite") + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if baseURL == "" {
		baseURL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(dataDir)}).String()
	}

	return &LocalFileStorage{
		dataDir: dataDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		db:      db,
	}, nil
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("apply migration %s: %w", path, execError)
		}
		return nil
	})
}

// Close releases the metadata database.
func (s *LocalFileStorage) Close() error {
	return s.db.Close()
}

// ObjectPath computes the full filesystem path for key within the given
// container.
func ObjectPath(directory string, container string, key string) string {
	sum := sha256.Sum256([]byte(key))
	hashHex := hex.EncodeToString(sum[:])
	return filepath.Join(directory, container, hashHex[:2], hashHex)
}

func (s *LocalFileStorage) EnsureContainer(ctx context.Context, container string) error {
	if container == "" {
		return errors.New("container name must not be empty")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO containers(name, created_at) VALUES(?, ?)`,
		container, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("ensure container %q: %w", container, err)
	}

	return os.MkdirAll(filepath.Join(s.dataDir, container), 0o755)
}

func (s *LocalFileStorage) PutObject(ctx context.Context, container string, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if key == "" {
		return ObjectInfo{}, errors.New("object key must not be empty")
	}

	if err := s.EnsureContainer(ctx, container); err != nil {
		return ObjectInfo{}, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dataDir, ".tmp"), "upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()
	defer RemoveIfExists(tempPath)

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("write payload for %q: %w", key, err)
	}

	if size >= 0 && written != size {
		return ObjectInfo{}, fmt.Errorf("payload size mismatch for %q: expected %d bytes, got %d", key, size, written)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info := ObjectInfo{
		Key:         key,
		Size:        written,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
	}

	objPath := ObjectPath(s.dataDir, container, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The row is written first and only committed once the payload is in
	// place, so a failed write leaves the previous object untouched.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("begin write of %q: %w", key, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects(container, key, hash, size, content_type, etag, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(container, key) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			content_type = excluded.content_type,
			etag = excluded.etag,
			created_at = excluded.created_at`,
		container, key, filepath.Base(objPath), info.Size, info.ContentType, info.ETag, info.CreatedAt,
	)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("record object %q: %w", key, err)
	}

	backupPath := objPath + ".prev"
	hadPrevious, err := setAside(objPath, backupPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("set aside previous payload: %w", err)
	}

	restore := func() {
		if err := RemoveIfExists(objPath); err != nil {
			slog.Error("Failed to remove partial payload", "container", container, "key", key, "err", err)
		}
		if !hadPrevious {
			return
		}
		if err := os.Rename(backupPath, objPath); err != nil {
			slog.Error("Failed to restore previous payload", "container", container, "key", key, "err", err)
		}
	}

	if err := MoveFile(tempPath, objPath); err != nil {
		restore()
		return ObjectInfo{}, fmt.Errorf("move payload into place: %w", err)
	}

	if err := tx.Commit(); err != nil {
		restore()
		return ObjectInfo{}, fmt.Errorf("commit object %q: %w", key, err)
	}

	if hadPrevious {
		if err := RemoveIfExists(backupPath); err != nil {
			slog.Warn("Failed to remove previous payload", "path", backupPath, "err", err)
		}
	}

	return info, nil
}

// setAside renames an existing file at path to backupPath. It reports whether
// there was anything to move.
func setAside(path string, backupPath string) (bool, error) {
	err := os.Rename(path, backupPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// GetObject opens the payload of key. The metadata and the opened file are
// read under the write lock, so the returned size always matches the bytes
// the reader yields even if the object is overwritten afterwards.
func (s *LocalFileStorage) GetObject(ctx context.Context, container string, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.StatObject(ctx, container, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(ObjectPath(s.dataDir, container, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, err
	}

	return f, info, nil
}

func (s *LocalFileStorage) ObjectExists(ctx context.Context, container string, key string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE container = ? AND key = ?`,
		container, key,
	).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *LocalFileStorage) StatObject(ctx context.Context, container string, key string) (ObjectInfo, error) {
	info := ObjectInfo{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT size, content_type, etag, created_at FROM objects WHERE container = ? AND key = ?`,
		container, key,
	).Scan(&info.Size, &info.ContentType, &info.ETag, &info.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ObjectInfo{}, ErrNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object %q: %w", key, err)
	}

	return info, nil
}

func (s *LocalFileStorage) DeleteObject(ctx context.Context, container string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE container = ? AND key = ?`, container, key)
	if err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return RemoveIfExists(ObjectPath(s.dataDir, container, key))
}

func (s *LocalFileStorage) ListObjects(ctx context.Context, container string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		after := ""
		for {
			page, err := s.listPage(ctx, container, after)
			if err != nil {
				yield(ObjectInfo{}, err)
				return
			}

			for _, info := range page {
				if !yield(info, nil) {
					return
				}
			}

			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].Key
		}
	}
}

// listPage reads one page of metadata rows and closes the cursor before
// returning, so callers may issue further queries while iterating.
func (s *LocalFileStorage) listPage(ctx context.Context, container string, after string) ([]ObjectInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, size, content_type, etag, created_at FROM objects
		 WHERE container = ? AND key > ?
		 ORDER BY key
		 LIMIT ?`,
		container, after, listPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects in %q: %w", container, err)
	}
	defer rows.Close()

	page := make([]ObjectInfo, 0, listPageSize)
	for rows.Next() {
		var info ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size, &info.ContentType, &info.ETag, &info.CreatedAt); err != nil {
			return nil, err
		}
		page = append(page, info)
	}

	return page, rows.Err()
}

func (s *LocalFileStorage) ObjectURL(container string, key string) string {
	return s.baseURL + "/" + url.PathEscape(container) + "/" + url.PathEscape(key)
}
