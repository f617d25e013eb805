// Package disk stores instance records as JSON documents on a local or
// shared POSIX filesystem. Writes are atomic (temp file plus rename) and
// serialised per identity with an in-process mutex and an fcntl lock, so
// several tenantd processes may share one root.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/uuidv7"
)

const recordSuffix = ".json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	recordDir string
	tmpDir    string
	lockDir   string

	locks sync.Map
}

var globalLocks sync.Map

// globalKeyMutex serialises stores in the same process that share a root.
func globalKeyMutex(path string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// envelope is the on-disk document: the record plus its ETag.
type envelope struct {
	ETag   string          `json:"etag"`
	Record *storage.Record `json:"record"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		recordDir: filepath.Join(root, "records"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
	}
	for _, dir := range []string{s.recordDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) keyLock(encoded string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(encoded, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("disk: identity required")
	}
	encoded := url.PathEscape(id)
	if strings.Contains(encoded, "..") || strings.ContainsAny(encoded, `/\`) {
		return "", fmt.Errorf("disk: invalid identity %q", id)
	}
	return encoded, nil
}

func (s *Store) recordPath(encoded string) string {
	return filepath.Join(s.recordDir, encoded+recordSuffix)
}

// lock takes the process-wide, store-local and file locks for encoded, in
// that order. The returned func releases them.
func (s *Store) lock(encoded string) (func() error, error) {
	glob := globalKeyMutex(s.recordPath(encoded))
	glob.Lock()
	mu := s.keyLock(encoded)
	mu.Lock()
	fl, err := acquireFileLock(filepath.Join(s.lockDir, encoded+".lock"))
	if err != nil {
		mu.Unlock()
		glob.Unlock()
		return nil, err
	}
	return func() error {
		err := fl.Unlock()
		mu.Unlock()
		glob.Unlock()
		return err
	}, nil
}

func (s *Store) readEnvelope(encoded string) (*envelope, error) {
	f, err := os.Open(s.recordPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open record: %w", err)
	}
	defer f.Close()
	var env envelope
	dec := json.NewDecoder(f)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("disk: decode record: %w", err)
	}
	if env.Record == nil {
		env.Record = &storage.Record{}
	}
	return &env, nil
}

// LoadRecord reads the record for id.
func (s *Store) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	logger := s.loggers(ctx)
	encoded, err := encodeID(id)
	if err != nil {
		return storage.LoadResult{}, err
	}
	logger.Trace("disk.load_record.begin", "instance", id)
	env, err := s.readEnvelope(encoded)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.load_record.error", "instance", id, "error", err)
		}
		return storage.LoadResult{}, err
	}
	return storage.LoadResult{Record: env.Record, ETag: env.ETag}, nil
}

// StoreRecord persists rec for id with conditional semantics.
func (s *Store) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (etag string, err error) {
	logger := s.loggers(ctx)
	start := time.Now()
	if rec == nil {
		return "", fmt.Errorf("disk: record nil")
	}
	encoded, err := encodeID(id)
	if err != nil {
		return "", err
	}
	unlock, err := s.lock(encoded)
	if err != nil {
		logger.Debug("disk.store_record.filelock_error", "instance", id, "error", err)
		return "", err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	current, err := s.readEnvelope(encoded)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Debug("disk.store_record.read_error", "instance", id, "error", err)
		return "", err
	}
	switch {
	case expectedETag == "" && exists:
		logger.Debug("disk.store_record.cas_exists", "instance", id, "current_etag", current.ETag)
		return "", storage.ErrCASMismatch
	case expectedETag != "" && !exists:
		logger.Debug("disk.store_record.cas_not_found", "instance", id, "expected_etag", expectedETag)
		return "", storage.ErrCASMismatch
	case expectedETag != "" && current.ETag != expectedETag:
		logger.Debug("disk.store_record.cas_mismatch", "instance", id, "expected_etag", expectedETag, "current_etag", current.ETag)
		return "", storage.ErrCASMismatch
	}

	env := envelope{ETag: uuidv7.NewCompact(), Record: rec}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("disk: encode record: %w", err)
	}
	if err := s.writeAtomic(s.recordPath(encoded), payload); err != nil {
		logger.Debug("disk.store_record.write_error", "instance", id, "error", err)
		return "", err
	}
	logger.Trace("disk.store_record.success", "instance", id, "etag", env.ETag, "elapsed", time.Since(start))
	return env.ETag, nil
}

// DeleteRecord removes the record for id. An empty expectedETag deletes
// unconditionally.
func (s *Store) DeleteRecord(ctx context.Context, id string, expectedETag string) (err error) {
	logger := s.loggers(ctx)
	encoded, err := encodeID(id)
	if err != nil {
		return err
	}
	unlock, err := s.lock(encoded)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	current, err := s.readEnvelope(encoded)
	if err != nil {
		return err
	}
	if expectedETag != "" && current.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(s.recordPath(encoded)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove record: %w", err)
	}
	_ = syncDir(s.recordDir)
	logger.Debug("disk.delete_record.success", "instance", id)
	return nil
}

// ListRecords returns the identities stored under the root.
func (s *Store) ListRecords(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.recordDir)
	if err != nil {
		return nil, fmt.Errorf("disk: list records: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), recordSuffix))
		if err != nil {
			s.loggers(ctx).Debug("disk.list_records.skip", "file", entry.Name(), "error", err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "tenantd-record-*")
	if err != nil {
		return fmt.Errorf("disk: create temp: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return fmt.Errorf("disk: write temp: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		cleanup()
		return fmt.Errorf("disk: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename record: %w", err)
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}
