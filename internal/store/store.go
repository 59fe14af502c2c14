package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion is the layout this build reads and writes. Version 1 had only
// the primary table; version 2 added the conversation id, captured-at and
// sync-status indexes.
const SchemaVersion = 2

var (
	ErrNotFound = errors.New("conversation not found")
	ErrStorage  = errors.New("storage failure")
)

// StorageError reports a failure of the underlying medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// SchemaError means the persisted store was written by a build with an
// incompatible layout. The store is unusable until it is recreated.
type SchemaError struct {
	Path  string
	Found int
	Want  int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("store %s has schema version %d, this build supports %d (run 'convarchive reset --force' to recreate it)", e.Path, e.Found, e.Want)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var sch *SchemaError
	if errors.As(err, &se) || errors.As(err, &sch) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Tx is the view of the store inside one atomic read-modify-write unit.
type Tx interface {
	GetByID(id int64) (*ConversationRecord, error)
	FindByExternalID(externalID string) ([]ConversationRecord, error)
	Put(rec *ConversationRecord) (int64, error)
	Delete(id int64) error
	// Clear removes every record. The id sequence is kept.
	Clear() error
}

// Store is a durable table of conversation records keyed by id with a
// secondary lookup by external conversation id. Returned records are
// snapshots; mutating them does not affect the store.
type Store interface {
	Put(ctx context.Context, rec *ConversationRecord) (int64, error)
	GetAll(ctx context.Context) ([]ConversationRecord, error)
	GetByID(ctx context.Context, id int64) (*ConversationRecord, error)
	FindByExternalID(ctx context.Context, externalID string) ([]ConversationRecord, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	DeviceID(ctx context.Context) (string, error)
	Close() error
}

type Options struct {
	// OpenTimeout bounds how long opening the store file may wait on a lock
	// held by another process.
	OpenTimeout time.Duration
}

// Open builds a store from a DSN: bolt://path, sqlite://path or memory://.
// A bare path is treated as a bolt file.
func Open(dsn string, opts Options) (Store, error) {
	scheme, path, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "bolt", "bbolt":
		return OpenBolt(path, opts)
	case "sqlite", "sqlite3":
		return OpenSQLite(path)
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// Recreate removes the persisted store behind dsn so the next Open starts
// empty. All archived conversations are lost.
func Recreate(dsn string) error {
	scheme, path, err := parseDSN(dsn)
	if err != nil {
		return err
	}
	if scheme == "memory" || scheme == "mem" || scheme == "inmem" {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func parseDSN(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty store dsn")
	}
	if !strings.Contains(dsn, "://") {
		return "bolt", filepath.Clean(dsn), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("parse store dsn: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme == "memory" || scheme == "mem" || scheme == "inmem" {
		return scheme, "", nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if path == "" {
		return "", "", fmt.Errorf("store dsn %q has no path", dsn)
	}
	return scheme, filepath.Clean(path), nil
}
