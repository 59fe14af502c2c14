package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketByExternalID  = []byte("idx_conversation_id")
	bucketByCapturedAt  = []byte("idx_captured_at")
	bucketBySyncStatus  = []byte("idx_sync_status")
	bucketMeta          = []byte("meta")

	keySchemaVersion = []byte("schema_version")
	keyDeviceID      = []byte("device_id")
)

var indexBuckets = [][]byte{bucketByExternalID, bucketByCapturedAt, bucketBySyncStatus}

// BoltStore keeps conversations in a bbolt file. The file is opened for each
// operation and closed before the operation returns, so no handle outlives
// the call that acquired it.
type BoltStore struct {
	path    string
	timeout time.Duration

	mu sync.Mutex
}

func OpenBolt(path string, opts Options) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "create store dir", Err: err}
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	s := &BoltStore{path: path, timeout: timeout}
	if err := s.withDB(context.Background(), func(db *bolt.DB) error {
		return db.Update(s.migrate)
	}); err != nil {
		return nil, storageErr("migrate", err)
	}
	return s, nil
}

func (s *BoltStore) Path() string { return s.path }

// Close is a no-op: no connection is held between operations.
func (s *BoltStore) Close() error { return nil }

func (s *BoltStore) withDB(ctx context.Context, fn func(db *bolt.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return &StorageError{Op: "open", Err: err}
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func (s *BoltStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	err := s.withDB(ctx, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			if err := s.checkVersion(tx); err != nil {
				return err
			}
			return fn(tx)
		})
	})
	return storageErr(op, err)
}

func (s *BoltStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	err := s.withDB(ctx, func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			if err := s.checkVersion(tx); err != nil {
				return err
			}
			return fn(tx)
		})
	})
	return storageErr(op, err)
}

func (s *BoltStore) checkVersion(tx *bolt.Tx) error {
	found := storedVersion(tx)
	if found != SchemaVersion {
		return &SchemaError{Path: s.path, Found: found, Want: SchemaVersion}
	}
	return nil
}

func storedVersion(tx *bolt.Tx) int {
	meta := tx.Bucket(bucketMeta)
	if meta == nil {
		return 0
	}
	raw := meta.Get(keySchemaVersion)
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}

// migrate brings an older file up to SchemaVersion. Missing index buckets are
// created and backfilled from the records already present.
func (s *BoltStore) migrate(tx *bolt.Tx) error {
	found := storedVersion(tx)
	if found > SchemaVersion {
		return &SchemaError{Path: s.path, Found: found, Want: SchemaVersion}
	}
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return err
	}
	convs, err := tx.CreateBucketIfNotExists(bucketConversations)
	if err != nil {
		return err
	}
	if found == SchemaVersion {
		return nil
	}

	backfill := false
	for _, name := range indexBuckets {
		if tx.Bucket(name) != nil {
			continue
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		backfill = true
	}
	if backfill {
		// An index created by a partial earlier upgrade may hold some entries
		// already; indexing is idempotent so every record is reindexed.
		if err := convs.ForEach(func(k, v []byte) error {
			var rec ConversationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %d: %w", btoi(k), err)
			}
			rec.ID = btoi(k)
			return putIndexes(tx, &rec)
		}); err != nil {
			return err
		}
	}
	return meta.Put(keySchemaVersion, itob(SchemaVersion))
}

func (s *BoltStore) Put(ctx context.Context, rec *ConversationRecord) (int64, error) {
	var id int64
	err := s.update(ctx, "put", func(tx *bolt.Tx) error {
		var err error
		id, err = (&boltTx{tx: tx}).Put(rec)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *BoltStore) GetAll(ctx context.Context) ([]ConversationRecord, error) {
	out := []ConversationRecord{}
	err := s.view(ctx, "get all", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetByID(ctx context.Context, id int64) (*ConversationRecord, error) {
	var rec *ConversationRecord
	err := s.view(ctx, "get", func(tx *bolt.Tx) error {
		var err error
		rec, err = (&boltTx{tx: tx}).GetByID(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) FindByExternalID(ctx context.Context, externalID string) ([]ConversationRecord, error) {
	var out []ConversationRecord
	err := s.view(ctx, "find", func(tx *bolt.Tx) error {
		var err error
		out, err = (&boltTx{tx: tx}).FindByExternalID(externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, id int64) error {
	return s.update(ctx, "delete", func(tx *bolt.Tx) error {
		return (&boltTx{tx: tx}).Delete(id)
	})
}

func (s *BoltStore) Clear(ctx context.Context) error {
	return s.update(ctx, "clear", func(tx *bolt.Tx) error {
		return (&boltTx{tx: tx}).Clear()
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.update(ctx, "update", func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.update(ctx, "device id", func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyDeviceID); len(raw) > 0 {
			id = string(raw)
			return nil
		}
		id = uuid.NewString()
		return meta.Put(keyDeviceID, []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Clear() error {
	// ids are never reused, so the sequence survives the wipe.
	seq := t.tx.Bucket(bucketConversations).Sequence()
	for _, name := range append([][]byte{bucketConversations}, indexBuckets...) {
		if err := t.tx.DeleteBucket(name); err != nil {
			return err
		}
		if _, err := t.tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return t.tx.Bucket(bucketConversations).SetSequence(seq)
}

func (t *boltTx) GetByID(id int64) (*ConversationRecord, error) {
	v := t.tx.Bucket(bucketConversations).Get(itob(id))
	if v == nil {
		return nil, ErrNotFound
	}
	rec, err := decodeRecord(itob(id), v)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *boltTx) FindByExternalID(externalID string) ([]ConversationRecord, error) {
	out := []ConversationRecord{}
	convs := t.tx.Bucket(bucketConversations)
	prefix := append([]byte(externalID), 0)
	c := t.tx.Bucket(bucketByExternalID).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		idKey := k[len(prefix):]
		v := convs.Get(idKey)
		if v == nil {
			continue
		}
		rec, err := decodeRecord(idKey, v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *boltTx) Put(rec *ConversationRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("put: nil record")
	}
	convs := t.tx.Bucket(bucketConversations)
	id := rec.ID
	if id == 0 {
		seq, err := convs.NextSequence()
		if err != nil {
			return 0, err
		}
		id = int64(seq)
	} else {
		if old := convs.Get(itob(id)); old != nil {
			prev, err := decodeRecord(itob(id), old)
			if err != nil {
				return 0, err
			}
			if err := deleteIndexes(t.tx, &prev); err != nil {
				return 0, err
			}
		}
		if uint64(id) > convs.Sequence() {
			if err := convs.SetSequence(uint64(id)); err != nil {
				return 0, err
			}
		}
	}

	stored := rec.Clone()
	stored.ID = id
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	if err := convs.Put(itob(id), data); err != nil {
		return 0, err
	}
	if err := putIndexes(t.tx, &stored); err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func (t *boltTx) Delete(id int64) error {
	convs := t.tx.Bucket(bucketConversations)
	v := convs.Get(itob(id))
	if v == nil {
		return nil
	}
	rec, err := decodeRecord(itob(id), v)
	if err != nil {
		return err
	}
	if err := deleteIndexes(t.tx, &rec); err != nil {
		return err
	}
	return convs.Delete(itob(id))
}

func indexKeys(rec *ConversationRecord) map[string][]byte {
	id := itob(rec.ID)
	return map[string][]byte{
		string(bucketByExternalID): concat([]byte(rec.ExternalID), []byte{0}, id),
		string(bucketByCapturedAt): concat(itob(rec.CapturedAt), id),
		string(bucketBySyncStatus): concat([]byte(rec.SyncStatus), []byte{0}, id),
	}
}

func putIndexes(tx *bolt.Tx, rec *ConversationRecord) error {
	for name, key := range indexKeys(rec) {
		if err := tx.Bucket([]byte(name)).Put(key, []byte{}); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}

func deleteIndexes(tx *bolt.Tx, rec *ConversationRecord) error {
	for name, key := range indexKeys(rec) {
		if err := tx.Bucket([]byte(name)).Delete(key); err != nil {
			return fmt.Errorf("unindex %s: %w", name, err)
		}
	}
	return nil
}

func decodeRecord(k, v []byte) (ConversationRecord, error) {
	var rec ConversationRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return ConversationRecord{}, fmt.Errorf("decode record %d: %w", btoi(k), err)
	}
	rec.ID = btoi(k)
	return rec, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
