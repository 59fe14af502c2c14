package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func writeLegacyBoltFile(t *testing.T, path string, version int, recs ...ConversationRecord) {
	t.Helper()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open legacy file: %v", err)
	}
	defer db.Close()
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keySchemaVersion, itob(int64(version))); err != nil {
			return err
		}
		convs, err := tx.CreateBucketIfNotExists(bucketConversations)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			seq, _ := convs.NextSequence()
			data, _ := json.Marshal(rec)
			if err := convs.Put(itob(int64(seq)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write legacy file: %v", err)
	}
}

func TestOpenBoltUpgradesVersionOneAndBackfillsIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	writeLegacyBoltFile(t, path, 1,
		*sampleRecord("c1", "a"),
		*sampleRecord("c2", "b"),
	)

	st, err := OpenBolt(path, Options{})
	if err != nil {
		t.Fatalf("open legacy store: %v", err)
	}
	ctx := context.Background()

	all, err := st.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected upgrade to keep 2 records, got %d", len(all))
	}

	matches, err := st.FindByExternalID(ctx, "c2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 2 {
		t.Fatalf("expected backfilled index to find record 2, got %+v", matches)
	}

	id, err := st.Put(ctx, sampleRecord("c3", "c"))
	if err != nil {
		t.Fatalf("put after upgrade: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected id sequence to continue at 3, got %d", id)
	}
}

func TestOpenBoltRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	writeLegacyBoltFile(t, path, SchemaVersion+1, *sampleRecord("c1", "a"))

	_, err := OpenBolt(path, Options{})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if schemaErr.Found != SchemaVersion+1 || schemaErr.Want != SchemaVersion {
		t.Fatalf("unexpected schema error fields %+v", schemaErr)
	}

	// The file must not have been touched.
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	_ = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketByExternalID) != nil {
			t.Fatalf("expected no index bucket to be created on a rejected store")
		}
		if n := tx.Bucket(bucketConversations).Stats().KeyN; n != 1 {
			t.Fatalf("expected the record to survive, got %d keys", n)
		}
		return nil
	})
}

func TestBoltOperationsDetectSchemaChangeAfterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	st, err := OpenBolt(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	_ = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, itob(SchemaVersion+1))
	})
	db.Close()

	_, err = st.GetAll(context.Background())
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError from operation, got %v", err)
	}
}

func TestBoltReleasesFileBetweenOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	st, err := OpenBolt(path, Options{OpenTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.Put(context.Background(), sampleRecord("c1", "a")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second handle can only take the file lock if the store let go of it.
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected file to be free between operations: %v", err)
	}
	db.Close()
}

func TestBoltPersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	first, err := OpenBolt(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	id, _ := first.Put(ctx, sampleRecord("c1", "a"))
	device, _ := first.DeviceID(ctx)

	second, err := OpenBolt(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := second.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if rec.ExternalID != "c1" {
		t.Fatalf("expected c1, got %q", rec.ExternalID)
	}
	if again, _ := second.DeviceID(ctx); again != device {
		t.Fatalf("expected device id %q to persist, got %q", device, again)
	}
}

func TestRecreateRemovesStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	writeLegacyBoltFile(t, path, SchemaVersion+1)

	if err := Recreate("bolt://" + path); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	st, err := OpenBolt(path, Options{})
	if err != nil {
		t.Fatalf("expected fresh store after recreate, got %v", err)
	}
	if all, _ := st.GetAll(context.Background()); len(all) != 0 {
		t.Fatalf("expected empty store, got %d records", len(all))
	}
}
