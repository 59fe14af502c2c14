package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps conversations in a single-connection SQLite database.
// Every operation checks the connection out of the pool and returns it before
// the operation completes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "create store dir", Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &StorageError{Op: fmt.Sprintf("apply pragma %q", pragma), Err: err}
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&found); err != nil {
			return err
		}
		if found > SchemaVersion {
			return &SchemaError{Path: s.path, Found: found, Want: SchemaVersion}
		}
		if found == SchemaVersion {
			return nil
		}

		schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			url             TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			messages        TEXT NOT NULL,
			device_id       TEXT NOT NULL DEFAULT '',
			content_hash    TEXT NOT NULL DEFAULT '',
			captured_at     INTEGER NOT NULL DEFAULT 0,
			last_modified   INTEGER NOT NULL DEFAULT 0,
			sync_status     TEXT NOT NULL DEFAULT 'pending',
			synced_at       INTEGER
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_conversation_id ON conversations(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_captured_at ON conversations(captured_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_sync_status ON conversations(sync_status);
		`
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion))
		return err
	})
}

func (s *SQLiteStore) withConn(ctx context.Context, op string, fn func(q queryer) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storageErr(op, err)
	}
	defer conn.Close()
	return storageErr(op, fn(conn))
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Put(ctx context.Context, rec *ConversationRecord) (int64, error) {
	var id int64
	err := s.withConn(ctx, "put", func(q queryer) error {
		var err error
		id, err = (&sqlOps{ctx: ctx, q: q}).Put(rec)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]ConversationRecord, error) {
	var out []ConversationRecord
	err := s.withConn(ctx, "get all", func(q queryer) error {
		var err error
		out, err = (&sqlOps{ctx: ctx, q: q}).query(selectColumns + " ORDER BY id")
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*ConversationRecord, error) {
	var rec *ConversationRecord
	err := s.withConn(ctx, "get", func(q queryer) error {
		var err error
		rec, err = (&sqlOps{ctx: ctx, q: q}).GetByID(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) FindByExternalID(ctx context.Context, externalID string) ([]ConversationRecord, error) {
	var out []ConversationRecord
	err := s.withConn(ctx, "find", func(q queryer) error {
		var err error
		out, err = (&sqlOps{ctx: ctx, q: q}).FindByExternalID(externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	return s.withConn(ctx, "delete", func(q queryer) error {
		return (&sqlOps{ctx: ctx, q: q}).Delete(id)
	})
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.withConn(ctx, "clear", func(q queryer) error {
		return (&sqlOps{ctx: ctx, q: q}).Clear()
	})
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return storageErr("update", s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqlOps{ctx: ctx, q: tx})
	}))
}

func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'device_id'").Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES ('device_id', ?)", id)
		return err
	})
	if err != nil {
		return "", storageErr("device id", err)
	}
	return id, nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `SELECT id, conversation_id, url, title, messages, device_id, content_hash,
	captured_at, last_modified, sync_status, synced_at FROM conversations`

type sqlOps struct {
	ctx context.Context
	q   queryer
}

// Clear leaves sqlite_sequence alone, so AUTOINCREMENT ids are not reused.
func (o *sqlOps) Clear() error {
	_, err := o.q.ExecContext(o.ctx, "DELETE FROM conversations")
	return err
}

func (o *sqlOps) GetByID(id int64) (*ConversationRecord, error) {
	recs, err := o.query(selectColumns+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

func (o *sqlOps) FindByExternalID(externalID string) ([]ConversationRecord, error) {
	return o.query(selectColumns+" WHERE conversation_id = ? ORDER BY id", externalID)
}

func (o *sqlOps) Put(rec *ConversationRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("put: nil record")
	}
	msgs := rec.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return 0, fmt.Errorf("encode messages: %w", err)
	}
	var syncedAt sql.NullInt64
	if rec.SyncedAt != nil {
		syncedAt = sql.NullInt64{Int64: *rec.SyncedAt, Valid: true}
	}

	if rec.ID == 0 {
		res, err := o.q.ExecContext(o.ctx,
			`INSERT INTO conversations (conversation_id, url, title, messages, device_id, content_hash,
				captured_at, last_modified, sync_status, synced_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExternalID, rec.URL, rec.Title, string(messages), rec.DeviceID, rec.ContentFingerprint,
			rec.CapturedAt, rec.LastModified, string(rec.SyncStatus), syncedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert conversation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		rec.ID = id
		return id, nil
	}

	_, err = o.q.ExecContext(o.ctx,
		`INSERT OR REPLACE INTO conversations (id, conversation_id, url, title, messages, device_id, content_hash,
			captured_at, last_modified, sync_status, synced_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExternalID, rec.URL, rec.Title, string(messages), rec.DeviceID, rec.ContentFingerprint,
		rec.CapturedAt, rec.LastModified, string(rec.SyncStatus), syncedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("replace conversation %d: %w", rec.ID, err)
	}
	return rec.ID, nil
}

func (o *sqlOps) Delete(id int64) error {
	_, err := o.q.ExecContext(o.ctx, "DELETE FROM conversations WHERE id = ?", id)
	return err
}

func (o *sqlOps) query(query string, args ...any) ([]ConversationRecord, error) {
	rows, err := o.q.QueryContext(o.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ConversationRecord{}
	for rows.Next() {
		var rec ConversationRecord
		var messages string
		var status string
		var syncedAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.URL, &rec.Title, &messages, &rec.DeviceID,
			&rec.ContentFingerprint, &rec.CapturedAt, &rec.LastModified, &status, &syncedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
			return nil, fmt.Errorf("decode messages of %d: %w", rec.ID, err)
		}
		rec.SyncStatus = SyncStatus(status)
		if syncedAt.Valid {
			v := syncedAt.Int64
			rec.SyncedAt = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
