package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. Records are copied on the way in and
// on the way out, so callers only ever hold snapshots.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[int64]ConversationRecord
	seq      int64
	deviceID string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[int64]ConversationRecord)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Put(ctx context.Context, rec *ConversationRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryTx)(m).Put(rec)
}

func (m *MemoryStore) GetAll(ctx context.Context) ([]ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConversationRecord, 0, len(m.records))
	for _, id := range m.sortedIDs() {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryTx)(m).GetByID(id)
}

func (m *MemoryStore) FindByExternalID(ctx context.Context, externalID string) ([]ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryTx)(m).FindByExternalID(externalID)
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryTx)(m).Delete(id)
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryTx)(m).Clear()
}

// Update runs fn against a scratch copy and swaps it in only when fn
// succeeds, so a failed unit leaves the previous state untouched.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	scratch := &MemoryStore{records: make(map[int64]ConversationRecord, len(m.records)), seq: m.seq}
	for id, rec := range m.records {
		scratch.records[id] = rec.Clone()
	}
	if err := fn((*memoryTx)(scratch)); err != nil {
		return err
	}
	m.records = scratch.records
	m.seq = scratch.seq
	return nil
}

func (m *MemoryStore) DeviceID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceID == "" {
		m.deviceID = uuid.NewString()
	}
	return m.deviceID, nil
}

func (m *MemoryStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// memoryTx operates on a MemoryStore whose lock is already held.
type memoryTx MemoryStore

func (t *memoryTx) GetByID(id int64) (*ConversationRecord, error) {
	rec, ok := t.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := rec.Clone()
	return &c, nil
}

func (t *memoryTx) FindByExternalID(externalID string) ([]ConversationRecord, error) {
	out := []ConversationRecord{}
	for _, id := range (*MemoryStore)(t).sortedIDs() {
		if rec := t.records[id]; rec.ExternalID == externalID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (t *memoryTx) Put(rec *ConversationRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("put: nil record")
	}
	id := rec.ID
	if id == 0 {
		t.seq++
		id = t.seq
	} else if id > t.seq {
		t.seq = id
	}
	stored := rec.Clone()
	stored.ID = id
	t.records[id] = stored
	rec.ID = id
	return id, nil
}

func (t *memoryTx) Clear() error {
	t.records = make(map[int64]ConversationRecord)
	return nil
}

func (t *memoryTx) Delete(id int64) error {
	delete(t.records, id)
	return nil
}
