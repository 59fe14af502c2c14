package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convarchive/internal/fingerprint"
	"convarchive/internal/logging"
	"convarchive/internal/store"

	"github.com/charmbracelet/log"
)

// ValidationError rejects malformed input before the store is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid conversation: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Archiver decides whether a captured conversation is new, an update of one
// already archived, or a duplicate, and writes the outcome to the store.
type Archiver struct {
	store  store.Store
	now    func() time.Time
	logger *log.Logger
}

type Option func(*Archiver)

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(a *Archiver) { a.logger = logger }
}

func New(st store.Store, opts ...Option) *Archiver {
	a := &Archiver{store: st, now: time.Now, logger: logging.Discard()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archiver) Store() store.Store { return a.store }

func validate(rec store.ConversationRecord) error {
	if strings.TrimSpace(rec.ExternalID) == "" {
		return &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	if rec.Messages == nil {
		return &ValidationError{Field: "messages", Reason: "are required"}
	}
	return nil
}

// prepare validates a candidate and returns the copy that will be written:
// id dropped, conversation id trimmed, fingerprint computed.
func prepare(candidate store.ConversationRecord) (store.ConversationRecord, error) {
	if err := validate(candidate); err != nil {
		return store.ConversationRecord{}, err
	}
	rec := candidate.Clone()
	rec.ID = 0
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	rec.ContentFingerprint = fingerprint.Compute(rec.Messages)
	return rec, nil
}

// Save archives a freshly captured conversation and returns the id of the
// record that now holds it. Any id on the candidate is ignored.
//
// Records are matched by external conversation id. A match with the same
// fingerprint is a duplicate and nothing is written. Otherwise the lowest-id
// match is rewritten in place, keeping its id, capture time and device.
func (a *Archiver) Save(ctx context.Context, candidate store.ConversationRecord) (int64, error) {
	rec, err := prepare(candidate)
	if err != nil {
		return 0, err
	}
	deviceID, err := a.installationID(ctx, rec)
	if err != nil {
		return 0, err
	}
	now := a.now().UnixMilli()

	var id int64
	var outcome string
	err = a.store.Update(ctx, func(tx store.Tx) error {
		var err error
		id, outcome, err = upsert(tx, rec, deviceID, now)
		return err
	})
	if err != nil {
		a.logger.Error("save conversation failed", "conversationId", rec.ExternalID, "err", err)
		return 0, err
	}

	a.logger.Debug("saved conversation", "outcome", outcome, "id", id,
		"conversationId", rec.ExternalID, "messages", len(rec.Messages), "hash", rec.ContentFingerprint)
	return id, nil
}

// installationID is only looked up when the record does not carry its own
// device. It must be called outside a store transaction.
func (a *Archiver) installationID(ctx context.Context, rec store.ConversationRecord) (string, error) {
	if rec.DeviceID != "" {
		return rec.DeviceID, nil
	}
	return a.store.DeviceID(ctx)
}

// upsert applies one prepared record inside tx.
func upsert(tx store.Tx, rec store.ConversationRecord, deviceID string, now int64) (int64, string, error) {
	existing, err := tx.FindByExternalID(rec.ExternalID)
	if err != nil {
		return 0, "", err
	}

	if len(existing) == 0 {
		rec.DeviceID = deviceID
		if rec.CapturedAt == 0 {
			rec.CapturedAt = now
		}
		rec.LastModified = now
		rec.SyncStatus = store.SyncPending
		rec.SyncedAt = nil
		id, err := tx.Put(&rec)
		return id, "inserted", err
	}

	for _, match := range existing {
		if match.ContentFingerprint == rec.ContentFingerprint {
			return match.ID, "duplicate", nil
		}
	}

	target := existing[0]
	target.Messages = rec.Messages
	target.ContentFingerprint = rec.ContentFingerprint
	if rec.URL != "" {
		target.URL = rec.URL
	}
	if rec.Title != "" {
		target.Title = rec.Title
	}
	if target.DeviceID == "" {
		target.DeviceID = deviceID
	}
	target.LastModified = now
	if _, err := tx.Put(&target); err != nil {
		return 0, "", err
	}
	// Older builds could leave several records per conversation.
	for _, extra := range existing[1:] {
		if err := tx.Delete(extra.ID); err != nil {
			return 0, "", err
		}
	}
	return target.ID, "updated", nil
}

// Exists reports whether any record is archived under externalID.
func (a *Archiver) Exists(ctx context.Context, externalID string) (bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return false, nil
	}
	matches, err := a.store.FindByExternalID(ctx, externalID)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (a *Archiver) Summaries(ctx context.Context) ([]store.Summary, error) {
	all, err := a.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.Summary, 0, len(all))
	for _, rec := range all {
		out = append(out, rec.Summary())
	}
	return out, nil
}

func (a *Archiver) Get(ctx context.Context, id int64) (*store.ConversationRecord, error) {
	return a.store.GetByID(ctx, id)
}

func (a *Archiver) Delete(ctx context.Context, id int64) error {
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}
	a.logger.Info("deleted conversation", "id", id)
	return nil
}

func (a *Archiver) Clear(ctx context.Context) error {
	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	a.logger.Info("cleared all conversations")
	return nil
}

func (a *Archiver) DeviceID(ctx context.Context) (string, error) {
	return a.store.DeviceID(ctx)
}
