package archive

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"convarchive/internal/store"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FormatVersion is written into every export document.
const FormatVersion = "1.0"

//go:embed export.schema.json
var exportSchemaJSON string

// Export is a snapshot of the whole archive.
type Export struct {
	FormatVersion string                     `json:"version"`
	ExportedAt    string                     `json:"exportedAt"`
	DeviceID      string                     `json:"deviceId"`
	RecordCount   int                        `json:"conversationCount"`
	Records       []store.ConversationRecord `json:"conversations"`
}

// Export reads every record without modifying the store.
func (a *Archiver) Export(ctx context.Context) (*Export, error) {
	records, err := a.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	deviceID, err := a.store.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	return &Export{
		FormatVersion: FormatVersion,
		ExportedAt:    a.now().UTC().Format(time.RFC3339Nano),
		DeviceID:      deviceID,
		RecordCount:   len(records),
		Records:       records,
	}, nil
}

// EncodeExport writes exp as indented JSON.
func EncodeExport(w io.Writer, exp *Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

type ImportResult struct {
	Imported int      `json:"imported"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// Import feeds every record through the same upsert as Save, so imported
// records follow the live deduplication rules. Malformed records are counted
// and skipped before anything is written.
//
// With merge true each record is saved on its own and a storage failure
// aborts the batch, returned alongside the counts so far. With merge false
// the archive is replaced: the clear and every insert run in one store
// transaction, so a failure leaves the previous archive untouched. A replace
// with no valid records changes nothing.
func (a *Archiver) Import(ctx context.Context, records []store.ConversationRecord, merge bool) (ImportResult, error) {
	return a.importEach(ctx, len(records), merge, func(i int) (store.ConversationRecord, error) {
		return records[i], nil
	})
}

// ImportRaw is Import for undecoded records, as they arrive in an export
// document or over the wire. A record that does not decode is rejected on
// its own.
func (a *Archiver) ImportRaw(ctx context.Context, raws []json.RawMessage, merge bool) (ImportResult, error) {
	return a.importEach(ctx, len(raws), merge, func(i int) (store.ConversationRecord, error) {
		var rec store.ConversationRecord
		if err := json.Unmarshal(raws[i], &rec); err != nil {
			return rec, &ValidationError{Field: "record", Reason: err.Error()}
		}
		return rec, nil
	})
}

func (a *Archiver) importEach(ctx context.Context, n int, merge bool, next func(i int) (store.ConversationRecord, error)) (ImportResult, error) {
	var res ImportResult
	valid := make([]store.ConversationRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := next(i)
		if err == nil {
			rec, err = prepare(rec)
		}
		if err != nil {
			if !IsValidation(err) {
				return res, err
			}
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		valid = append(valid, rec)
	}

	var err error
	if merge {
		err = a.mergeAll(ctx, valid, &res)
	} else {
		err = a.replaceAll(ctx, valid, &res)
	}
	if err != nil {
		a.logger.Error("import failed", "imported", res.Imported, "rejected", res.Rejected, "err", err)
		return res, err
	}
	a.logger.Info("import finished", "imported", res.Imported, "rejected", res.Rejected)
	return res, nil
}

func (a *Archiver) mergeAll(ctx context.Context, recs []store.ConversationRecord, res *ImportResult) error {
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.Save(ctx, rec); err != nil {
			return err
		}
		res.Imported++
	}
	return nil
}

func (a *Archiver) replaceAll(ctx context.Context, recs []store.ConversationRecord, res *ImportResult) error {
	if len(recs) == 0 {
		a.logger.Warn("replace import has no valid records, archive left unchanged", "rejected", res.Rejected)
		return nil
	}

	local, err := a.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	now := a.now().UnixMilli()

	a.logger.Warn("replacing archive contents with import", "records", len(recs))
	err = a.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.Clear(); err != nil {
			return err
		}
		for _, rec := range recs {
			deviceID := rec.DeviceID
			if deviceID == "" {
				deviceID = local
			}
			if _, _, err := upsert(tx, rec, deviceID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	res.Imported = len(recs)
	return nil
}

// Document is a decoded export whose records are still raw JSON.
type Document struct {
	FormatVersion string            `json:"version"`
	ExportedAt    string            `json:"exportedAt"`
	DeviceID      string            `json:"deviceId"`
	RecordCount   int               `json:"conversationCount"`
	Records       []json.RawMessage `json:"conversations"`
}

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(exportSchemaJSON))
		if err != nil {
			exportSchemaErr = fmt.Errorf("parse export schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("export.schema.json", doc); err != nil {
			exportSchemaErr = fmt.Errorf("load export schema: %w", err)
			return
		}
		exportSchema, exportSchemaErr = c.Compile("export.schema.json")
	})
	return exportSchema, exportSchemaErr
}

// DecodeExport reads an export document, checking its envelope against the
// bundled JSON Schema before decoding. Individual records are not validated
// here; ImportRaw rejects bad ones one at a time.
func DecodeExport(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	sch, err := compiledExportSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &ValidationError{Field: "export", Reason: fmt.Sprintf("is not valid JSON: %v", err)}
	}
	if err := sch.Validate(inst); err != nil {
		return nil, &ValidationError{Field: "export", Reason: fmt.Sprintf("does not match schema: %v", err)}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: "export", Reason: err.Error()}
	}
	return &doc, nil
}
