package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"convarchive/internal/store"
)

func TestDecodeRecordNormalisesPayload(t *testing.T) {
	payload := `{
		"id": 12,
		"conversationId": " abc ",
		"url": "https://claude.ai/chat/abc",
		"title": "Plans",
		"capturedAt": 1700000000000,
		"messages": [
			{"role": "You", "content": " hi ", "timestamp": 1},
			{"role": "Claude", "content": "hello", "timestamp": 2},
			{"role": "system", "content": "   ", "timestamp": 3},
			{"content": "who said this", "timestamp": 4}
		]
	}`
	rec, err := DecodeRecord([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != 0 || rec.ExternalID != "abc" {
		t.Fatalf("expected id dropped and external id trimmed, got %d %q", rec.ID, rec.ExternalID)
	}
	if len(rec.Messages) != 3 {
		t.Fatalf("expected blank message to be skipped, got %d messages", len(rec.Messages))
	}
	roles := []store.Role{rec.Messages[0].Role, rec.Messages[1].Role, rec.Messages[2].Role}
	want := []store.Role{store.RoleUser, store.RoleAssistant, store.RoleUnknown}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("message %d: expected role %q, got %q", i, want[i], roles[i])
		}
	}
	if rec.Messages[0].Content != "hi" {
		t.Fatalf("expected trimmed content, got %q", rec.Messages[0].Content)
	}
	if rec.CapturedAt != 1700000000000 {
		t.Fatalf("expected capturedAt to be kept, got %d", rec.CapturedAt)
	}
}

func TestDecodeRecordKeepsMissingMessagesNil(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"conversationId":"abc"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Messages != nil {
		t.Fatalf("expected missing messages to stay nil so validation can reject them")
	}
}

func TestDecodeRecordsSkipsBadLines(t *testing.T) {
	data := strings.Join([]string{
		`{"conversationId":"a","messages":[{"role":"user","content":"1","timestamp":1}]}`,
		``,
		`{broken`,
		`{"conversationId":"b","messages":[]}`,
	}, "\n")
	recs, errs := DecodeRecords([]byte(data))
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "line 3") {
		t.Fatalf("expected one error for line 3, got %v", errs)
	}
}

func TestParseTranscript(t *testing.T) {
	data := "preamble that is ignored\nuser:\nHow do I reverse a list?\nIn Go.\n\nassistant:\nUse slices.Reverse.\n\nuser:\n\nassistant:\nAnything else?\n"
	now := time.UnixMilli(1_700_000_000_000)
	rec := ParseTranscript("session-42.txt", []byte(data), now)

	if rec.ExternalID != "transcript_session-42" {
		t.Fatalf("unexpected external id %q", rec.ExternalID)
	}
	if len(rec.Messages) != 3 {
		t.Fatalf("expected empty turn to be skipped, got %d messages", len(rec.Messages))
	}
	if rec.Messages[0].Role != store.RoleUser || rec.Messages[0].Content != "How do I reverse a list?\nIn Go." {
		t.Fatalf("unexpected first message %+v", rec.Messages[0])
	}
	if rec.Messages[2].Role != store.RoleAssistant {
		t.Fatalf("expected last message from assistant, got %q", rec.Messages[2].Role)
	}
	for i := 1; i < len(rec.Messages); i++ {
		if rec.Messages[i].Timestamp <= rec.Messages[i-1].Timestamp {
			t.Fatalf("expected increasing timestamps, got %+v", rec.Messages)
		}
	}
	if rec.Title != "How do I reverse a list?" {
		t.Fatalf("unexpected title %q", rec.Title)
	}
}

func TestParseTranscriptSynthesisesIDWithoutName(t *testing.T) {
	now := time.UnixMilli(1234)
	rec := ParseTranscript("", []byte("user:\nhi\n"), now)
	if !strings.HasPrefix(rec.ExternalID, "conv_1234_") || len(rec.ExternalID) != len("conv_1234_")+8 {
		t.Fatalf("unexpected synthesised id %q", rec.ExternalID)
	}
}

func TestDecodeFileByExtension(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "one.json")
	os.WriteFile(jsonPath, []byte(`{"conversationId":"a","messages":[]}`), 0o644)
	txtPath := filepath.Join(dir, "chat.txt")
	os.WriteFile(txtPath, []byte("user:\nhi\n"), 0o644)
	otherPath := filepath.Join(dir, "image.png")
	os.WriteFile(otherPath, []byte{0x89}, 0o644)

	if recs, errs := DecodeFile(jsonPath, time.Now()); len(recs) != 1 || len(errs) != 0 {
		t.Fatalf("json: got %d records, errors %v", len(recs), errs)
	}
	if recs, errs := DecodeFile(txtPath, time.Now()); len(recs) != 1 || len(errs) != 0 || recs[0].ExternalID != "transcript_chat" {
		t.Fatalf("txt: got %+v, errors %v", recs, errs)
	}
	if _, errs := DecodeFile(otherPath, time.Now()); len(errs) != 1 {
		t.Fatalf("expected unsupported type error")
	}
	if Supported(otherPath) || !Supported(txtPath) {
		t.Fatalf("unexpected Supported result")
	}
}
