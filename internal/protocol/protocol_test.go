package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"convarchive/internal/archive"
	"convarchive/internal/store"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(archive.New(store.NewMemory()), nil)
}

func send(t *testing.T, d *Dispatcher, msg string) *Response {
	t.Helper()
	return d.HandleMessage(context.Background(), []byte(msg))
}

const saveHi = `{"action":"saveConversation","data":{"conversationId":"c1","messages":[{"role":"user","content":"hi","timestamp":1000}]}}`

func TestSaveAndDedupeOverMessages(t *testing.T) {
	d := newDispatcher(t)

	first := send(t, d, saveHi)
	if !first.Success || first.ConversationID == nil || *first.ConversationID != 1 {
		t.Fatalf("unexpected first save response %+v", first)
	}
	second := send(t, d, saveHi)
	if !second.Success || *second.ConversationID != 1 {
		t.Fatalf("expected duplicate save to return id 1, got %+v", second)
	}
	grown := send(t, d, `{"action":"saveConversation","data":{"conversationId":"c1","messages":[
		{"role":"user","content":"hi","timestamp":1000},
		{"role":"assistant","content":"hello","timestamp":2000}]}}`)
	if !grown.Success || *grown.ConversationID != 1 {
		t.Fatalf("expected update in place, got %+v", grown)
	}
	other := send(t, d, `{"action":"saveConversation","data":{"conversationId":"c2","messages":[{"role":"user","content":"other","timestamp":3000}]}}`)
	if *other.ConversationID != 2 {
		t.Fatalf("expected id 2, got %d", *other.ConversationID)
	}

	list := send(t, d, `{"action":"getAllConversations"}`)
	if !list.Success || list.Conversations == nil || len(*list.Conversations) != 2 {
		t.Fatalf("unexpected list response %+v", list)
	}
	first2 := (*list.Conversations)[0]
	if first2.MessageCount != 2 || first2.Title != "Untitled Conversation" {
		t.Fatalf("unexpected summary %+v", first2)
	}
}

func TestSaveWithoutData(t *testing.T) {
	d := newDispatcher(t)
	for _, msg := range []string{`{"action":"saveConversation"}`, `{"action":"saveConversation","data":null}`} {
		resp := send(t, d, msg)
		if resp.Success || resp.Error != "No data provided" {
			t.Fatalf("%s: unexpected response %+v", msg, resp)
		}
	}
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	d := newDispatcher(t)
	resp := send(t, d, `{"action":"saveConversation","data":{"conversationId":"  ","messages":[]}}`)
	if resp.Success || !strings.Contains(resp.Error, "conversationId") {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUnknownAndInvalid(t *testing.T) {
	d := newDispatcher(t)
	if resp := send(t, d, `{"action":"setBadge"}`); resp.Success || resp.Error != "Unknown action: setBadge" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp := send(t, d, `{"action":`); resp.Success || resp.Error != "Invalid request" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	d := newDispatcher(t)
	d.Register("boom", func(ctx context.Context, req *Request) (*Response, error) {
		panic("boom")
	})
	resp := send(t, d, `{"action":"boom"}`)
	if resp.Success || resp.Error != "Internal error" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp := send(t, d, `{"action":"getAllConversations"}`); !resp.Success {
		t.Fatalf("dispatcher unusable after panic: %+v", resp)
	}
}

func TestCheckClearAndDelete(t *testing.T) {
	d := newDispatcher(t)
	send(t, d, saveHi)

	resp := send(t, d, `{"action":"checkConversation","conversationId":"c1"}`)
	if !resp.Success || resp.Exists == nil || !*resp.Exists {
		t.Fatalf("expected c1 to exist, got %+v", resp)
	}
	resp = send(t, d, `{"action":"checkConversation","conversationId":"nope"}`)
	if !resp.Success || resp.Exists == nil || *resp.Exists {
		t.Fatalf("expected nope to be missing, got %+v", resp)
	}

	if resp := send(t, d, `{"action":"deleteConversation"}`); resp.Success || resp.Error != "No id provided" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp := send(t, d, `{"action":"deleteConversation","id":1}`); !resp.Success {
		t.Fatalf("delete failed: %+v", resp)
	}
	resp = send(t, d, `{"action":"checkConversation","conversationId":"c1"}`)
	if *resp.Exists {
		t.Fatalf("expected c1 gone after delete")
	}

	send(t, d, saveHi)
	if resp := send(t, d, `{"action":"clearAllConversations"}`); !resp.Success {
		t.Fatalf("clear failed: %+v", resp)
	}
	list := send(t, d, `{"action":"getAllConversations"}`)
	if len(*list.Conversations) != 0 {
		t.Fatalf("expected empty archive after clear")
	}
}

func TestEmptyListEncodesArray(t *testing.T) {
	d := newDispatcher(t)
	out, err := json.Marshal(send(t, d, `{"action":"getAllConversations"}`))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(out, []byte(`"conversations":[]`)) {
		t.Fatalf("expected empty conversations array, got %s", out)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	d := newDispatcher(t)
	send(t, d, saveHi)
	send(t, d, `{"action":"saveConversation","data":{"conversationId":"c2","title":"Second","messages":[{"role":"user","content":"other","timestamp":3000}]}}`)

	exp := send(t, d, `{"action":"exportConversations"}`)
	if !exp.Success || exp.Data == "" {
		t.Fatalf("unexpected export response %+v", exp)
	}
	doc, err := archive.DecodeExport(strings.NewReader(exp.Data))
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.FormatVersion != "1.0" || doc.RecordCount != 2 {
		t.Fatalf("unexpected export envelope %+v", doc)
	}

	send(t, d, `{"action":"clearAllConversations"}`)
	req, _ := json.Marshal(Request{Action: ActionImport, Records: doc.Records})
	imp := d.HandleMessage(context.Background(), req)
	if !imp.Success || imp.Imported == nil || *imp.Imported != 2 {
		t.Fatalf("unexpected import response %+v", imp)
	}

	again := d.HandleMessage(context.Background(), req)
	if *again.Imported != 2 {
		t.Fatalf("expected re-import to count both records, got %d", *again.Imported)
	}
	list := send(t, d, `{"action":"getAllConversations"}`)
	if len(*list.Conversations) != 2 {
		t.Fatalf("expected merge import to dedupe, got %d records", len(*list.Conversations))
	}
}

func TestImportRejectsRecordsIndividually(t *testing.T) {
	d := newDispatcher(t)
	resp := send(t, d, `{"action":"importConversations","records":[
		{"conversationId":"a","messages":[]},
		{"messages":[]},
		"not a record"
	]}`)
	if !resp.Success || *resp.Imported != 1 || *resp.Rejected != 2 {
		t.Fatalf("unexpected import response %+v", resp)
	}
	if resp := send(t, d, `{"action":"importConversations"}`); resp.Success || resp.Error != "No records provided" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestImportReplaceClearsFirst(t *testing.T) {
	d := newDispatcher(t)
	send(t, d, saveHi)
	resp := send(t, d, `{"action":"importConversations","merge":false,"records":[{"conversationId":"z","messages":[]}]}`)
	if !resp.Success || *resp.Imported != 1 {
		t.Fatalf("unexpected import response %+v", resp)
	}
	if check := send(t, d, `{"action":"checkConversation","conversationId":"c1"}`); *check.Exists {
		t.Fatalf("expected replace import to drop c1")
	}
}

func TestCancelledContextFails(t *testing.T) {
	d := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := d.HandleMessage(ctx, []byte(saveHi))
	if resp.Success || resp.Error != "Request cancelled" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestImportReplaceWithOnlyRejectedRecordsKeepsArchive(t *testing.T) {
	d := newDispatcher(t)
	send(t, d, saveHi)

	resp := send(t, d, `{"action":"importConversations","merge":false,"records":[{"messages":[]}]}`)
	if !resp.Success || *resp.Imported != 0 || *resp.Rejected != 1 {
		t.Fatalf("unexpected import response %+v", resp)
	}
	if check := send(t, d, `{"action":"checkConversation","conversationId":"c1"}`); !*check.Exists {
		t.Fatalf("expected c1 to survive an import with no valid records")
	}
}

func TestSaveNormalisesPaddedConversationID(t *testing.T) {
	d := newDispatcher(t)
	first := send(t, d, saveHi)
	padded := send(t, d, `{"action":"saveConversation","data":{"conversationId":" c1 ","messages":[{"role":"user","content":"hi","timestamp":1000}]}}`)
	if *padded.ConversationID != *first.ConversationID {
		t.Fatalf("expected padded id to hit the same record, got %d and %d", *first.ConversationID, *padded.ConversationID)
	}
	list := send(t, d, `{"action":"getAllConversations"}`)
	if len(*list.Conversations) != 1 {
		t.Fatalf("expected a single conversation, got %d", len(*list.Conversations))
	}
}
