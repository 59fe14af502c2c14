package capture

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convarchive/internal/store"
)

const maxContentLen = 200000

// DecodeRecord turns one scraped payload into a candidate record. The payload
// uses the archive's record JSON; ids are dropped and blank messages skipped.
func DecodeRecord(data []byte) (store.ConversationRecord, error) {
	var rec store.ConversationRecord
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		return store.ConversationRecord{}, fmt.Errorf("decode capture: %w", err)
	}
	return clean(rec), nil
}

// DecodeRecords reads a JSON-lines stream of payloads. Malformed lines are
// reported with their line number and skipped.
func DecodeRecords(data []byte) ([]store.ConversationRecord, []error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	var out []store.ConversationRecord
	var errs []error
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errs
}

// ParseTranscript reads a plain-text transcript where each turn starts with a
// speaker line such as "user:" or "assistant:". Text before the first speaker
// line is ignored. Messages are stamped one millisecond apart from now so
// their order survives.
func ParseTranscript(name string, data []byte, now time.Time) store.ConversationRecord {
	type section struct {
		role    store.Role
		content strings.Builder
	}

	var sections []*section
	var current *section
	for _, line := range strings.Split(string(data), "\n") {
		if role, ok := speakerLine(line); ok {
			current = &section{role: role}
			sections = append(sections, current)
			continue
		}
		if current != nil {
			current.content.WriteString(line)
			current.content.WriteByte('\n')
		}
	}

	base := now.UnixMilli()
	msgs := make([]store.Message, 0, len(sections))
	for _, sec := range sections {
		text := strings.TrimSpace(sec.content.String())
		if text == "" {
			continue
		}
		msgs = append(msgs, store.Message{
			Role:      sec.role,
			Content:   truncate(text, maxContentLen),
			Timestamp: base + int64(len(msgs)),
		})
	}

	title := ""
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			title = firstLine(m.Content, 80)
			break
		}
	}

	return store.ConversationRecord{
		ExternalID: transcriptID(name, data, now),
		Title:      title,
		Messages:   msgs,
		CapturedAt: base,
	}
}

// DecodeFile reads a capture file by extension: .json holds one payload,
// .jsonl one payload per line, and .txt a plain-text transcript.
func DecodeFile(path string, now time.Time) ([]store.ConversationRecord, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("read capture: %w", err)}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, []error{err}
		}
		return []store.ConversationRecord{rec}, nil
	case ".jsonl", ".ndjson":
		return DecodeRecords(data)
	case ".txt", ".md":
		return []store.ConversationRecord{ParseTranscript(filepath.Base(path), data, now)}, nil
	default:
		return nil, []error{fmt.Errorf("unsupported capture file type %q", filepath.Ext(path))}
	}
}

// Supported reports whether DecodeFile understands the file's extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson", ".txt", ".md":
		return true
	}
	return false
}

func clean(rec store.ConversationRecord) store.ConversationRecord {
	rec.ID = 0
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	rec.URL = strings.TrimSpace(rec.URL)
	rec.Title = strings.TrimSpace(rec.Title)
	if rec.Messages == nil {
		return rec
	}
	msgs := make([]store.Message, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		m.Content = strings.TrimSpace(m.Content)
		if m.Content == "" {
			continue
		}
		m.Content = truncate(m.Content, maxContentLen)
		msgs = append(msgs, m)
	}
	rec.Messages = msgs
	return rec
}

func speakerLine(line string) (store.Role, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	if !strings.HasSuffix(trimmed, ":") {
		return "", false
	}
	switch strings.TrimSuffix(trimmed, ":") {
	case "user", "you", "human":
		return store.RoleUser, true
	case "assistant", "claude":
		return store.RoleAssistant, true
	}
	return "", false
}

// transcriptID names a transcript after its file so re-reading the same file
// updates one conversation. Without a name the id is synthesised from the
// capture time and content.
func transcriptID(name string, data []byte, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base != "" && base != "." && base != string(filepath.Separator) {
		return "transcript_" + base
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("conv_%d_%s", now.UnixMilli(), hex.EncodeToString(sum[:])[:8])
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(strings.TrimSpace(s), max)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
