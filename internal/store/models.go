package store

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps a scraped speaker label onto a Role. Anything that does not
// look like the user or the assistant is RoleUnknown.
func ParseRole(label string) Role {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "":
		return RoleUnknown
	case strings.Contains(l, "you"), strings.Contains(l, "user"), l == "human":
		return RoleUser
	case strings.Contains(l, "claude"), strings.Contains(l, "assistant"):
		return RoleAssistant
	default:
		return RoleUnknown
	}
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		*r = RoleUnknown
		return nil
	}
	if raw == nil {
		*r = RoleUnknown
		return nil
	}
	*r = ParseRole(*raw)
	return nil
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      *Role    `json:"role"`
		Content   *string  `json:"content"`
		Timestamp *float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = RoleUnknown
	if raw.Role != nil {
		m.Role = *raw.Role
	}
	m.Content = ""
	if raw.Content != nil {
		m.Content = *raw.Content
	}
	m.Timestamp = 0
	if raw.Timestamp != nil {
		m.Timestamp = int64(*raw.Timestamp)
	}
	return nil
}

// ConversationRecord is one archived conversation. Timestamps are unix
// milliseconds. JSON names match the capture extension's export format.
type ConversationRecord struct {
	ID                 int64      `json:"id,omitempty"`
	ExternalID         string     `json:"conversationId"`
	URL                string     `json:"url"`
	Title              string     `json:"title"`
	Messages           []Message  `json:"messages"`
	DeviceID           string     `json:"deviceId"`
	ContentFingerprint string     `json:"contentHash"`
	CapturedAt         int64      `json:"capturedAt"`
	LastModified       int64      `json:"lastModified"`
	SyncStatus         SyncStatus `json:"syncStatus"`
	SyncedAt           *int64     `json:"syncedAt"`
}

// Clone returns a copy that shares no slices or pointers with r.
func (r ConversationRecord) Clone() ConversationRecord {
	c := r
	if r.Messages != nil {
		c.Messages = make([]Message, len(r.Messages))
		copy(c.Messages, r.Messages)
	}
	if r.SyncedAt != nil {
		v := *r.SyncedAt
		c.SyncedAt = &v
	}
	return c
}

const untitled = "Untitled Conversation"

type Summary struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	CapturedAt   int64  `json:"capturedAt"`
	LastModified int64  `json:"lastModified"`
}

func (r ConversationRecord) Summary() Summary {
	title := r.Title
	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	return Summary{
		ID:           r.ID,
		URL:          r.URL,
		Title:        title,
		MessageCount: len(r.Messages),
		CapturedAt:   r.CapturedAt,
		LastModified: r.LastModified,
	}
}
