package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// ParseSender normalises a persisted sender tag. Anything that is not the
// assistant is treated as the user.
func ParseSender(s string) Sender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SenderAssistant), "model", "bot", "joy", "喬伊":
		return SenderAssistant
	default:
		return SenderUser
	}
}

// Message is one exchanged message as retained by a memory tier. It is a value
// type; every tier keeps its own copy.
type Message struct {
	Content    string    `json:"content"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	Importance float64   `json:"importance"`
}

// legacyTimeLayouts are accepted when decoding snapshots written without a zone.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
}

// ParseTimestamp parses the timestamp formats found in persisted snapshots.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content    string   `json:"content"`
		Sender     string   `json:"sender"`
		Timestamp  string   `json:"timestamp"`
		Importance *float64 `json:"importance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Content = raw.Content
	m.Sender = ParseSender(raw.Sender)
	m.Timestamp = time.Time{}
	if raw.Timestamp != "" {
		ts, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		m.Timestamp = ts
	}
	if raw.Importance != nil {
		m.Importance = clamp01(*raw.Importance)
	} else {
		m.Importance = Score(m.Content, m.Sender)
	}
	return nil
}

// Stats is the per-user summary exposed to chat commands.
type Stats struct {
	ShortTerm    int `json:"short"`
	Important    int `json:"important"`
	ProfileFacts int `json:"profile_items"`
}

// Snapshot is a plain, self-contained copy of one user's tiers.
type Snapshot struct {
	UserID    string         `json:"user_id"`
	UpdatedAt time.Time      `json:"last_updated"`
	ShortTerm []Message      `json:"short_term"`
	Important []Message      `json:"important"`
	Profile   map[string]any `json:"profile"`
	Summary   string         `json:"conversation_summaries"`
}

// Persister stores and retrieves user snapshots. The backup manager
// implements it.
type Persister interface {
	SaveUserMemory(userID string, snap Snapshot) error
	LoadUserMemory(userID string) (*Snapshot, error)
	DeleteUserMemory(userID string) error
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
