package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/memory"
)

const (
	chatFormat    = "joy.chat"
	memoryFormat  = "joy.memory"
	formatVersion = 2
)

type chatEnvelope struct {
	Format       string          `json:"format"`
	Version      int             `json:"version"`
	UserID       string          `json:"user_id"`
	BackupTime   time.Time       `json:"backup_time"`
	MessageCount int             `json:"message_count"`
	Messages     []history.Entry `json:"messages"`
}

type memoryEnvelope struct {
	Format      string           `json:"format"`
	Version     int              `json:"version"`
	UserID      string           `json:"user_id"`
	LastUpdated time.Time        `json:"last_updated"`
	ShortTerm   []memory.Message `json:"short_term"`
	Important   []memory.Message `json:"important"`
	Profile     map[string]any   `json:"profile"`
	Summary     string           `json:"conversation_summaries"`
}

// encode writes indented JSON without escaping non-ASCII or HTML characters.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeChat(userID string, at time.Time, entries []history.Entry) ([]byte, error) {
	return encode(chatEnvelope{
		Format:       chatFormat,
		Version:      formatVersion,
		UserID:       userID,
		BackupTime:   at,
		MessageCount: len(entries),
		Messages:     entries,
	})
}

func encodeMemory(snap memory.Snapshot) ([]byte, error) {
	return encode(memoryEnvelope{
		Format:      memoryFormat,
		Version:     formatVersion,
		UserID:      snap.UserID,
		LastUpdated: snap.UpdatedAt,
		ShortTerm:   snap.ShortTerm,
		Important:   snap.Important,
		Profile:     snap.Profile,
		Summary:     snap.Summary,
	})
}

// decodeChat accepts the current envelope and the legacy bare list, whose
// items are either message objects or plain strings alternating between user
// and assistant.
func decodeChat(data []byte) ([]history.Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty chat backup")
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode legacy chat list: %w", err)
		}
	case '{':
		var env struct {
			Format   string            `json:"format"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode chat envelope: %w", err)
		}
		if env.Format != "" && env.Format != chatFormat {
			return nil, fmt.Errorf("unexpected chat format %q", env.Format)
		}
		items = env.Messages
	default:
		return nil, fmt.Errorf("unrecognised chat backup shape")
	}

	entries := make([]history.Entry, 0, len(items))
	for i, raw := range items {
		e, err := decodeEntry(raw, i)
		if err != nil {
			return nil, fmt.Errorf("decode chat message %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(raw json.RawMessage, index int) (history.Entry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return history.Entry{}, err
		}
		sender := memory.SenderUser
		if index%2 == 1 {
			sender = memory.SenderAssistant
		}
		return history.Entry{Sender: sender, Content: text}, nil
	}

	var obj struct {
		Sender    string `json:"sender"`
		Role      string `json:"role"`
		Content   string `json:"content"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return history.Entry{}, err
	}
	sender := obj.Sender
	if sender == "" {
		sender = obj.Role
	}
	content := obj.Content
	if content == "" {
		content = obj.Text
	}
	e := history.Entry{Sender: memory.ParseSender(sender), Content: content}
	if obj.Timestamp != "" {
		if ts, err := memory.ParseTimestamp(obj.Timestamp); err == nil {
			e.Timestamp = ts
		}
	}
	return e, nil
}

// decodeMemory accepts the current envelope and the legacy bare list of
// short-term messages.
func decodeMemory(userID string, data []byte) (*memory.Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty memory backup")
	}

	switch data[0] {
	case '[':
		var msgs []memory.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode legacy memory list: %w", err)
		}
		return &memory.Snapshot{UserID: userID, ShortTerm: msgs, Profile: map[string]any{}}, nil
	case '{':
		var env struct {
			Format      string           `json:"format"`
			UserID      string           `json:"user_id"`
			LastUpdated string           `json:"last_updated"`
			ShortTerm   []memory.Message `json:"short_term"`
			Important   []memory.Message `json:"important"`
			Profile     map[string]any   `json:"profile"`
			Summary     json.RawMessage  `json:"conversation_summaries"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode memory envelope: %w", err)
		}
		if env.Format != "" && env.Format != memoryFormat {
			return nil, fmt.Errorf("unexpected memory format %q", env.Format)
		}
		snap := &memory.Snapshot{
			UserID:    userID,
			ShortTerm: env.ShortTerm,
			Important: env.Important,
			Profile:   env.Profile,
			Summary:   decodeSummary(env.Summary),
		}
		if snap.Profile == nil {
			snap.Profile = map[string]any{}
		}
		if env.LastUpdated != "" {
			if ts, err := memory.ParseTimestamp(env.LastUpdated); err == nil {
				snap.UpdatedAt = ts
			}
		}
		return snap, nil
	default:
		return nil, fmt.Errorf("unrecognised memory backup shape")
	}
}

// decodeSummary reads either a single string or a list of strings.
func decodeSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return ""
}
