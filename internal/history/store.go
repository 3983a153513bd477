// Package history keeps the raw per-user chat log that the backup cycle
// writes to disk. It is separate from tiered memory: entries are not scored
// and only the most recent MaxLength are kept.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/joy/internal/memory"
)

// DefaultMaxLength is the per-user cap when none is configured.
const DefaultMaxLength = 80

// Entry is one logged chat message.
type Entry struct {
	Sender    memory.Sender `json:"sender"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// Store is a goroutine-safe map of user id to bounded chat log.
type Store struct {
	mu    sync.RWMutex
	max   int
	logs  map[string][]Entry
	nowFn func() time.Time
}

// NewStore creates a store capped at maxLength entries per user.
func NewStore(maxLength int) *Store {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Store{
		max:   maxLength,
		logs:  make(map[string][]Entry),
		nowFn: time.Now,
	}
}

// MaxLength returns the per-user cap.
func (s *Store) MaxLength() int { return s.max }

// Append logs a message, dropping the oldest entries beyond the cap.
func (s *Store) Append(userID string, sender memory.Sender, content string) Entry {
	e := Entry{Sender: sender, Content: content, Timestamp: s.nowFn()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[userID] = trim(append(s.logs[userID], e), s.max)
	return e
}

// Entries returns a copy of the user's log, oldest first.
func (s *Store) Entries(userID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.logs[userID]...)
}

// Len returns the number of entries logged for the user.
func (s *Store) Len(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[userID])
}

// Clear drops the user's log.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, userID)
}

// Users lists user ids with a non-empty log, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id, entries := range s.logs {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SnapshotAll copies every user's log.
func (s *Store) SnapshotAll() map[string][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Entry, len(s.logs))
	for id, entries := range s.logs {
		if len(entries) == 0 {
			continue
		}
		out[id] = append([]Entry(nil), entries...)
	}
	return out
}

// Restore replaces the logs of the given users. Logs longer than the cap keep
// their newest entries.
func (s *Store) Restore(logs map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entries := range logs {
		s.logs[id] = trim(append([]Entry(nil), entries...), s.max)
	}
}

func trim(entries []Entry, max int) []Entry {
	if len(entries) <= max {
		return entries
	}
	return append([]Entry(nil), entries[len(entries)-max:]...)
}
