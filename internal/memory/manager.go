package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultShortTermSize    = 25
	DefaultImportantSize    = 10
	DefaultMaxChars         = 10000
	DefaultSummaryThreshold = 20
)

// Options sizes the tiers. Zero or negative values fall back to defaults.
type Options struct {
	ShortTermSize    int
	ImportantSize    int
	MaxChars         int
	SummaryThreshold int
}

func (o Options) withDefaults() Options {
	if o.ShortTermSize <= 0 {
		o.ShortTermSize = DefaultShortTermSize
	}
	if o.ImportantSize <= 0 {
		o.ImportantSize = DefaultImportantSize
	}
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.SummaryThreshold <= 0 {
		o.SummaryThreshold = DefaultSummaryThreshold
	}
	return o
}

type userState struct {
	mu        sync.Mutex
	short     *ringBuffer
	important *importantList
	profile   Profile
	summary   string
	updatedAt time.Time
	// epoch changes on clear so a late summary cannot resurrect old state.
	epoch uint64
}

// Manager owns every user's tiered memory. Each user's state is guarded by
// its own mutex; the map itself by mu.
type Manager struct {
	opts       Options
	core       CoreIdentity
	persister  Persister
	summarizer Summarizer
	now        func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// NewManager creates a manager. persister and summarizer may be nil.
func NewManager(opts Options, persister Persister, summarizer Summarizer) *Manager {
	return &Manager{
		opts:       opts.withDefaults(),
		core:       DefaultCore,
		persister:  persister,
		summarizer: summarizer,
		now:        time.Now,
		users:      make(map[string]*userState),
	}
}

// Core returns the identity seeded into every profile.
func (m *Manager) Core() CoreIdentity { return m.core }

func (m *Manager) newState() *userState {
	return &userState{
		short:     newRingBuffer(m.opts.ShortTermSize),
		important: newImportantList(m.opts.ImportantSize),
		profile:   newProfile(m.core),
	}
}

// acquire returns the user's state locked, creating and restoring it on
// first use.
func (m *Manager) acquire(userID string) *userState {
	m.mu.Lock()
	st, ok := m.users[userID]
	if ok {
		m.mu.Unlock()
		st.mu.Lock()
		return st
	}
	st = m.newState()
	st.mu.Lock()
	m.users[userID] = st
	m.mu.Unlock()

	m.restore(userID, st)
	return st
}

// Load restores the user's latest snapshot if the user is not yet in memory.
func (m *Manager) Load(userID string) {
	st := m.acquire(userID)
	st.mu.Unlock()
}

// lookup returns the user's state locked, or nil when unknown.
func (m *Manager) lookup(userID string) *userState {
	m.mu.Lock()
	st, ok := m.users[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	return st
}

func (m *Manager) restore(userID string, st *userState) {
	if m.persister == nil {
		return
	}
	snap, err := m.persister.LoadUserMemory(userID)
	if err != nil {
		log.Printf("[memory] restore user %s warning: %v", userID, err)
		return
	}
	if snap == nil {
		return
	}
	for _, msg := range snap.ShortTerm {
		msg.Importance = clamp01(msg.Importance)
		st.short.push(msg)
	}
	for _, msg := range snap.Important {
		msg.Importance = clamp01(msg.Importance)
		st.important.push(msg)
	}
	st.profile.Merge(snap.Profile)
	st.summary = snap.Summary
	st.updatedAt = snap.UpdatedAt
	log.Printf("[memory] restored user %s: short=%d important=%d", userID, st.short.len(), st.important.len())
}

// AddMessage appends a message for the user, promotes it when important,
// extracts profile facts from user messages and refreshes the summary once
// the retained total passes the threshold.
func (m *Manager) AddMessage(ctx context.Context, userID, content string, sender Sender) Message {
	st := m.acquire(userID)

	msg := Message{
		Content:    content,
		Sender:     sender,
		Timestamp:  m.now(),
		Importance: Score(content, sender),
	}
	st.short.push(msg)
	if msg.Importance > PromoteThreshold {
		st.important.push(msg)
	}
	if sender == SenderUser {
		st.profile.Facts.extract(content)
	}
	st.updatedAt = msg.Timestamp

	total := st.short.len() + st.important.len()
	var prompt string
	if m.summarizer != nil && total > m.opts.SummaryThreshold {
		budget := m.opts.MaxChars - summaryReserve
		if budget < 0 {
			budget = 0
		}
		prompt = buildSummaryPrompt(st.important.all(), st.short.items(), budget)
	}
	epoch := st.epoch
	st.mu.Unlock()

	if prompt != "" {
		m.refreshSummary(ctx, userID, st, epoch, prompt)
	}
	return msg
}

func (m *Manager) refreshSummary(ctx context.Context, userID string, st *userState, epoch uint64, prompt string) {
	summary, err := m.summarizer.Summarize(ctx, prompt)
	if err != nil {
		log.Printf("[memory] summary for user %s failed, keeping previous: %v", userID, err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.epoch != epoch {
		return
	}
	st.summary = summary
}

// GetContextForResponse renders the prompt context for a user.
func (m *Manager) GetContextForResponse(userID string) string {
	st := m.lookup(userID)
	if st == nil {
		return FirstEncounter
	}
	defer st.mu.Unlock()

	return assemble(contextBlocks{
		core:      renderCore(st.profile.Core()),
		profile:   renderProfile(st.profile.Facts),
		important: renderMessages("【重要記憶】", st.important.last(contextImportantN)),
		short:     renderMessages("【最近對話】", st.short.items()),
		summary:   renderSummary(st.summary),
	}, m.opts.MaxChars)
}

// ClearUserMemory resets the user to core identity only and removes their
// persisted memory snapshot.
func (m *Manager) ClearUserMemory(userID string) error {
	if st := m.lookup(userID); st != nil {
		st.short.reset()
		st.important.reset()
		st.profile = newProfile(m.core)
		st.summary = ""
		st.epoch++
		st.updatedAt = m.now()
		st.mu.Unlock()
	}
	if m.persister == nil {
		return nil
	}
	if err := m.persister.DeleteUserMemory(userID); err != nil {
		return fmt.Errorf("delete user memory: %w", err)
	}
	return nil
}

// GetMemoryStats counts what is retained for the user.
func (m *Manager) GetMemoryStats(userID string) Stats {
	st := m.lookup(userID)
	if st == nil {
		return Stats{}
	}
	defer st.mu.Unlock()
	return Stats{
		ShortTerm:    st.short.len(),
		Important:    st.important.len(),
		ProfileFacts: st.profile.Facts.count(),
	}
}

// Users lists known user ids in sorted order.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies one user's tiers as of a single instant.
func (m *Manager) Snapshot(userID string) (Snapshot, bool) {
	st := m.lookup(userID)
	if st == nil {
		return Snapshot{}, false
	}
	defer st.mu.Unlock()
	return Snapshot{
		UserID:    userID,
		UpdatedAt: st.updatedAt,
		ShortTerm: st.short.items(),
		Important: st.important.all(),
		Profile:   st.profile.Map(),
		Summary:   st.summary,
	}, true
}

// SnapshotAll copies every user's tiers. Each user is internally consistent;
// users are not snapshotted at the same instant.
func (m *Manager) SnapshotAll() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, id := range m.Users() {
		if snap, ok := m.Snapshot(id); ok {
			out[id] = snap
		}
	}
	return out
}

// SaveAll hands every user's snapshot to the persister. Per-user failures are
// logged and skipped; the count of saved users is returned with the last error.
func (m *Manager) SaveAll() (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	saved := 0
	var lastErr error
	for id, snap := range m.SnapshotAll() {
		if err := m.persister.SaveUserMemory(id, snap); err != nil {
			log.Printf("[memory] save user %s failed: %v", id, err)
			lastErr = fmt.Errorf("save user %s: %w", id, err)
			continue
		}
		saved++
	}
	return saved, lastErr
}
