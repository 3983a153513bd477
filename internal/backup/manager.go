// Package backup persists chat logs and memory snapshots as per-user JSON
// files and restores the latest one of each at startup.
//
// Retention is latest-wins by deletion: before each save every earlier file
// of that user and kind is removed, then the new file is written in full.
// A crash between the delete and the write loses that user's snapshot until
// the next cycle.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/memory"
)

// Trigger names why a cycle ran.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerShutdown  = "shutdown"
)

// ChatSource provides the chat logs to persist.
type ChatSource interface {
	SnapshotAll() map[string][]history.Entry
}

// MemorySaver persists every user's memory, typically through this
// manager's SaveUserMemory.
type MemorySaver interface {
	SaveAll() (int, error)
}

// Options configures a Manager.
type Options struct {
	ChatDir   string
	MemoryDir string
	Location  *time.Location
	// Journal is optional.
	Journal *Journal
}

// Report summarises one backup cycle.
type Report struct {
	ID            string
	Trigger       string
	StartedAt     time.Time
	FinishedAt    time.Time
	ChatsSaved    int
	MemoriesSaved int
	Failures      int
	Err           string
}

// Stats is a read-only scan of the backup directories.
type Stats struct {
	ChatBackups   int
	MemoryBackups int
	// Users is the union of ChatUsers and MemoryUsers.
	Users       []string
	ChatUsers   []string
	MemoryUsers []string
}

// Manager reads and writes backup files. File operations for one user are
// serialised; different users never touch the same files.
type Manager struct {
	chatDir   string
	memoryDir string
	loc       *time.Location
	journal   *Journal
	now       func() time.Time

	srcMu  sync.RWMutex
	chats  ChatSource
	memory MemorySaver

	cycleMu sync.Mutex
	locks   sync.Map // user id -> *sync.Mutex
}

// NewManager creates a manager. Directories are created on first write.
func NewManager(opts Options) (*Manager, error) {
	if opts.ChatDir == "" || opts.MemoryDir == "" {
		return nil, errors.New("backup directories are required")
	}
	loc := opts.Location
	if loc == nil {
		var err error
		if loc, err = LoadLocation(""); err != nil {
			return nil, err
		}
	}
	return &Manager{
		chatDir:   opts.ChatDir,
		memoryDir: opts.MemoryDir,
		loc:       loc,
		journal:   opts.Journal,
		now:       time.Now,
	}, nil
}

// Attach sets the sources RunCycle saves from.
func (m *Manager) Attach(chats ChatSource, mem MemorySaver) {
	m.srcMu.Lock()
	defer m.srcMu.Unlock()
	m.chats = chats
	m.memory = mem
}

// Location returns the zone filenames are stamped in.
func (m *Manager) Location() *time.Location { return m.loc }

// Journal returns the attached journal, or nil.
func (m *Manager) Journal() *Journal { return m.journal }

func (m *Manager) userLock(userID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SaveChatHistory writes one file per user with a non-empty log. Per-user
// failures are logged and skipped; the last one is returned.
func (m *Manager) SaveChatHistory(logs map[string][]history.Entry) (int, error) {
	if len(logs) == 0 {
		log.Printf("[backup] no chat history to back up")
		return 0, nil
	}
	if err := os.MkdirAll(m.chatDir, 0755); err != nil {
		return 0, fmt.Errorf("create chat dir: %w", err)
	}

	saved := 0
	var lastErr error
	for _, userID := range sortedKeys(logs) {
		entries := logs[userID]
		if len(entries) == 0 {
			continue
		}
		if err := m.saveChat(userID, entries); err != nil {
			log.Printf("[backup] save chat for user %s failed: %v", userID, err)
			lastErr = fmt.Errorf("save chat %s: %w", userID, err)
			continue
		}
		saved++
	}
	return saved, lastErr
}

func (m *Manager) saveChat(userID string, entries []history.Entry) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	at := m.now().In(m.loc)
	data, err := encodeChat(userID, at, entries)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	if err := m.deleteFiles(m.chatDir, kindChat, userID); err != nil {
		return err
	}
	path := filepath.Join(m.chatDir, ChatFileName(userID, at))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write chat backup: %w", err)
	}
	return nil
}

// LoadChatHistory restores the latest chat log of every user found in the
// chat directory. Unreadable files fall back to the next newest.
func (m *Manager) LoadChatHistory() (map[string][]history.Entry, error) {
	files, err := scan(m.chatDir, kindChat, m.loc)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]history.Entry)
	for userID, candidates := range latestFirst(files) {
		for _, f := range candidates {
			data, err := os.ReadFile(f.path)
			if err != nil {
				log.Printf("[backup] read %s failed: %v", filepath.Base(f.path), err)
				continue
			}
			entries, err := decodeChat(data)
			if err != nil {
				log.Printf("[backup] skip %s: %v", filepath.Base(f.path), err)
				continue
			}
			out[userID] = entries
			log.Printf("[backup] loaded chat history for user %s from %s", userID, filepath.Base(f.path))
			break
		}
	}
	return out, nil
}

// SaveUserMemory replaces the user's memory snapshot.
func (m *Manager) SaveUserMemory(userID string, snap memory.Snapshot) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(m.memoryDir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	snap.UserID = userID
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = m.now()
	}
	snap.UpdatedAt = snap.UpdatedAt.In(m.loc)
	data, err := encodeMemory(snap)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if err := m.deleteFiles(m.memoryDir, kindMemory, userID); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.memoryDir, MemoryFileName(userID)), data, 0644); err != nil {
		return fmt.Errorf("write memory backup: %w", err)
	}
	return nil
}

// LoadUserMemory returns the user's latest memory snapshot, or nil when none
// exists.
func (m *Manager) LoadUserMemory(userID string) (*memory.Snapshot, error) {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	files, err := scan(m.memoryDir, kindMemory, m.loc)
	if err != nil {
		return nil, err
	}
	for _, f := range latestFirst(files)[userID] {
		data, err := os.ReadFile(f.path)
		if err != nil {
			log.Printf("[backup] read %s failed: %v", filepath.Base(f.path), err)
			continue
		}
		snap, err := decodeMemory(userID, data)
		if err != nil {
			log.Printf("[backup] skip %s: %v", filepath.Base(f.path), err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

// DeleteUserMemory removes every memory snapshot of the user.
func (m *Manager) DeleteUserMemory(userID string) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return m.deleteFiles(m.memoryDir, kindMemory, userID)
}

// DeleteChatHistory removes every chat backup of the user.
func (m *Manager) DeleteChatHistory(userID string) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return m.deleteFiles(m.chatDir, kindChat, userID)
}

// deleteFiles removes the user's files of one kind. Names are parsed so a
// user id that prefixes another user's id never matches.
func (m *Manager) deleteFiles(dir string, k kind, userID string) error {
	files, err := scan(dir, k, m.loc)
	if err != nil {
		return err
	}
	var lastErr error
	for _, f := range files {
		if f.userID != userID {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("[backup] remove %s failed: %v", filepath.Base(f.path), err)
			lastErr = fmt.Errorf("remove old %s backup: %w", k, err)
		}
	}
	return lastErr
}

// Stats counts backup files per kind and the distinct users across both.
func (m *Manager) Stats() (Stats, error) {
	chats, err := scan(m.chatDir, kindChat, m.loc)
	if err != nil {
		return Stats{}, err
	}
	mems, err := scan(m.memoryDir, kindMemory, m.loc)
	if err != nil {
		return Stats{}, err
	}
	users := make(map[string]struct{})
	chatUsers := make(map[string]struct{})
	memUsers := make(map[string]struct{})
	for _, f := range chats {
		users[f.userID] = struct{}{}
		chatUsers[f.userID] = struct{}{}
	}
	for _, f := range mems {
		users[f.userID] = struct{}{}
		memUsers[f.userID] = struct{}{}
	}
	return Stats{
		ChatBackups:   len(chats),
		MemoryBackups: len(mems),
		Users:         sortedKeys(users),
		ChatUsers:     sortedKeys(chatUsers),
		MemoryUsers:   sortedKeys(memUsers),
	}, nil
}

// LatestChatBackup returns the embedded time of the user's newest chat log
// file. ok is false when the user has none.
func (m *Manager) LatestChatBackup(userID string) (at time.Time, ok bool, err error) {
	files, err := scan(m.chatDir, kindChat, m.loc)
	if err != nil {
		return time.Time{}, false, err
	}
	candidates := latestFirst(files)[userID]
	if len(candidates) == 0 {
		return time.Time{}, false, nil
	}
	return candidates[0].at, true, nil
}

// DirsExist reports whether the chat and memory directories are present.
func (m *Manager) DirsExist() (chat, mem bool) {
	return dirExists(m.chatDir), dirExists(m.memoryDir)
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// RunCycle saves every chat log and then every memory snapshot. Cycles are
// serialised. Per-user failures are counted, not fatal; the returned error is
// non-nil only when a whole stage failed.
func (m *Manager) RunCycle(ctx context.Context, trigger string) (Report, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.srcMu.RLock()
	chats, mem := m.chats, m.memory
	m.srcMu.RUnlock()

	report := Report{ID: NewCycleID(), Trigger: trigger, StartedAt: m.now()}
	log.Printf("[backup] cycle %s (%s) started", report.ID, trigger)

	var errs []error
	if chats != nil {
		logs := chats.SnapshotAll()
		saved, err := m.SaveChatHistory(logs)
		report.ChatsSaved = saved
		if err != nil {
			report.Failures += countNonEmpty(logs) - saved
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	} else if mem != nil {
		saved, err := mem.SaveAll()
		report.MemoriesSaved = saved
		if err != nil {
			report.Failures++
			errs = append(errs, err)
		}
	}
	report.FinishedAt = m.now()

	var cycleErr error
	if len(errs) > 0 {
		cycleErr = errors.Join(errs...)
		report.Err = cycleErr.Error()
	}
	log.Printf("[backup] cycle %s finished: chats=%d memories=%d failures=%d", report.ID, report.ChatsSaved, report.MemoriesSaved, report.Failures)

	if m.journal != nil {
		if err := m.journal.Record(context.WithoutCancel(ctx), report); err != nil {
			log.Printf("[backup] journal warning: %v", err)
		}
	}
	if report.ChatsSaved == 0 && report.MemoriesSaved == 0 && cycleErr != nil {
		return report, fmt.Errorf("backup cycle: %w", cycleErr)
	}
	return report, nil
}

func countNonEmpty(logs map[string][]history.Entry) int {
	n := 0
	for _, entries := range logs {
		if len(entries) > 0 {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
