package backup

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	chatPrefix   = "chat_backup_"
	memoryPrefix = "memory_"
	fileExt      = ".json"

	stampLayout = "20060102_150405"

	// DefaultTimezone is the zone backup filenames are stamped in.
	DefaultTimezone = "Asia/Taipei"
)

type kind int

const (
	kindChat kind = iota
	kindMemory
)

func (k kind) prefix() string {
	if k == kindChat {
		return chatPrefix
	}
	return memoryPrefix
}

func (k kind) String() string {
	if k == kindChat {
		return "chat"
	}
	return "memory"
}

// LoadLocation resolves a timezone name, falling back to DefaultTimezone for
// an empty name.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// ChatFileName builds chat_backup_<uid>_<YYYYMMDD>_<HHMMSS>_<micro>.json.
func ChatFileName(userID string, t time.Time) string {
	return fmt.Sprintf("%s%s_%s_%06d%s", chatPrefix, userID, t.Format(stampLayout), t.Nanosecond()/1000, fileExt)
}

// MemoryFileName builds memory_<uid>.json.
func MemoryFileName(userID string) string {
	return memoryPrefix + userID + fileExt
}

// snapshotFile is one parsed backup file.
type snapshotFile struct {
	path   string
	userID string
	at     time.Time
}

// parseChatFileName splits a chat backup filename into user id and embedded
// timestamp. The timestamp is parsed from the right so user ids may contain
// underscores. The legacy form without microseconds is accepted.
func parseChatFileName(name string, loc *time.Location) (string, time.Time, error) {
	body, ok := trimKind(name, kindChat)
	if !ok {
		return "", time.Time{}, fmt.Errorf("not a chat backup: %q", name)
	}
	userID, ts, ok := splitStamp(body, loc)
	if !ok || userID == "" {
		return "", time.Time{}, fmt.Errorf("malformed chat backup name %q", name)
	}
	return userID, ts, nil
}

// parseMemoryFileName returns the user id of a memory snapshot file. The
// current format has no timestamp; versioned names written by older builds
// carry one and report versioned=true.
func parseMemoryFileName(name string, loc *time.Location) (userID string, ts time.Time, versioned bool, err error) {
	body, ok := trimKind(name, kindMemory)
	if !ok || body == "" {
		return "", time.Time{}, false, fmt.Errorf("malformed memory backup name %q", name)
	}
	if id, at, ok := splitStamp(body, loc); ok && id != "" {
		return id, at, true, nil
	}
	return body, time.Time{}, false, nil
}

func trimKind(name string, k kind) (string, bool) {
	if !strings.HasPrefix(name, k.prefix()) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, k.prefix()), fileExt), true
}

func splitStamp(body string, loc *time.Location) (string, time.Time, bool) {
	parts := strings.Split(body, "_")
	n := len(parts)
	if n >= 4 && isDigits(parts[n-3], 8) && isDigits(parts[n-2], 6) && isMicros(parts[n-1]) {
		ts, err := time.ParseInLocation(stampLayout, parts[n-3]+"_"+parts[n-2], loc)
		if err == nil {
			micro, _ := strconv.Atoi(padMicros(parts[n-1]))
			return strings.Join(parts[:n-3], "_"), ts.Add(time.Duration(micro) * time.Microsecond), true
		}
	}
	if n >= 3 && isDigits(parts[n-2], 8) && isDigits(parts[n-1], 6) {
		ts, err := time.ParseInLocation(stampLayout, parts[n-2]+"_"+parts[n-1], loc)
		if err == nil {
			return strings.Join(parts[:n-2], "_"), ts, true
		}
	}
	return "", time.Time{}, false
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	return allDigits(s)
}

func isMicros(s string) bool {
	return len(s) >= 1 && len(s) <= 6 && allDigits(s)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// padMicros right-pads a fractional second field so "5" reads as 500000.
func padMicros(s string) string {
	return s + strings.Repeat("0", 6-len(s))
}

// scan lists the parseable files of one kind in dir. Malformed names are
// logged and skipped. A missing directory yields no files.
func scan(dir string, k kind, loc *time.Location) ([]snapshotFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s dir: %w", k, err)
	}

	var files []snapshotFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, k.prefix()) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		path := filepath.Join(dir, name)
		switch k {
		case kindChat:
			uid, ts, err := parseChatFileName(name, loc)
			if err != nil {
				log.Printf("[backup] skip %s backup: %v", k, err)
				continue
			}
			files = append(files, snapshotFile{path: path, userID: uid, at: ts})
		case kindMemory:
			uid, ts, versioned, err := parseMemoryFileName(name, loc)
			if err != nil {
				log.Printf("[backup] skip %s backup: %v", k, err)
				continue
			}
			if !versioned {
				info, err := e.Info()
				if err != nil {
					log.Printf("[backup] skip %s backup %s: %v", k, name, err)
					continue
				}
				ts = info.ModTime()
			}
			files = append(files, snapshotFile{path: path, userID: uid, at: ts})
		}
	}
	return files, nil
}

// latestFirst groups files by user, newest first by parsed timestamp.
func latestFirst(files []snapshotFile) map[string][]snapshotFile {
	byUser := make(map[string][]snapshotFile)
	for _, f := range files {
		byUser[f.userID] = append(byUser[f.userID], f)
	}
	for _, list := range byUser {
		sort.SliceStable(list, func(i, j int) bool { return list[i].at.After(list[j].at) })
	}
	return byUser
}
