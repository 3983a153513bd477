package joy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/joy/internal/cron"
	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/memory"
)

// Command is an in-chat control message.
type Command int

const (
	CommandNone Command = iota
	CommandClear
	CommandMemory
	CommandBackup
	CommandStatus
	CommandHealth
)

// statusPreviewRunes bounds the last exchange quoted by the status reply.
const statusPreviewRunes = 150

// Health levels reported by Health.
const (
	HealthOK       = "健康"
	HealthDegraded = "需要維護"
	HealthBroken   = "異常"
)

var commandAliases = map[string]Command{
	"/clear":  CommandClear,
	"清除記憶":    CommandClear,
	"/memory": CommandMemory,
	"查看記憶":    CommandMemory,
	"/backup": CommandBackup,
	"立即備份":    CommandBackup,
	"/status":  CommandStatus,
	"查看備份狀態":  CommandStatus,
	"/health":  CommandHealth,
	"系統健康檢查":  CommandHealth,
}

// ParseCommand recognises a control message. Anything else is chat.
func ParseCommand(text string) Command {
	return commandAliases[strings.ToLower(strings.TrimSpace(text))]
}

// HandleCommand executes a control message and returns the reply. ok is
// false when text is ordinary chat.
func (s *Service) HandleCommand(ctx context.Context, userID, text string) (reply string, ok bool) {
	switch ParseCommand(text) {
	case CommandClear:
		if err := s.ClearMemory(ctx, userID); err != nil {
			log.Printf("[joy] %v", err)
			return "清除記憶時發生錯誤，請稍後再試。", true
		}
		return "已清除你與喬伊的所有記憶與對話紀錄。", true
	case CommandMemory:
		st := s.GetStats(userID)
		return fmt.Sprintf("記憶狀態：短期記憶 %d 則、重要記憶 %d 則、個人資料 %d 項；對話紀錄 %d/%d 則。",
			st.ShortTerm, st.Important, st.ProfileFacts, s.history.Len(userID), s.history.MaxLength()), true
	case CommandBackup:
		report, err := s.ForceBackup(ctx)
		if err != nil {
			log.Printf("[joy] manual backup failed: %v", err)
			return "備份失敗，請稍後再試。", true
		}
		return fmt.Sprintf("備份完成：聊天紀錄 %d 份、記憶 %d 份。", report.ChatsSaved, report.MemoriesSaved), true
	case CommandStatus:
		return s.BackupStatus(userID), true
	case CommandHealth:
		level, issues := s.Health()
		if len(issues) == 0 {
			return "系統健康檢查：" + level + "\n所有檢查項目都正常", true
		}
		return "系統健康檢查：" + level + "\n" + strings.Join(issues, "\n"), true
	default:
		return "", false
	}
}

// BackupStatus describes the user's latest backup, the next scheduled run
// and the last exchange on record.
func (s *Service) BackupStatus(userID string) string {
	now := time.Now()
	loc := time.Local
	last := "無備份紀錄"
	if s.backup != nil {
		loc = s.backup.Location()
		at, ok, err := s.backup.LatestChatBackup(userID)
		switch {
		case err != nil:
			log.Printf("[joy] read backup status for user %s: %v", userID, err)
			last = "讀取失敗"
		case ok:
			last = at.In(loc).Format(time.DateTime)
		}
	}

	next := "自動備份未運行"
	if s.schedule != nil {
		if st := s.schedule.Status(); st.State != cron.StateIdle {
			at := st.Next
			if at.IsZero() {
				at = s.schedule.NextRun(now)
			}
			next = at.In(loc).Format(time.DateTime)
		}
	}

	entries := s.history.Entries(userID)
	lastUser := lastFrom(entries, memory.SenderUser)
	lastJoy := lastFrom(entries, memory.SenderAssistant)

	st := s.GetStats(userID)
	var b strings.Builder
	fmt.Fprintf(&b, "備份狀態：\n上次備份時間：%s\n下次自動備份：%s\n", last, next)
	fmt.Fprintf(&b, "你最後的訊息：%s\n喬伊最後的回覆：%s\n", lastUser, lastJoy)
	fmt.Fprintf(&b, "記憶系統狀態：短期記憶 %d 則、重要記憶 %d 則、個人資料 %d 項；對話紀錄 %d/%d 則。",
		st.ShortTerm, st.Important, st.ProfileFacts, len(entries), s.history.MaxLength())
	return b.String()
}

func lastFrom(entries []history.Entry, sender memory.Sender) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Sender == sender {
			return truncateRunes(entries[i].Content, statusPreviewRunes)
		}
	}
	return "無"
}

// Health checks the backup directories and the scheduled loop. Directories
// appear on the first backup, so missing ones only degrade the status.
func (s *Service) Health() (level string, issues []string) {
	if s.backup == nil {
		return HealthBroken, []string{"❌ 備份功能未設定"}
	}
	chat, mem := s.backup.DirsExist()
	if !chat {
		issues = append(issues, "⚠️ 聊天備份目錄不存在")
	}
	if !mem {
		issues = append(issues, "⚠️ 記憶備份目錄不存在")
	}
	if s.schedule == nil || s.schedule.Status().State == cron.StateIdle {
		issues = append(issues, "⚠️ 自動備份循環未運行")
	}
	if len(issues) > 0 {
		return HealthDegraded, issues
	}
	return HealthOK, nil
}
