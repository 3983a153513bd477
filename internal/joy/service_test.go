package joy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/joy/internal/backup"
	"github.com/stellarlinkco/joy/internal/cron"
	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/llm"
	"github.com/stellarlinkco/joy/internal/memory"
)

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	opts    []llm.Options
}

func (f *fakeLLM) Complete(_ context.Context, prompt string, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	return f.reply, f.err
}

type fixture struct {
	svc    *Service
	llm    *fakeLLM
	mem    *memory.Manager
	hist   *history.Store
	backup *backup.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	b, err := backup.NewManager(backup.Options{
		ChatDir:   filepath.Join(dir, "chat"),
		MemoryDir: filepath.Join(dir, "memory"),
	})
	if err != nil {
		t.Fatalf("backup.NewManager: %v", err)
	}
	f := &fakeLLM{reply: "嗨，訓練員"}
	mem := memory.NewManager(memory.Options{}, b, nil)
	hist := history.NewStore(0)
	b.Attach(hist, mem)

	svc, err := New(Options{Memory: mem, History: hist, Backup: b, LLM: f, Generation: llm.Options{Temperature: 1.6}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{svc: svc, llm: f, mem: mem, hist: hist, backup: b}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without memory")
	}
	mem := memory.NewManager(memory.Options{}, nil, nil)
	if _, err := New(Options{Memory: mem, History: history.NewStore(0)}); err == nil {
		t.Error("expected error without llm")
	}
}

func TestOnUserMessage_RecordsBothSides(t *testing.T) {
	fx := newFixture(t)
	reply, err := fx.svc.OnUserMessage(context.Background(), "42", "  我叫小明，我喜歡打球。 ")
	if err != nil {
		t.Fatalf("OnUserMessage: %v", err)
	}
	if reply != "嗨，訓練員" {
		t.Errorf("reply = %q", reply)
	}

	if stats := fx.svc.GetStats("42"); stats.ShortTerm != 2 || stats.ProfileFacts != 2 {
		t.Errorf("stats = %+v", stats)
	}
	entries := fx.hist.Entries("42")
	if len(entries) != 2 || entries[0].Sender != memory.SenderUser || entries[1].Content != "嗨，訓練員" {
		t.Errorf("history = %+v", entries)
	}

	prompt := fx.llm.prompts[0]
	if !strings.Contains(prompt, "【核心身份】") || !strings.HasSuffix(prompt, "使用者問題: 我叫小明，我喜歡打球。") {
		t.Errorf("prompt = %q", prompt)
	}
	if fx.llm.opts[0].System != DefaultRolePrompt || fx.llm.opts[0].Temperature != 1.6 {
		t.Errorf("opts = %+v", fx.llm.opts[0])
	}
}

func TestOnUserMessage_StripsHTML(t *testing.T) {
	fx := newFixture(t)
	fx.llm.reply = "<p>你好</p><br><div>訓練員</div>"
	reply, _ := fx.svc.OnUserMessage(context.Background(), "42", "hi")
	if reply != "你好 訓練員" {
		t.Errorf("reply = %q", reply)
	}
}

func TestOnUserMessage_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"blocked", fmt.Errorf("gemini complete: %w", llm.ErrBlocked), ReplyBlocked},
		{"generation", &llm.GenerationError{Provider: "gemini", Err: errors.New("quota")}, ReplyFailed},
		{"empty", &llm.GenerationError{Provider: "gemini", Err: llm.ErrEmptyReply}, ReplyEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.llm.err = tt.err
			reply, err := fx.svc.OnUserMessage(context.Background(), "42", "hello")
			if err != nil {
				t.Fatalf("OnUserMessage: %v", err)
			}
			if reply != tt.want {
				t.Errorf("reply = %q, want %q", reply, tt.want)
			}
			if stats := fx.svc.GetStats("42"); stats.ShortTerm != 1 {
				t.Errorf("fallback must not be remembered, short = %d", stats.ShortTerm)
			}
		})
	}
}

func TestOnUserMessage_MarkupOnlyReply(t *testing.T) {
	fx := newFixture(t)
	fx.llm.reply = "<p> </p><br>"
	reply, err := fx.svc.OnUserMessage(context.Background(), "42", "hello")
	if err != nil || reply != ReplyEmpty {
		t.Errorf("reply = %q, %v, want %q", reply, err, ReplyEmpty)
	}
	if fx.hist.Len("42") != 1 {
		t.Errorf("empty reply must not be recorded, history = %d", fx.hist.Len("42"))
	}
}

func TestOnUserMessage_CapsLongReply(t *testing.T) {
	fx := newFixture(t)
	fx.llm.reply = strings.Repeat("喬", MaxReplyRunes+100)
	reply, err := fx.svc.OnUserMessage(context.Background(), "42", "說個故事")
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Repeat("喬", MaxReplyRunes) + "..."
	if reply != want {
		t.Errorf("reply has %d runes, want %d", len([]rune(reply)), MaxReplyRunes+3)
	}
	entries := fx.hist.Entries("42")
	if last := entries[len(entries)-1]; last.Content != want {
		t.Error("history should keep the capped reply")
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"短句", 5, "短句"},
		{"剛好五個字", 5, "剛好五個字"},
		{"這一句超過五個字", 5, "這一句超過..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestOnUserMessage_EmptyText(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.svc.OnUserMessage(context.Background(), "42", "   "); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestClearMemory_RemovesBackups(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.svc.OnUserMessage(ctx, "42", "我叫小明"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.ForceBackup(ctx); err != nil {
		t.Fatalf("ForceBackup: %v", err)
	}
	if st, _ := fx.backup.Stats(); st.ChatBackups != 1 || st.MemoryBackups != 1 {
		t.Fatalf("stats before clear = %+v", st)
	}

	if err := fx.svc.ClearMemory(ctx, "42"); err != nil {
		t.Fatalf("ClearMemory: %v", err)
	}
	if st, _ := fx.backup.Stats(); st.ChatBackups != 0 || st.MemoryBackups != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
	if fx.hist.Len("42") != 0 {
		t.Error("history not cleared")
	}
	if got := fx.mem.GetContextForResponse("42"); !strings.HasPrefix(got, "【核心身份】") || strings.Contains(got, "小明") {
		t.Errorf("context after clear = %q", got)
	}
}

func TestRestoreHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.svc.OnUserMessage(ctx, "42", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.ForceBackup(ctx); err != nil {
		t.Fatal(err)
	}

	fresh := history.NewStore(0)
	svc, err := New(Options{Memory: fx.mem, History: fresh, Backup: fx.backup, LLM: fx.llm})
	if err != nil {
		t.Fatal(err)
	}
	n, err := svc.RestoreHistory()
	if err != nil || n != 1 {
		t.Fatalf("RestoreHistory = %d, %v", n, err)
	}
	if fresh.Len("42") != 2 {
		t.Errorf("restored len = %d, want 2", fresh.Len("42"))
	}
}

func TestSummarizer_NoPersona(t *testing.T) {
	f := &fakeLLM{reply: "<p>摘要</p>"}
	s := Summarizer(f, llm.Options{System: "persona", Temperature: 0.5})
	got, err := s.Summarize(context.Background(), "transcript")
	if err != nil || got != "摘要" {
		t.Errorf("Summarize = %q, %v", got, err)
	}
	if f.opts[0].System != "" || f.opts[0].Temperature != 0.5 {
		t.Errorf("opts = %+v", f.opts[0])
	}
}

func TestHandleCommand(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.svc.OnUserMessage(ctx, "42", "hello"); err != nil {
		t.Fatal(err)
	}

	if _, ok := fx.svc.HandleCommand(ctx, "42", "hello there"); ok {
		t.Error("chat text treated as command")
	}

	reply, ok := fx.svc.HandleCommand(ctx, "42", " 查看記憶 ")
	if !ok || !strings.Contains(reply, "短期記憶 2 則") || !strings.Contains(reply, "2/80") {
		t.Errorf("memory reply = %q, %v", reply, ok)
	}

	reply, ok = fx.svc.HandleCommand(ctx, "42", "/BACKUP")
	if !ok || !strings.Contains(reply, "備份完成") {
		t.Errorf("backup reply = %q, %v", reply, ok)
	}

	reply, ok = fx.svc.HandleCommand(ctx, "42", "/clear")
	if !ok || !strings.Contains(reply, "已清除") {
		t.Errorf("clear reply = %q, %v", reply, ok)
	}
	if fx.svc.GetStats("42") != (memory.Stats{}) {
		t.Errorf("stats after clear = %+v", fx.svc.GetStats("42"))
	}
}

func TestParseCommand(t *testing.T) {
	tests := map[string]Command{
		"/clear":    CommandClear,
		"清除記憶":      CommandClear,
		"/Memory":   CommandMemory,
		"立即備份":      CommandBackup,
		"/status":    CommandStatus,
		"查看備份狀態":    CommandStatus,
		"系統健康檢查":    CommandHealth,
		"/clearall": CommandNone,
		"":          CommandNone,
	}
	for in, want := range tests {
		if got := ParseCommand(in); got != want {
			t.Errorf("ParseCommand(%q) = %v, want %v", in, got, want)
		}
	}
}

type fakeSchedule struct {
	status cron.Status
	next   time.Time
}

func (f *fakeSchedule) Status() cron.Status { return f.status }

func (f *fakeSchedule) NextRun(time.Time) time.Time { return f.next }

func TestBackupStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	loc := fx.backup.Location()

	reply := fx.svc.BackupStatus("42")
	for _, want := range []string{"上次備份時間：無備份紀錄", "下次自動備份：自動備份未運行", "你最後的訊息：無", "喬伊最後的回覆：無"} {
		if !strings.Contains(reply, want) {
			t.Errorf("fresh status missing %q: %s", want, reply)
		}
	}

	long := strings.Repeat("練", 200)
	if _, err := fx.svc.OnUserMessage(ctx, "42", long); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.ForceBackup(ctx); err != nil {
		t.Fatal(err)
	}
	next := time.Date(2025, 3, 1, 10, 30, 0, 0, loc)
	fx.svc.schedule = &fakeSchedule{status: cron.Status{State: cron.StateWaiting, Next: next}}

	reply, ok := fx.svc.HandleCommand(ctx, "42", "查看備份狀態")
	if !ok {
		t.Fatal("status command not recognised")
	}
	for _, want := range []string{
		"下次自動備份：2025-03-01 10:30:00",
		"你最後的訊息：" + strings.Repeat("練", statusPreviewRunes) + "...",
		"喬伊最後的回覆：嗨，訓練員",
		"對話紀錄 2/80 則",
	} {
		if !strings.Contains(reply, want) {
			t.Errorf("status missing %q: %s", want, reply)
		}
	}
	if strings.Contains(reply, "無備份紀錄") {
		t.Errorf("status should show the backup just written: %s", reply)
	}
}

func TestBackupStatus_RunningUsesNextRun(t *testing.T) {
	fx := newFixture(t)
	next := time.Date(2025, 3, 1, 11, 0, 0, 0, fx.backup.Location())
	fx.svc.schedule = &fakeSchedule{status: cron.Status{State: cron.StateRunning}, next: next}
	if reply := fx.svc.BackupStatus("42"); !strings.Contains(reply, "下次自動備份：2025-03-01 11:00:00") {
		t.Errorf("status = %s", reply)
	}
}

func TestHealth(t *testing.T) {
	waiting := &fakeSchedule{status: cron.Status{State: cron.StateWaiting}}
	idle := &fakeSchedule{status: cron.Status{State: cron.StateIdle}}
	tests := []struct {
		name      string
		backedUp  bool
		noBackup  bool
		schedule  Schedule
		want      string
		wantIssue []string
	}{
		{"healthy", true, false, waiting, HealthOK, nil},
		{"loop stopped", true, false, idle, HealthDegraded, []string{"自動備份循環未運行"}},
		{"no loop", true, false, nil, HealthDegraded, []string{"自動備份循環未運行"}},
		{"no directories yet", false, false, waiting, HealthDegraded, []string{"聊天備份目錄不存在", "記憶備份目錄不存在"}},
		{"backup missing", false, true, waiting, HealthBroken, []string{"備份功能未設定"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			if tt.backedUp {
				if _, err := fx.svc.OnUserMessage(ctx, "42", "hello"); err != nil {
					t.Fatal(err)
				}
				if _, err := fx.svc.ForceBackup(ctx); err != nil {
					t.Fatal(err)
				}
			}
			if tt.noBackup {
				fx.svc.backup = nil
			}
			fx.svc.schedule = tt.schedule

			level, issues := fx.svc.Health()
			if level != tt.want {
				t.Errorf("level = %q, want %q", level, tt.want)
			}
			if len(issues) != len(tt.wantIssue) {
				t.Fatalf("issues = %v, want %v", issues, tt.wantIssue)
			}
			for i, want := range tt.wantIssue {
				if !strings.Contains(issues[i], want) {
					t.Errorf("issue %d = %q, want %q", i, issues[i], want)
				}
			}
		})
	}
}

func TestHandleCommand_Health(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.svc.OnUserMessage(ctx, "42", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.ForceBackup(ctx); err != nil {
		t.Fatal(err)
	}
	fx.svc.schedule = &fakeSchedule{status: cron.Status{State: cron.StateWaiting}}

	reply, ok := fx.svc.HandleCommand(ctx, "42", "/health")
	if !ok || !strings.Contains(reply, HealthOK) || !strings.Contains(reply, "所有檢查項目都正常") {
		t.Errorf("health reply = %q, %v", reply, ok)
	}
}
