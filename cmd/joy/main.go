package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/joy/internal/backup"
	"github.com/stellarlinkco/joy/internal/config"
	"github.com/stellarlinkco/joy/internal/cron"
	"github.com/stellarlinkco/joy/internal/gateway"
	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/memory"
)

// localUserID is the memory key of the terminal user in chat mode.
const localUserID = "cli-local"

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	ClientFactory gateway.ClientFactory
	Message       string
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "joy",
	Short: "joy - a chat companion with tiered memory and scheduled backups",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to Joy in the terminal (single message or REPL)",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (discord + telegram + scheduled backups)",
	RunE:  runGateway,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Reload the stored snapshots and write a fresh backup cycle",
	RunE:  runBackup,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, backups and recent backup cycles",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(chatCmd, gatewayCmd, backupCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{Message: messageFlag})
}

// runChatWithOptions runs a local conversation with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if opts.ClientFactory == nil && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'joy onboard' or set JOY_API_KEY / GEMINI_API_KEY")
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		ClientFactory: opts.ClientFactory,
		NoChannels:    true,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	ctx := context.Background()
	svc := gw.Service()
	gw.Memory().Load(localUserID)

	reply := func(input string) (string, error) {
		if out, ok := svc.HandleCommand(ctx, localUserID, input); ok {
			return out, nil
		}
		return svc.OnUserMessage(ctx, localUserID, input)
	}

	// Single message mode
	if opts.Message != "" {
		out, err := reply(opts.Message)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, out)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "joy chat (type 'exit' to quit, /memory /status /health /backup /clear for commands)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		out, err := reply(input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, out)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'joy onboard' or set JOY_API_KEY / GEMINI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	report, err := backupOnce(context.Background(), cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Backup %s: chats=%d memories=%d failures=%d\n",
		report.ID, report.ChatsSaved, report.MemoriesSaved, report.Failures)
	return nil
}

// backupOnce loads every stored chat log and memory snapshot and writes them
// back as one manual cycle. It needs no model access.
func backupOnce(ctx context.Context, cfg *config.Config) (backup.Report, error) {
	loc, err := backup.LoadLocation(cfg.Backup.Timezone)
	if err != nil {
		return backup.Report{}, err
	}
	journal, err := backup.OpenJournal(cfg.JournalPath())
	if err != nil {
		return backup.Report{}, fmt.Errorf("open backup journal: %w", err)
	}
	defer journal.Close()

	mgr, err := backup.NewManager(backup.Options{
		ChatDir:   cfg.ChatBackupDir(),
		MemoryDir: cfg.MemoryBackupDir(),
		Location:  loc,
		Journal:   journal,
	})
	if err != nil {
		return backup.Report{}, fmt.Errorf("create backup manager: %w", err)
	}

	hist := history.NewStore(cfg.Memory.MaxHistoryLength)
	mem := memory.NewManager(memory.Options{
		ShortTermSize:    cfg.Memory.ShortTermSize,
		ImportantSize:    cfg.Memory.ImportantSize,
		MaxChars:         cfg.Memory.MaxContextChars,
		SummaryThreshold: cfg.Memory.SummaryThreshold,
	}, mgr, nil)
	mgr.Attach(hist, mem)

	logs, err := mgr.LoadChatHistory()
	if err != nil {
		return backup.Report{}, fmt.Errorf("load chat history: %w", err)
	}
	hist.Restore(logs)

	st, err := mgr.Stats()
	if err != nil {
		return backup.Report{}, fmt.Errorf("scan backups: %w", err)
	}
	for _, userID := range st.MemoryUsers {
		mem.Load(userID)
	}

	return mgr.RunCycle(ctx, backup.TriggerManual)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.ChatBackupDir(), cfg.MemoryBackupDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	fmt.Printf("Data dir ready: %s\n", cfg.Backup.DataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and bot tokens\n", cfgPath)
	fmt.Println("  2. Or set JOY_API_KEY / DC_BOT_TOKEN environment variables")
	fmt.Println("  3. Run 'joy chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return printStatus(os.Stdout)
}

func printStatus(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Provider: %s\n", cfg.Provider.Type)
	fmt.Fprintf(w, "Model: %s\n", modelDisplay(cfg.Provider.Model))
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(w, "Discord: enabled=%v\n", cfg.Channels.Discord.Enabled || cfg.Channels.Discord.Token != "")
	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "")
	fmt.Fprintf(w, "Data dir: %s\n", cfg.Backup.DataDir)

	loc, err := backup.LoadLocation(cfg.Backup.Timezone)
	if err != nil {
		fmt.Fprintf(w, "Timezone: error (%v)\n", err)
		return nil
	}
	sched, err := cron.NewService(func(context.Context) error { return nil }, cron.Options{
		Spec:     cfg.Backup.Schedule,
		Location: loc,
	})
	if err != nil {
		fmt.Fprintf(w, "Schedule: error (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Schedule: %s (%s), next %s\n", cfg.Backup.Schedule, loc,
			sched.NextRun(time.Now()).Format(time.DateTime))
	}

	mgr, err := backup.NewManager(backup.Options{
		ChatDir:   cfg.ChatBackupDir(),
		MemoryDir: cfg.MemoryBackupDir(),
		Location:  loc,
	})
	if err != nil {
		return err
	}
	st, err := mgr.Stats()
	if err != nil {
		fmt.Fprintf(w, "Backups: error (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Backups: %d chat, %d memory, %d users\n", st.ChatBackups, st.MemoryBackups, len(st.Users))
	}

	if _, err := os.Stat(cfg.JournalPath()); err != nil {
		fmt.Fprintln(w, "Journal: empty")
		return nil
	}
	journal, err := backup.OpenJournal(cfg.JournalPath())
	if err != nil {
		fmt.Fprintf(w, "Journal: error (%v)\n", err)
		return nil
	}
	defer journal.Close()

	reports, err := journal.Recent(context.Background(), 5)
	if err != nil {
		fmt.Fprintf(w, "Journal: error (%v)\n", err)
		return nil
	}
	fmt.Fprintln(w, "Recent backups:")
	for _, r := range reports {
		line := fmt.Sprintf("  %s %-9s chats=%d memories=%d failures=%d",
			r.StartedAt.In(loc).Format(time.DateTime), r.Trigger, r.ChatsSaved, r.MemoriesSaved, r.Failures)
		if r.Err != "" {
			line += " error=" + r.Err
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func modelDisplay(m string) string {
	if m == "" {
		return "(provider default)"
	}
	return m
}

func maskKey(key string) string {
	switch {
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	case key != "":
		return "set"
	default:
		return "not set"
	}
}
