package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/joy/internal/backup"
	"github.com/stellarlinkco/joy/internal/bus"
	"github.com/stellarlinkco/joy/internal/channel"
	"github.com/stellarlinkco/joy/internal/config"
	"github.com/stellarlinkco/joy/internal/cron"
	"github.com/stellarlinkco/joy/internal/history"
	"github.com/stellarlinkco/joy/internal/joy"
	"github.com/stellarlinkco/joy/internal/llm"
	"github.com/stellarlinkco/joy/internal/memory"
)

const mailboxSize = 16

// ClientFactory creates the language model client (allows mocking in tests)
type ClientFactory func(cfg llm.Config) (llm.Client, error)

// Options for creating a Gateway
type Options struct {
	ClientFactory ClientFactory
	SignalChan    chan os.Signal // for testing signal handling
	// NoChannels builds the stack without chat transports, for local use.
	NoChannels bool
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	channels *channel.ChannelManager
	joy      *joy.Service
	memory   *memory.Manager
	history  *history.Store
	backup   *backup.Manager
	journal  *backup.Journal
	cron     *cron.Service
	llm      llm.Client

	signalChan chan os.Signal // for testing

	mu        sync.Mutex
	mailboxes map[string]chan bus.InboundMessage
	workers   sync.WaitGroup
	cancel    context.CancelFunc
	closing   bool
	shutdown  sync.Once
}

// LLMConfig maps the provider and persona settings onto an llm.Config.
func LLMConfig(cfg *config.Config) llm.Config {
	return llm.Config{
		Provider:     cfg.Provider.Type,
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		Model:        cfg.Provider.Model,
		AgentBackend: cfg.Provider.AgentBackend,
		Workspace:    cfg.Provider.Workspace,
		MaxTokens:    cfg.Generation.MaxOutputTokens,
	}
}

// GenerationOptions maps GenerationConfig onto per-request llm options.
func GenerationOptions(g config.GenerationConfig) llm.Options {
	return llm.Options{
		Temperature:     g.Temperature,
		MaxOutputTokens: g.MaxOutputTokens,
		TopP:            g.TopP,
		TopK:            g.TopK,
	}
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		signalChan: opts.SignalChan,
		mailboxes:  make(map[string]chan bus.InboundMessage),
	}

	// Message bus
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	loc, err := backup.LoadLocation(cfg.Backup.Timezone)
	if err != nil {
		return nil, err
	}

	// Backup journal and file store
	g.journal, err = backup.OpenJournal(cfg.JournalPath())
	if err != nil {
		return nil, fmt.Errorf("open backup journal: %w", err)
	}
	g.backup, err = backup.NewManager(backup.Options{
		ChatDir:   cfg.ChatBackupDir(),
		MemoryDir: cfg.MemoryBackupDir(),
		Location:  loc,
		Journal:   g.journal,
	})
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create backup manager: %w", err)
	}

	// Language model
	factory := opts.ClientFactory
	if factory == nil {
		factory = llm.New
	}
	g.llm, err = factory(LLMConfig(cfg))
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	gen := GenerationOptions(cfg.Generation)

	// Memory and chat log
	g.memory = memory.NewManager(memory.Options{
		ShortTermSize:    cfg.Memory.ShortTermSize,
		ImportantSize:    cfg.Memory.ImportantSize,
		MaxChars:         cfg.Memory.MaxContextChars,
		SummaryThreshold: cfg.Memory.SummaryThreshold,
	}, g.backup, joy.Summarizer(g.llm, gen))
	g.history = history.NewStore(cfg.Memory.MaxHistoryLength)
	g.backup.Attach(g.history, g.memory)

	// Scheduled backups
	g.cron, err = cron.NewService(func(ctx context.Context) error {
		_, err := g.backup.RunCycle(ctx, backup.TriggerScheduled)
		return err
	}, cron.Options{
		Spec:     cfg.Backup.Schedule,
		Location: loc,
		Cooldown: time.Duration(cfg.Backup.CooldownSec) * time.Second,
	})
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create backup scheduler: %w", err)
	}

	g.joy, err = joy.New(joy.Options{
		Memory:     g.memory,
		History:    g.history,
		Backup:     g.backup,
		Schedule:   g.cron,
		LLM:        g.llm,
		Generation: gen,
		RolePrompt: cfg.Persona.RolePrompt,
	})
	if err != nil {
		g.closeResources()
		return nil, err
	}
	if n, err := g.joy.RestoreHistory(); err != nil {
		log.Printf("[gateway] restore chat history warning: %v", err)
	} else {
		log.Printf("[gateway] restored chat history for %d users", n)
	}

	// Channels
	channels := config.ChannelsConfig{}
	if !opts.NoChannels {
		channels = cfg.Channels
	}
	g.channels, err = channel.NewChannelManager(channels, g.bus)
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	return g, nil
}

// Service returns the chat service the channels feed.
func (g *Gateway) Service() *joy.Service { return g.joy }

// Backup returns the backup manager.
func (g *Gateway) Backup() *backup.Manager { return g.backup }

// Memory returns the tiered memory manager.
func (g *Gateway) Memory() *memory.Manager { return g.memory }

// Scheduler returns the backup scheduler.
func (g *Gateway) Scheduler() *cron.Service { return g.cron }

// PrintBackupStats writes a summary of the backup directories to w.
func (g *Gateway) PrintBackupStats(w io.Writer) error {
	st, err := g.backup.Stats()
	if err != nil {
		return fmt.Errorf("scan backups: %w", err)
	}
	fmt.Fprintf(w, "Chat backups:   %d\n", st.ChatBackups)
	fmt.Fprintf(w, "Memory backups: %d\n", st.MemoryBackups)
	fmt.Fprintf(w, "Users:          %d\n", len(st.Users))
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Start launches the channels, the outbound dispatcher, the inbound loop and
// the backup scheduler. It does not block.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.PrintBackupStats(log.Writer()); err != nil {
		log.Printf("[gateway] backup stats warning: %v", err)
	}

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	go g.processLoop(ctx)
	return nil
}

// processLoop hands each inbound message to its sender's mailbox so one
// user's messages are answered in order while users proceed in parallel.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			select {
			case g.mailbox(ctx, msg.UserKey()) <- msg:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) mailbox(ctx context.Context, userID string) chan bus.InboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return nil
	}
	if mb, ok := g.mailboxes[userID]; ok {
		return mb
	}
	mb := make(chan bus.InboundMessage, mailboxSize)
	g.mailboxes[userID] = mb
	g.workers.Add(1)
	go g.serve(ctx, userID, mb)
	return mb
}

func (g *Gateway) serve(ctx context.Context, userID string, mb chan bus.InboundMessage) {
	defer g.workers.Done()
	for {
		select {
		case msg := <-mb:
			g.handle(ctx, userID, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, userID string, msg bus.InboundMessage) {
	reply, ok := g.joy.HandleCommand(ctx, userID, msg.Content)
	if !ok {
		var err error
		reply, err = g.joy.OnUserMessage(ctx, userID, msg.Content)
		if err != nil {
			log.Printf("[gateway] message from %s dropped: %v", userID, err)
			return
		}
	}
	if reply == "" {
		return
	}
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}
	if id, ok := msg.Metadata["message_id"]; ok {
		out.ReplyTo = fmt.Sprint(id)
	}
	if err := g.bus.PublishOutbound(ctx, out); err != nil {
		log.Printf("[gateway] reply to %s dropped: %v", userID, err)
	}
}

// Shutdown stops intake, lets the in-flight backup finish, runs one final
// backup and releases resources. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdown.Do(func() {
		_ = g.channels.StopAll()

		g.mu.Lock()
		g.closing = true
		cancel := g.cancel
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		g.workers.Wait()

		g.cron.Stop()

		if _, cycleErr := g.backup.RunCycle(context.Background(), backup.TriggerShutdown); cycleErr != nil {
			log.Printf("[gateway] final backup failed: %v", cycleErr)
			err = cycleErr
		}

		g.closeResources()
		log.Printf("[gateway] shutdown complete")
	})
	return err
}

func (g *Gateway) closeResources() {
	if c, ok := g.llm.(interface{ Close() }); ok {
		c.Close()
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			log.Printf("[gateway] close backup journal warning: %v", err)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
