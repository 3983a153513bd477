package channel

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stellarlinkco/joy/internal/bus"
	"github.com/stellarlinkco/joy/internal/config"
)

// Discord rejects messages over 2000 characters; discordMaxRunes leaves room
// for the code fence.
const (
	discordChannelName = "discord"
	discordMaxRunes    = 1990
	emptyMentionEmoji  = "❓"
)

// DiscordSession is the subset of discordgo.Session the channel uses.
type DiscordSession interface {
	Open() error
	Close() error
	AddMessageHandler(fn func(*discordgo.MessageCreate))
	SendMessage(channelID, content string) error
	SendReply(channelID, content, replyTo string) error
	React(channelID, messageID, emoji string) error
	SelfID() string
}

type discordSessionWrapper struct {
	s *discordgo.Session
}

func (w *discordSessionWrapper) Open() error  { return w.s.Open() }
func (w *discordSessionWrapper) Close() error { return w.s.Close() }

func (w *discordSessionWrapper) AddMessageHandler(fn func(*discordgo.MessageCreate)) {
	w.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { fn(m) })
}

func (w *discordSessionWrapper) SendMessage(channelID, content string) error {
	_, err := w.s.ChannelMessageSend(channelID, content)
	return err
}

func (w *discordSessionWrapper) SendReply(channelID, content, replyTo string) error {
	_, err := w.s.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: replyTo,
		ChannelID: channelID,
	})
	return err
}

func (w *discordSessionWrapper) React(channelID, messageID, emoji string) error {
	return w.s.MessageReactionAdd(channelID, messageID, emoji)
}

func (w *discordSessionWrapper) SelfID() string {
	if w.s.State == nil || w.s.State.User == nil {
		return ""
	}
	return w.s.State.User.ID
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	return &discordSessionWrapper{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token   string
	session DiscordSession
	factory SessionFactory
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, b, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		factory:     factory,
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	s, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.AddMessageHandler(d.handleMessage)
	// Events can arrive while Open is still running.
	d.session = s
	if err := s.Open(); err != nil {
		d.session = nil
		return fmt.Errorf("open discord session: %w", err)
	}
	log.Printf("[discord] connected")
	return nil
}

// handleMessage forwards direct messages and guild messages that mention the
// bot. @everyone pings are ignored and a bare mention gets a ❓ reaction.
func (d *DiscordChannel) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	selfID := ""
	if d.session != nil {
		selfID = d.session.SelfID()
	}
	if m.Author.ID == selfID {
		return
	}
	if m.MentionEveryone {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentions(m.Mentions, selfID) {
		return
	}
	if !d.IsAllowed(m.Author.ID) {
		log.Printf("[discord] rejected message from %s (%s)", m.Author.ID, m.Author.Username)
		return
	}

	content := strings.TrimSpace(stripMention(m.Content, selfID))
	if content == "" {
		if d.session != nil {
			if err := d.session.React(m.ChannelID, m.ID, emptyMentionEmoji); err != nil {
				log.Printf("[discord] react failed: %v", err)
			}
		}
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	d.bus.Inbound <- bus.InboundMessage{
		Channel:   discordChannelName,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		Content:   content,
		Timestamp: ts,
		Metadata: map[string]any{
			"username":   m.Author.Username,
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
	}
}

func mentions(users []*discordgo.User, id string) bool {
	if id == "" {
		return false
	}
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func stripMention(content, id string) string {
	if id == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+id+">", "")
	return strings.ReplaceAll(content, "<@!"+id+">", "")
}

func (d *DiscordChannel) Stop() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	log.Printf("[discord] stopped")
	return nil
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

// Send replies inside a code block, split to fit Discord's message limit.
// With ReplyTo set, the first chunk quotes the user's message.
func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord session not initialized")
	}
	body := strings.ReplaceAll(msg.Content, "```", "'''")
	for i, chunk := range splitMessage(body, discordMaxRunes) {
		content := "```" + chunk + "```"
		var err error
		if i == 0 && msg.ReplyTo != "" {
			err = d.session.SendReply(msg.ChatID, content, msg.ReplyTo)
		} else {
			err = d.session.SendMessage(msg.ChatID, content)
		}
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
