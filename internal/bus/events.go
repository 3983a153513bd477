package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey identifies the conversation a message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// UserKey identifies the sender across chats. Discord ids are used as-is;
// other channels are prefixed so ids cannot collide.
func (m *InboundMessage) UserKey() string {
	if m.Channel == "discord" || m.Channel == "" {
		return m.SenderID
	}
	return prefixFor(m.Channel) + m.SenderID
}

func prefixFor(channel string) string {
	switch channel {
	case "telegram":
		return "tg-"
	default:
		return channel + "-"
	}
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
