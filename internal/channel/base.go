package channel

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/joy/internal/bus"
)

// Channel is a chat transport. Start begins receiving into the bus; Send
// delivers one outbound reply.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}

// splitMessage cuts s into chunks of at most maxRunes runes, preferring to
// break after the last newline in each window.
func splitMessage(s string, maxRunes int) []string {
	var chunks []string
	for utf8.RuneCountInString(s) > maxRunes {
		cut := byteOffset(s, maxRunes)
		if idx := strings.LastIndex(s[:cut], "\n"); idx > 0 {
			cut = idx + 1
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func byteOffset(s string, runes int) int {
	i := 0
	for n := 0; n < runes && i < len(s); n++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
