package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUserKey(t *testing.T) {
	tests := []struct {
		msg  InboundMessage
		want string
	}{
		{InboundMessage{Channel: "discord", SenderID: "1234"}, "1234"},
		{InboundMessage{Channel: "telegram", SenderID: "1234"}, "tg-1234"},
		{InboundMessage{Channel: "cli", SenderID: "local"}, "cli-local"},
		{InboundMessage{SenderID: "x"}, "x"},
	}
	for _, tt := range tests {
		if got := tt.msg.UserKey(); got != tt.want {
			t.Errorf("UserKey(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "99"}
	if got := msg.SessionKey(); got != "telegram:99" {
		t.Errorf("SessionKey = %q", got)
	}
}

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(4)

	var mu sync.Mutex
	got := map[string][]string{}
	done := make(chan struct{}, 2)
	for _, name := range []string{"discord", "telegram"} {
		name := name
		b.SubscribeOutbound(name, func(msg OutboundMessage) {
			mu.Lock()
			got[name] = append(got[name], msg.Content)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	_ = b.PublishOutbound(ctx, OutboundMessage{Channel: "nowhere", Content: "lost"})
	_ = b.PublishOutbound(ctx, OutboundMessage{Channel: "discord", Content: "a"})
	_ = b.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", Content: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got["discord"]) != 1 || got["discord"][0] != "a" {
		t.Errorf("discord got %v", got["discord"])
	}
	if len(got["telegram"]) != 1 || got["telegram"][0] != "b" {
		t.Errorf("telegram got %v", got["telegram"])
	}
}

func TestPublish_RespectsContext(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.PublishInbound(ctx, InboundMessage{}); err == nil {
		t.Error("expected error on cancelled context")
	}
	if err := b.PublishOutbound(ctx, OutboundMessage{}); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestDispatchOutbound_StopsOnCancel(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchOutbound did not return")
	}
}
