package memory

import (
	"context"
	"strings"
)

const (
	summaryReserve = 1000
	summaryHeader  = "請根據以下對話，總結出對話的大綱與走向，用來作為上下文的參考。請盡量簡潔，並只提供摘要內容，不要有多餘的說明或開頭。以下是對話內容: \n\n"
)

// Summarizer turns a transcript prompt into a rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, prompt string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// buildSummaryPrompt renders important then short-term messages into a
// transcript of at most budget runes. Each section stops at the first message
// that would overflow.
func buildSummaryPrompt(important, short []Message, budget int) string {
	var lines []string
	used := 0
	sep := runeLen(blockSeparator)

	add := func(line string) bool {
		cost := runeLen(line)
		if len(lines) > 0 {
			cost += sep
		}
		if used+cost > budget {
			return false
		}
		lines = append(lines, line)
		used += cost
		return true
	}
	section := func(title string, msgs []Message) {
		if !add(title) {
			return
		}
		for _, m := range msgs {
			tag := "訓練員說:"
			if m.Sender == SenderAssistant {
				tag = "喬伊說:"
			}
			entry := tag + blockSeparator + m.Content
			if !add(entry) {
				return
			}
		}
	}

	section("重要回憶:", important)
	section("短期記憶:", short)
	return summaryHeader + strings.Join(lines, blockSeparator)
}
