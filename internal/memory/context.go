package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// FirstEncounter is returned for users with no memory yet.
	FirstEncounter = "初次見面"

	blockSeparator     = "\n\n"
	ellipsis           = "..."
	contextImportantN  = 5
	summaryBudgetShare = 0.7
)

// contextBlocks are the rendered sections in their fixed output order.
// Empty strings are absent sections.
type contextBlocks struct {
	core      string
	profile   string
	important string
	short     string
	summary   string
}

func renderCore(c CoreIdentity) string {
	parts := []string{
		fmt.Sprintf("我是%s，%s", c.Name, c.Role),
		"性格：" + c.Personality,
		"行為模式：" + c.Behavior,
		"語言風格：" + c.LanguageStyle,
		"保護機制：" + c.Protection,
	}
	return "【核心身份】" + strings.Join(parts, "；")
}

func renderProfile(f UserFacts) string {
	var parts []string
	if f.TrainerName != "" {
		parts = append(parts, "訓練員名字："+f.TrainerName)
	}
	if len(f.Hobbies) > 0 {
		parts = append(parts, "興趣："+strings.Join(f.Hobbies, ", "))
	}
	if len(f.Pokemon) > 0 {
		parts = append(parts, "寶可夢："+strings.Join(f.Pokemon, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return "【訓練員檔案】" + strings.Join(parts, "；")
}

func renderMessages(label string, msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("%s: %s", m.Sender, m.Content)
	}
	return label + strings.Join(lines, " | ")
}

func renderSummary(summary string) string {
	if strings.TrimSpace(summary) == "" {
		return ""
	}
	return "【對話摘要】" + summary
}

// assemble joins the blocks and, when over maxChars runes, rebuilds them in
// priority order: core and profile whole, then summary (if it fits in 70% of
// what is left), then important (head kept), and short-term last (tail kept).
func assemble(b contextBlocks, maxChars int) string {
	full := joinNonEmpty(b.core, b.profile, b.important, b.short, b.summary)
	if maxChars <= 0 || runeLen(full) <= maxChars {
		return full
	}

	priority := joinNonEmpty(b.core, b.profile)
	remaining := maxChars - runeLen(priority)
	sep := runeLen(blockSeparator)

	var summary, important, short string
	if b.summary != "" {
		cost := runeLen(b.summary) + sep
		if float64(cost) <= float64(remaining)*summaryBudgetShare {
			summary = b.summary
			remaining -= cost
		}
	}
	if b.important != "" && remaining > sep {
		if cost := runeLen(b.important) + sep; cost <= remaining {
			important = b.important
			remaining -= cost
		} else if keep := remaining - sep - runeLen(ellipsis); keep > 0 {
			important = headRunes(b.important, keep) + ellipsis
			remaining = 0
		}
	}
	if b.short != "" && remaining > sep {
		if cost := runeLen(b.short) + sep; cost <= remaining {
			short = b.short
		} else if keep := remaining - sep - runeLen(ellipsis); keep > 0 {
			short = ellipsis + tailRunes(b.short, keep)
		}
	}
	return joinNonEmpty(priority, important, short, summary)
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, blockSeparator)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func headRunes(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[:n])
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[len(r)-n:])
}
