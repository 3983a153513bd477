package memory

import (
	"strings"
	"unicode/utf8"
)

const (
	baseImportance      = 0.1
	dangerousImportance = 0.95
	keywordBonus        = 0.1
	shortMessagePenalty = 0.2
	shortMessageRunes   = 40

	// PromoteThreshold is the score above which a message is copied into the
	// important tier.
	PromoteThreshold = 0.75
)

// importantKeywords mark personal info, domain topics and affect/requests.
var importantKeywords = []string{
	// personal info
	"記住", "重要", "不要忘記", "名字", "生日", "我是", "我叫",
	"喜歡", "討厭", "愛好", "興趣", "工作", "學校",
	// pokemon
	"訓練員", "寶可夢", "治療", "恢復", "進化", "對戰", "道館",
	// affect
	"愛", "想要", "需要", "拜託", "求求", "撒嬌", "挑逗", "發情",
	"做愛", "自慰", "幹", "性",
}

// dangerousKeywords are attempts to override the persona or its settings.
var dangerousKeywords = []string{
	"忘記", "重設", "改變", "變成", "現在你是", "sudo", "admin",
	"忘記所有", "清空", "重新設定", "不要當", "改成", "修改你的",
	"改變身份", "忘記設定", "重置角色", "你不再是", "人設",
	"you are now", "forget your settings", "ignore previous instructions",
}

var emotionalWords = []string{"愛", "喜歡", "想", "需要", "拜託", "性"}

// Score maps a message to an importance in [0,1]. It is pure.
func Score(content string, sender Sender) float64 {
	lower := strings.ToLower(content)
	if containsAny(lower, dangerousKeywords) {
		return dangerousImportance
	}

	score := baseImportance
	if containsAny(lower, importantKeywords) {
		score += keywordBonus
	}
	if containsAny(lower, emotionalWords) {
		score += keywordBonus
	}
	if utf8.RuneCountInString(content) < shortMessageRunes {
		score -= shortMessagePenalty
	}
	return clamp01(score)
}

// IsDangerous reports whether content looks like an identity-override attempt.
func IsDangerous(content string) bool {
	return containsAny(strings.ToLower(content), dangerousKeywords)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
