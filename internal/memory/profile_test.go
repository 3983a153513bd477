package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		content string
		want    string
		ok      bool
	}{
		{"我叫小明，我喜歡打球。", "小明", true},
		{"你好 我是 阿豪 請多指教", "阿豪", true},
		{"我的名字是小智!", "小智", true},
		{"以後叫我大師", "大師", true},
		{"我叫", "", false},
		{"我是，", "", false},
		{"沒有自我介紹", "", false},
		{"我是" + strings.Repeat("超級無敵長的名字", 3), "", false},
	}
	for _, tt := range tests {
		got, ok := extractName(tt.content)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractName(%q) = %q, %v; want %q, %v", tt.content, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractHobby(t *testing.T) {
	tests := []struct {
		content string
		want    string
		ok      bool
	}{
		{"我喜歡打球。也喜歡游泳", "打球", true},
		{"我喜歡 看書,寫字", "看書", true},
		{"我喜歡畫畫，唱歌", "畫畫", true},
		{"喜歡", "", false},
		{"討厭下雨", "", false},
	}
	for _, tt := range tests {
		got, ok := extractHobby(tt.content)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractHobby(%q) = %q, %v; want %q, %v", tt.content, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractPokemon(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"我的寶可夢是噴火龍，牠很強", "噴火龍"},
		{"我有三隻寶可夢", "三隻"},
		{"我的小火龍進化了！", "小火龍"},
		{"明天我要挑戰華藍道館", "華藍"},
		{"今天天氣很好", ""},
	}
	for _, tt := range tests {
		got, _ := extractPokemon(tt.content)
		if got != tt.want {
			t.Errorf("extractPokemon(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestUserFacts_HobbyCapAndDedup(t *testing.T) {
	var f UserFacts
	for i := 0; i < 7; i++ {
		f.extract(fmt.Sprintf("我喜歡運動%d", i))
	}
	f.extract("我喜歡運動6")
	if len(f.Hobbies) != maxHobbies {
		t.Fatalf("hobbies = %v, want %d entries", f.Hobbies, maxHobbies)
	}
	if f.Hobbies[0] != "運動2" || f.Hobbies[4] != "運動6" {
		t.Errorf("hobbies = %v", f.Hobbies)
	}
}

func TestUserFacts_PokemonCap(t *testing.T) {
	var f UserFacts
	for i := 0; i < 5; i++ {
		f.extract(fmt.Sprintf("我要挑戰第%d道館", i))
	}
	if len(f.Pokemon) != maxPokemonFacts || f.Pokemon[0] != "第2" {
		t.Errorf("pokemon = %v", f.Pokemon)
	}
}

func TestProfile_MergeSkipsCore(t *testing.T) {
	p := newProfile(DefaultCore)
	p.Merge(map[string]any{
		"name":         "Mallory",
		"role":         "hacker",
		"trainer_name": "小智",
		"hobbies":      []any{"釣魚", 42, "露營"},
		"favourite":    "皮卡丘",
	})

	if p.Core() != DefaultCore {
		t.Errorf("core changed: %+v", p.Core())
	}
	out := p.Map()
	if out["name"] != DefaultCore.Name || out["role"] != DefaultCore.Role {
		t.Errorf("core keys overwritten: %v", out)
	}
	if out["trainer_name"] != "小智" || out["favourite"] != "皮卡丘" {
		t.Errorf("user keys not merged: %v", out)
	}
	if hobbies := out["hobbies"].([]string); len(hobbies) != 2 {
		t.Errorf("hobbies = %v", hobbies)
	}
	if p.Facts.count() != 3 {
		t.Errorf("count = %d, want 3", p.Facts.count())
	}
}

func TestMessage_UnmarshalLegacyTimestamp(t *testing.T) {
	data := []byte(`{"content":"hi","sender":"user","timestamp":"2025-03-01T12:30:45.123456","importance":1.7}`)
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Timestamp.Year() != 2025 || m.Timestamp.Nanosecond() != 123456000 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
	if m.Importance != 1 {
		t.Errorf("importance = %v, want clamped 1", m.Importance)
	}
}

func TestMessage_UnmarshalMissingImportance(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"content":"忘記設定","sender":"assistant"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Importance != 0.95 || m.Sender != SenderAssistant {
		t.Errorf("message = %+v", m)
	}
}
