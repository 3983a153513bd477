package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultProvider          = "gemini"
	DefaultTemperature       = 1.0
	DefaultMaxOutputTokens   = 1500
	DefaultMaxHistoryLength  = 80
	DefaultShortTermSize     = 25
	DefaultImportantSize     = 10
	DefaultSummaryThreshold  = 20
	DefaultMaxContextChars   = 10000
	DefaultBackupSchedule    = "*/15 * * * *"
	DefaultBackupTimezone    = "Asia/Taipei"
	DefaultBackupCooldownSec = 60
	DefaultBufSize           = 100
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Generation GenerationConfig `json:"generation"`
	Persona    PersonaConfig    `json:"persona"`
	Memory     MemoryConfig     `json:"memory"`
	Backup     BackupConfig     `json:"backup"`
	Channels   ChannelsConfig   `json:"channels"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "gemini" (default), "openai", "anthropic" or "agent"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
	// AgentBackend is the model family behind the agent runtime.
	AgentBackend string `json:"agentBackend,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
}

// GenerationConfig mirrors the keys accepted in GENERATION_CONFIG_JSON.
type GenerationConfig struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	TopP            float32 `json:"top_p,omitempty"`
	TopK            int     `json:"top_k,omitempty"`
}

type PersonaConfig struct {
	RolePrompt string `json:"rolePrompt,omitempty"`
}

type MemoryConfig struct {
	ShortTermSize    int `json:"shortTermSize"`
	ImportantSize    int `json:"importantSize"`
	SummaryThreshold int `json:"summaryThreshold"`
	MaxContextChars  int `json:"maxContextChars"`
	MaxHistoryLength int `json:"maxHistoryLength"`
}

type BackupConfig struct {
	DataDir     string `json:"dataDir,omitempty"`
	Schedule    string `json:"schedule"`
	Timezone    string `json:"timezone"`
	CooldownSec int    `json:"cooldownSec"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Generation: GenerationConfig{
			Temperature:     DefaultTemperature,
			MaxOutputTokens: DefaultMaxOutputTokens,
		},
		Memory: MemoryConfig{
			ShortTermSize:    DefaultShortTermSize,
			ImportantSize:    DefaultImportantSize,
			SummaryThreshold: DefaultSummaryThreshold,
			MaxContextChars:  DefaultMaxContextChars,
			MaxHistoryLength: DefaultMaxHistoryLength,
		},
		Backup: BackupConfig{
			DataDir:     filepath.Join(ConfigDir(), "data"),
			Schedule:    DefaultBackupSchedule,
			Timezone:    DefaultBackupTimezone,
			CooldownSec: DefaultBackupCooldownSec,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".joy")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// ChatBackupDir holds the chat_backup_*.json snapshots.
func (c *Config) ChatBackupDir() string {
	return filepath.Join(c.Backup.DataDir, "chat_backups")
}

// MemoryBackupDir holds the memory_*.json snapshots.
func (c *Config) MemoryBackupDir() string {
	return filepath.Join(c.Backup.DataDir, "memory_backups")
}

// JournalPath is the sqlite file recording backup cycles.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Backup.DataDir, "journal.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if p := os.Getenv("JOY_PROVIDER"); p != "" {
		cfg.Provider.Type = strings.ToLower(p)
	}
	if key := os.Getenv("JOY_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "gemini"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if url := os.Getenv("JOY_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("JOY_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("JOY_DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if token := os.Getenv("DC_BOT_TOKEN"); token != "" && cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = token
	}
	if token := os.Getenv("JOY_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if role := os.Getenv("ROLE_PROMPT_BASE"); strings.TrimSpace(role) != "" {
		cfg.Persona.RolePrompt = role
	}
	if raw := os.Getenv("GENERATION_CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Generation); err != nil {
			log.Printf("[config] ignoring GENERATION_CONFIG_JSON: %v", err)
		}
	}
	if n := os.Getenv("MAX_HISTORY_LENGTH"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			cfg.Memory.MaxHistoryLength = parsed
		}
	}
	if dir := os.Getenv("JOY_DATA_DIR"); dir != "" {
		cfg.Backup.DataDir = dir
	}
	if tz := os.Getenv("JOY_BACKUP_TIMEZONE"); tz != "" {
		cfg.Backup.Timezone = tz
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProvider
	}
	if cfg.Backup.DataDir == "" {
		cfg.Backup.DataDir = DefaultConfig().Backup.DataDir
	}
	if cfg.Backup.Schedule == "" {
		cfg.Backup.Schedule = DefaultBackupSchedule
	}
	if cfg.Backup.Timezone == "" {
		cfg.Backup.Timezone = DefaultBackupTimezone
	}
	if cfg.Memory.MaxHistoryLength <= 0 {
		cfg.Memory.MaxHistoryLength = DefaultMaxHistoryLength
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
