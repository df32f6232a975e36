package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultHighWater          = 2000
	DefaultLowWater           = 1000
	DefaultTruncateLength     = 50
	DefaultTemperature        = 0.9
	DefaultDescribeModel      = "gemini-2.5-flash-lite"
	DefaultDescribeMaxTokens  = 200
	DefaultDescribeRetryDelay = "5s"
	DefaultEmbedSettleDelay   = "1s"
	DefaultReplyChance        = 1.0 / 400
	DefaultCompactionSweep    = "0 */10 * * * *"
	DefaultStatusHost         = "127.0.0.1"
	DefaultStatusPort         = 18791
	DefaultLogLevel           = "info"
	DefaultBufSize            = 256
)

// DefaultModels are the reply tiers, strongest first.
var DefaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Telegram   TelegramConfig   `json:"telegram"`
	Gemini     GeminiConfig     `json:"gemini"`
	Anthropic  AnthropicConfig  `json:"anthropic"`
	History    HistoryConfig    `json:"history"`
	Generation GenerationConfig `json:"generation"`
	Prompts    PromptsConfig    `json:"prompts"`
	Storage    StorageConfig    `json:"storage"`
	Compaction CompactionConfig `json:"compaction"`
	Status     StatusConfig     `json:"status"`
	Log        LogConfig        `json:"log"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// ReplyRoleID forces a reply when a member holding this role mentions the bot.
	ReplyRoleID string `json:"replyRoleId,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GeminiConfig struct {
	APIKey string `json:"apiKey"`
}

type AnthropicConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type HistoryConfig struct {
	HighWater      int  `json:"highWater"`
	LowWater       int  `json:"lowWater"`
	TruncateLength int  `json:"truncateLength"`
	ReadableDump   bool `json:"readableDump"`
}

type GenerationConfig struct {
	Models             []string `json:"models"`
	MemoryModels       []string `json:"memoryModels,omitempty"`
	DescribeModel      string   `json:"describeModel"`
	Temperature        float64  `json:"temperature"`
	DescribeMaxTokens  int      `json:"describeMaxTokens"`
	DescribeRetryDelay string   `json:"describeRetryDelay"`
	EmbedSettleDelay   string   `json:"embedSettleDelay"`
	ReplyChance        float64  `json:"replyChance"`
}

type PromptsConfig struct {
	ReplyPath  string `json:"replyPath,omitempty"`
	MemoryPath string `json:"memoryPath,omitempty"`
}

type StorageConfig struct {
	DataDir string `json:"dataDir"`
	DBPath  string `json:"dbPath,omitempty"`
}

type CompactionConfig struct {
	// Sweep is a robfig cron expression with seconds; empty disables the sweep.
	Sweep string `json:"sweep"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

func DefaultConfig() *Config {
	return &Config{
		History: HistoryConfig{
			HighWater:      DefaultHighWater,
			LowWater:       DefaultLowWater,
			TruncateLength: DefaultTruncateLength,
			ReadableDump:   true,
		},
		Generation: GenerationConfig{
			Models:             append([]string(nil), DefaultModels...),
			DescribeModel:      DefaultDescribeModel,
			Temperature:        DefaultTemperature,
			DescribeMaxTokens:  DefaultDescribeMaxTokens,
			DescribeRetryDelay: DefaultDescribeRetryDelay,
			EmbedSettleDelay:   DefaultEmbedSettleDelay,
			ReplyChance:        DefaultReplyChance,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(ConfigDir(), "data"),
		},
		Compaction: CompactionConfig{
			Sweep: DefaultCompactionSweep,
		},
		Status: StatusConfig{
			Enabled: true,
			Host:    DefaultStatusHost,
			Port:    DefaultStatusPort,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("THEORY_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".theory")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	// .env is optional; missing file is the common case.
	_ = godotenv.Load()

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

	if token := os.Getenv("THEORY_DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if token := os.Getenv("THEORY_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if key := os.Getenv("THEORY_GEMINI_API_KEY"); key != "" {
		cfg.Gemini.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = key
	}
	if key := os.Getenv("THEORY_ANTHROPIC_API_KEY"); key != "" {
		cfg.Anthropic.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = key
	}
	if dir := os.Getenv("THEORY_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if level := os.Getenv("THEORY_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if chance := os.Getenv("THEORY_REPLY_CHANCE"); chance != "" {
		if parsed, err := strconv.ParseFloat(chance, 64); err == nil {
			cfg.Generation.ReplyChance = parsed
		}
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = DefaultConfig().Storage.DataDir
	}
	if len(cfg.Generation.Models) == 0 {
		cfg.Generation.Models = append([]string(nil), DefaultModels...)
	}
	if cfg.Generation.DescribeModel == "" {
		cfg.Generation.DescribeModel = DefaultDescribeModel
	}
	if cfg.Generation.DescribeMaxTokens <= 0 {
		cfg.Generation.DescribeMaxTokens = DefaultDescribeMaxTokens
	}
	if cfg.Generation.DescribeRetryDelay == "" {
		cfg.Generation.DescribeRetryDelay = DefaultDescribeRetryDelay
	}
	if cfg.Generation.EmbedSettleDelay == "" {
		cfg.Generation.EmbedSettleDelay = DefaultEmbedSettleDelay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.History.LowWater < 1 {
		errs = append(errs, fmt.Errorf("history.lowWater must be >= 1, got %d", c.History.LowWater))
	}
	if c.History.LowWater >= c.History.HighWater {
		errs = append(errs, fmt.Errorf("history.lowWater (%d) must be below history.highWater (%d)", c.History.LowWater, c.History.HighWater))
	}
	if c.History.TruncateLength < 3 {
		errs = append(errs, fmt.Errorf("history.truncateLength must be >= 3, got %d", c.History.TruncateLength))
	}
	if c.Generation.ReplyChance < 0 || c.Generation.ReplyChance > 1 {
		errs = append(errs, fmt.Errorf("generation.replyChance must be in [0,1], got %v", c.Generation.ReplyChance))
	}
	if len(c.Generation.Models) == 0 {
		errs = append(errs, errors.New("generation.models must not be empty"))
	}
	if _, err := parseDelay(c.Generation.DescribeRetryDelay); err != nil {
		errs = append(errs, fmt.Errorf("generation.describeRetryDelay: %w", err))
	}
	if _, err := parseDelay(c.Generation.EmbedSettleDelay); err != nil {
		errs = append(errs, fmt.Errorf("generation.embedSettleDelay: %w", err))
	}
	return errors.Join(errs...)
}

// MemoryModels returns the tiers used for memory writing. Unless configured,
// the weakest reply tier is left out.
func (c *Config) MemoryModels() []string {
	if len(c.Generation.MemoryModels) > 0 {
		return append([]string(nil), c.Generation.MemoryModels...)
	}
	models := c.Generation.Models
	if len(models) <= 1 {
		return append([]string(nil), models...)
	}
	return append([]string(nil), models[:len(models)-1]...)
}

func (c *Config) DescribeRetryDelay() time.Duration {
	d, _ := parseDelay(c.Generation.DescribeRetryDelay)
	return d
}

func (c *Config) EmbedSettleDelay() time.Duration {
	d, _ := parseDelay(c.Generation.EmbedSettleDelay)
	return d
}

func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Storage.DBPath); p != "" {
		return p
	}
	return filepath.Join(c.Storage.DataDir, "history.db")
}

func (c *Config) MemoryDir() string {
	return filepath.Join(c.Storage.DataDir, "memory")
}

func (c *Config) ArchiveDir() string {
	return filepath.Join(c.Storage.DataDir, "memory_history")
}

func (c *Config) ReadableDir() string {
	return filepath.Join(c.Storage.DataDir, "readable")
}

func (c *Config) PromptsDir() string {
	return filepath.Join(ConfigDir(), "prompts")
}

func parseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
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

	return os.WriteFile(ConfigPath(), data, 0644)
}
