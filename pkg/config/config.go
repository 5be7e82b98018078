package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Context      ContextConfig      `json:"context" yaml:"context"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Router       RouterConfig       `json:"router" yaml:"router"`
	Retrieval    RetrievalConfig    `json:"retrieval" yaml:"retrieval"`
	Generation   GenerationConfig   `json:"generation" yaml:"generation"`
	Persistence  PersistenceConfig  `json:"persistence" yaml:"persistence"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Server       ServerConfig       `json:"server" yaml:"server"`
	Channels     ChannelsConfig     `json:"channels" yaml:"channels"`
	Tools        []ToolConfig       `json:"tools" yaml:"tools"`
	mu           sync.RWMutex
}

type ConversationConfig struct {
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" env:"DOTRAG_CONVERSATION_IDLE_TIMEOUT_SECONDS"`
	SweepSchedule      string `json:"sweep_schedule" yaml:"sweep_schedule" env:"DOTRAG_CONVERSATION_SWEEP_SCHEDULE"`
	Workers            int    `json:"workers" yaml:"workers" env:"DOTRAG_CONVERSATION_WORKERS"`
	QueueDepth         int    `json:"queue_depth" yaml:"queue_depth" env:"DOTRAG_CONVERSATION_QUEUE_DEPTH"`
	PromptBudgetBytes  int    `json:"prompt_budget_bytes" yaml:"prompt_budget_bytes" env:"DOTRAG_CONVERSATION_PROMPT_BUDGET_BYTES"`
}

type ContextConfig struct {
	MaxChunks     int     `json:"max_chunks" yaml:"max_chunks" env:"DOTRAG_CONTEXT_MAX_CHUNKS"`
	MaxBytes      int     `json:"max_bytes" yaml:"max_bytes" env:"DOTRAG_CONTEXT_MAX_BYTES"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" env:"DOTRAG_CONTEXT_MIN_CONFIDENCE"`
	MaxTools      int     `json:"max_tools" yaml:"max_tools" env:"DOTRAG_CONTEXT_MAX_TOOLS"`
}

type MemoryConfig struct {
	WorkingCapacity      int     `json:"working_capacity" yaml:"working_capacity" env:"DOTRAG_MEMORY_WORKING_CAPACITY"`
	ShortTermCapacity    int     `json:"short_term_capacity" yaml:"short_term_capacity" env:"DOTRAG_MEMORY_SHORT_TERM_CAPACITY"`
	LongTermCapacity     int     `json:"long_term_capacity" yaml:"long_term_capacity" env:"DOTRAG_MEMORY_LONG_TERM_CAPACITY"`
	MaxRecordBytes       int     `json:"max_record_bytes" yaml:"max_record_bytes" env:"DOTRAG_MEMORY_MAX_RECORD_BYTES"`
	ShortTermWindowTurns int     `json:"short_term_window_turns" yaml:"short_term_window_turns" env:"DOTRAG_MEMORY_SHORT_TERM_WINDOW_TURNS"`
	PromotionAccessMin   int     `json:"promotion_access_min" yaml:"promotion_access_min" env:"DOTRAG_MEMORY_PROMOTION_ACCESS_MIN"`
	RecencyHalfLifeTurns float64 `json:"recency_half_life_turns" yaml:"recency_half_life_turns" env:"DOTRAG_MEMORY_RECENCY_HALF_LIFE_TURNS"`
	RecallBytes          int     `json:"recall_bytes" yaml:"recall_bytes" env:"DOTRAG_MEMORY_RECALL_BYTES"`
}

type RouterConfig struct {
	Analyzer          string  `json:"analyzer" yaml:"analyzer" env:"DOTRAG_ROUTER_ANALYZER"` // "pattern" or "generation"
	ClarifyFloor      float64 `json:"clarify_floor" yaml:"clarify_floor" env:"DOTRAG_ROUTER_CLARIFY_FLOOR"`
	FollowUpThreshold float64 `json:"follow_up_threshold" yaml:"follow_up_threshold" env:"DOTRAG_ROUTER_FOLLOW_UP_THRESHOLD"`
	AnalyzerTimeoutMS int     `json:"analyzer_timeout_ms" yaml:"analyzer_timeout_ms" env:"DOTRAG_ROUTER_ANALYZER_TIMEOUT_MS"`
	HistoryTurns      int     `json:"history_turns" yaml:"history_turns" env:"DOTRAG_ROUTER_HISTORY_TURNS"`
	MaxSubQueries     int     `json:"max_sub_queries" yaml:"max_sub_queries" env:"DOTRAG_ROUTER_MAX_SUB_QUERIES"`
}

type RetrievalConfig struct {
	Backend         string       `json:"backend" yaml:"backend" env:"DOTRAG_RETRIEVAL_BACKEND"` // "static" or "qdrant"
	CorpusPath      string       `json:"corpus_path" yaml:"corpus_path" env:"DOTRAG_RETRIEVAL_CORPUS_PATH"`
	MaxResults      int          `json:"max_results" yaml:"max_results" env:"DOTRAG_RETRIEVAL_MAX_RESULTS"`
	TimeoutMS       int          `json:"timeout_ms" yaml:"timeout_ms" env:"DOTRAG_RETRIEVAL_TIMEOUT_MS"`
	CacheSize       int          `json:"cache_size" yaml:"cache_size" env:"DOTRAG_RETRIEVAL_CACHE_SIZE"`
	CacheTTLSeconds int          `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" env:"DOTRAG_RETRIEVAL_CACHE_TTL_SECONDS"`
	Qdrant          QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

type QdrantConfig struct {
	Host       string `json:"host" yaml:"host" env:"DOTRAG_RETRIEVAL_QDRANT_HOST"`
	Port       int    `json:"port" yaml:"port" env:"DOTRAG_RETRIEVAL_QDRANT_PORT"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"DOTRAG_RETRIEVAL_QDRANT_API_KEY"`
	UseTLS     bool   `json:"use_tls" yaml:"use_tls" env:"DOTRAG_RETRIEVAL_QDRANT_USE_TLS"`
	Collection string `json:"collection" yaml:"collection" env:"DOTRAG_RETRIEVAL_QDRANT_COLLECTION"`
}

type GenerationConfig struct {
	Provider    string  `json:"provider" yaml:"provider" env:"DOTRAG_GENERATION_PROVIDER"`
	Model       string  `json:"model" yaml:"model" env:"DOTRAG_GENERATION_MODEL"`
	APIKey      string  `json:"api_key" yaml:"api_key" env:"DOTRAG_GENERATION_API_KEY"`
	APIBase     string  `json:"api_base" yaml:"api_base" env:"DOTRAG_GENERATION_API_BASE"`
	Proxy       string  `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"DOTRAG_GENERATION_PROXY"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" env:"DOTRAG_GENERATION_MAX_TOKENS"`
	Temperature float64 `json:"temperature" yaml:"temperature" env:"DOTRAG_GENERATION_TEMPERATURE"`
	TimeoutMS   int     `json:"timeout_ms" yaml:"timeout_ms" env:"DOTRAG_GENERATION_TIMEOUT_MS"`
}

type PersistenceConfig struct {
	Backend       string `json:"backend" yaml:"backend" env:"DOTRAG_PERSISTENCE_BACKEND"` // "none", "sqlite" or "redis"
	SQLitePath    string `json:"sqlite_path" yaml:"sqlite_path" env:"DOTRAG_PERSISTENCE_SQLITE_PATH"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" env:"DOTRAG_PERSISTENCE_REDIS_ADDR"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty" env:"DOTRAG_PERSISTENCE_REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" env:"DOTRAG_PERSISTENCE_REDIS_DB"`
	RedisTTLHours int    `json:"redis_ttl_hours" yaml:"redis_ttl_hours" env:"DOTRAG_PERSISTENCE_REDIS_TTL_HOURS"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"DOTRAG_METRICS_ENABLED"`
	Namespace string `json:"namespace" yaml:"namespace" env:"DOTRAG_METRICS_NAMESPACE"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"DOTRAG_LOGGING_LEVEL"`
	Format string `json:"format" yaml:"format" env:"DOTRAG_LOGGING_FORMAT"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"DOTRAG_SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"DOTRAG_SERVER_PORT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" yaml:"enabled" env:"DOTRAG_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" yaml:"token" env:"DOTRAG_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"DOTRAG_CHANNELS_DISCORD_ALLOW_FROM"`
}

// ToolConfig describes an external capability offered to generation.
type ToolConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Conversation: ConversationConfig{
			IdleTimeoutSeconds: 1800,
			SweepSchedule:      "* * * * *",
			Workers:            8,
			QueueDepth:         64,
			PromptBudgetBytes:  16 * 1024,
		},
		Context: ContextConfig{
			MaxChunks:     24,
			MaxBytes:      16 * 1024,
			MinConfidence: 0.35,
			MaxTools:      5,
		},
		Memory: MemoryConfig{
			WorkingCapacity:      16,
			ShortTermCapacity:    64,
			LongTermCapacity:     256,
			MaxRecordBytes:       4096,
			ShortTermWindowTurns: 5,
			PromotionAccessMin:   3,
			RecencyHalfLifeTurns: 4,
			RecallBytes:          2048,
		},
		Router: RouterConfig{
			Analyzer:          "pattern",
			ClarifyFloor:      0.5,
			FollowUpThreshold: 0.6,
			AnalyzerTimeoutMS: 3000,
			HistoryTurns:      6,
			MaxSubQueries:     4,
		},
		Retrieval: RetrievalConfig{
			Backend:         "static",
			CorpusPath:      "~/.dotrag/corpus.jsonl",
			MaxResults:      5,
			TimeoutMS:       5000,
			CacheSize:       256,
			CacheTTLSeconds: 30,
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "dotrag_documents",
			},
		},
		Generation: GenerationConfig{
			Provider:    "none",
			Model:       "openai/gpt-5.2",
			MaxTokens:   1024,
			Temperature: 0.2,
			TimeoutMS:   20000,
		},
		Persistence: PersistenceConfig{
			Backend:       "none",
			SQLitePath:    "~/.dotrag/state/conversations.db",
			RedisAddr:     "localhost:6379",
			RedisTTLHours: 72,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "dotrag",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Tools: []ToolConfig{},
	}
}

// LoadConfig reads a JSON or YAML file (chosen by extension) over the
// defaults and then applies DOTRAG_* environment overrides. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Conversation.IdleTimeoutSeconds > 0, "conversation.idle_timeout_seconds must be positive")
	check(c.Conversation.Workers > 0, "conversation.workers must be positive")
	if s := strings.TrimSpace(c.Conversation.SweepSchedule); s != "" {
		check(gronx.New().IsValid(s), "conversation.sweep_schedule %q is not a valid cron expression", s)
	}
	check(c.Context.MaxChunks > 0, "context.max_chunks must be positive")
	check(c.Context.MaxBytes > 0, "context.max_bytes must be positive")
	check(inUnit(c.Context.MinConfidence), "context.min_confidence must be within [0,1]")
	check(c.Memory.MaxRecordBytes > 0, "memory.max_record_bytes must be positive")
	check(inUnit(c.Router.ClarifyFloor), "router.clarify_floor must be within [0,1]")
	check(inUnit(c.Router.FollowUpThreshold), "router.follow_up_threshold must be within [0,1]")
	check(oneOf(c.Router.Analyzer, "pattern", "generation"), "router.analyzer %q must be pattern or generation", c.Router.Analyzer)
	check(oneOf(c.Retrieval.Backend, "static", "qdrant"), "retrieval.backend %q must be static or qdrant", c.Retrieval.Backend)
	check(c.Retrieval.TimeoutMS > 0, "retrieval.timeout_ms must be positive")
	check(oneOf(c.Generation.Provider, "none", "openrouter", "openai"), "generation.provider %q must be none, openrouter or openai", c.Generation.Provider)
	if c.Router.Analyzer == "generation" {
		check(c.Generation.Provider != "none", "router.analyzer generation requires a generation.provider")
	}
	check(oneOf(c.Persistence.Backend, "none", "sqlite", "redis"), "persistence.backend %q must be none, sqlite or redis", c.Persistence.Backend)
	if c.Channels.Discord.Enabled {
		check(strings.TrimSpace(c.Channels.Discord.Token) != "", "channels.discord.token is required when discord is enabled")
	}
	for i, tool := range c.Tools {
		check(strings.TrimSpace(tool.Name) != "", "tools[%d].name is required", i)
	}
	return errors.Join(errs...)
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// IdleTimeout returns the conversation idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Conversation.IdleTimeoutSeconds) * time.Second
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
