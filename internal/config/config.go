package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 SolRounds 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Assets  []AssetConfig `yaml:"assets"`
	Rounds  RoundsConfig  `yaml:"rounds"`
	Agents  AgentsConfig  `yaml:"agents"`
	LLM     LLMConfig     `yaml:"llm"`
	Market  MarketConfig  `yaml:"market"`
	Trade   TradeConfig   `yaml:"trade"`
	Memory  MemoryConfig  `yaml:"memory"`
	Social  SocialConfig  `yaml:"social"`
}

// ServerConfig 控制运维 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制轮次审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// AssetConfig 描述一个被跟踪的资产。
type AssetConfig struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
	Mint   string `yaml:"mint"`
}

// RoundsConfig 控制轮次调度节奏。
type RoundsConfig struct {
	MinutesBetweenRounds int     `yaml:"minutes_between_rounds"`
	MaxHistoryRounds     int     `yaml:"max_history_rounds"`
	MaxConcurrent        int     `yaml:"max_concurrent"`
	RoleTimeoutFraction  float64 `yaml:"role_timeout_fraction"`
}

// RoleConfig 描述某个分析角色绑定的 provider 与模型，以及顺序回退链。
type RoleConfig struct {
	Provider  string       `yaml:"provider"`
	Model     string       `yaml:"model"`
	Fallbacks []ModelRoute `yaml:"fallbacks"`
}

// ModelRoute 是一条 provider + model 组合。
type ModelRoute struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// AgentsConfig 控制分析角色的调用行为。
type AgentsConfig struct {
	Roles               map[string]RoleConfig `yaml:"roles"`
	MaxRetries          int                   `yaml:"max_retries"`
	RetryBackoffSeconds int                   `yaml:"retry_backoff_seconds"`
}

// ProviderConfig 描述单个大模型 provider 的接入信息。
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	TimeoutS  int    `yaml:"timeout_seconds"`
}

// Timeout 返回 provider 调用超时时间。
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutS) * time.Second
}

// ResolveAPIKey 返回配置的 API Key，优先使用明文字段。
func (c ProviderConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// LLMConfig 汇总所有 provider 的接入配置。
type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// MarketConfig 控制行情数据来源。
type MarketConfig struct {
	BaseURL  string `yaml:"base_url"`
	TimeoutS int    `yaml:"timeout_seconds"`
}

// TradeConfig 控制链上交易执行。
type TradeConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RPCURL            string `yaml:"rpc_url"`
	PrivateKeyEnv     string `yaml:"private_key_env"`
	AggregatorBaseURL string `yaml:"aggregator_base_url"`
	RelayBaseURL      string `yaml:"relay_base_url"`
	TipLamports       uint64 `yaml:"tip_lamports"`
	MaxSlippageBps    int    `yaml:"max_slippage_bps"`
	SubmitRetries     int    `yaml:"submit_retries"`
	QuoteTTLSeconds   int    `yaml:"quote_ttl_seconds"`
	ConfirmTimeoutS   int    `yaml:"confirm_timeout_seconds"`
}

// MemoryConfig 控制轮次历史的持久化方式。
type MemoryConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// SocialQueueConfig 描述社交动作队列的驱动。
type SocialQueueConfig struct {
	Driver   string              `yaml:"driver"`
	Redis    RedisQueueConfig    `yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// SocialConfig 控制社交发布的速率限制。
type SocialConfig struct {
	Queue              SocialQueueConfig `yaml:"queue"`
	MaxTweetsPerHour   int               `yaml:"max_tweets_per_hour"`
	MaxRepliesPerHour  int               `yaml:"max_replies_per_hour"`
	MaxLikesPerHour    int               `yaml:"max_likes_per_hour"`
	MaxRetweetsPerHour int               `yaml:"max_retweets_per_hour"`
	MinActionInterval  int               `yaml:"min_action_interval"`
	MaxActionInterval  int               `yaml:"max_action_interval"`
	DedupeTTLHours     int               `yaml:"dedupe_ttl_hours"`
	Workers            int               `yaml:"workers"`
}

// 角色名称常量，与环境变量前缀保持一致。
var roleNames = []string{"technical", "fundamental", "sentiment", "synopsis", "extractor"}

// Load 负责解析指定路径的 YAML 配置文件，并套用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides 套用环境变量覆盖，角色绑定沿用 TECHNICAL_PROVIDER 一类的命名。
func (c *Config) applyEnvOverrides() {
	if c.Agents.Roles == nil {
		c.Agents.Roles = make(map[string]RoleConfig)
	}
	for _, role := range roleNames {
		prefix := strings.ToUpper(role)
		rc := c.Agents.Roles[role]
		if provider := os.Getenv(prefix + "_PROVIDER"); provider != "" {
			rc.Provider = strings.ToLower(strings.TrimSpace(provider))
		}
		if model := os.Getenv(prefix + "_MODEL"); model != "" {
			rc.Model = strings.TrimSpace(model)
		}
		c.Agents.Roles[role] = rc
	}

	if raw := os.Getenv("MINUTES_BETWEEN_ROUNDS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			c.Rounds.MinutesBetweenRounds = parsed
		}
	}
	if raw := os.Getenv("MAX_HISTORY_ROUNDS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			c.Rounds.MaxHistoryRounds = parsed
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Rounds.MinutesBetweenRounds <= 0 {
		c.Rounds.MinutesBetweenRounds = 30
	}
	if c.Rounds.MaxHistoryRounds <= 0 {
		c.Rounds.MaxHistoryRounds = 50
	}
	if c.Rounds.MaxConcurrent <= 0 {
		c.Rounds.MaxConcurrent = 4
	}
	if c.Rounds.RoleTimeoutFraction <= 0 || c.Rounds.RoleTimeoutFraction > 1 {
		c.Rounds.RoleTimeoutFraction = 0.25
	}

	if c.Agents.MaxRetries <= 0 {
		c.Agents.MaxRetries = 2
	}
	if c.Agents.RetryBackoffSeconds <= 0 {
		c.Agents.RetryBackoffSeconds = 5
	}

	if c.Trade.MaxSlippageBps <= 0 {
		c.Trade.MaxSlippageBps = 4000
	}
	if c.Trade.SubmitRetries <= 0 {
		c.Trade.SubmitRetries = 2
	}
	if c.Trade.QuoteTTLSeconds <= 0 {
		c.Trade.QuoteTTLSeconds = 30
	}
	if c.Trade.ConfirmTimeoutS <= 0 {
		c.Trade.ConfirmTimeoutS = 90
	}
	if c.Trade.TipLamports == 0 {
		c.Trade.TipLamports = 10_000
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "file"
	}

	if c.Social.Queue.Driver == "" {
		c.Social.Queue.Driver = "memory"
	}
	if c.Social.MaxTweetsPerHour <= 0 {
		c.Social.MaxTweetsPerHour = 5
	}
	if c.Social.MaxRepliesPerHour <= 0 {
		c.Social.MaxRepliesPerHour = 10
	}
	if c.Social.MaxLikesPerHour <= 0 {
		c.Social.MaxLikesPerHour = 20
	}
	if c.Social.MaxRetweetsPerHour <= 0 {
		c.Social.MaxRetweetsPerHour = 10
	}
	if c.Social.MinActionInterval <= 0 {
		c.Social.MinActionInterval = 60
	}
	if c.Social.MaxActionInterval <= 0 {
		c.Social.MaxActionInterval = 180
	}
	if c.Social.MaxActionInterval < c.Social.MinActionInterval {
		c.Social.MaxActionInterval = c.Social.MinActionInterval
	}
	if c.Social.DedupeTTLHours <= 0 {
		c.Social.DedupeTTLHours = 48
	}
	if c.Social.Workers <= 0 {
		c.Social.Workers = 1
	}
}

// validate 校验无法用默认值补齐的字段。
func (c *Config) validate() error {
	if len(c.Assets) == 0 {
		return errors.New("至少需要配置一个跟踪资产")
	}
	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("assets[%d] 缺少 symbol", i)
		}
	}
	if c.Memory.Driver == "mysql" && strings.TrimSpace(c.Memory.DSN) == "" {
		return errors.New("memory.driver=mysql 时必须提供 dsn")
	}
	return nil
}

// RoundInterval 返回两轮之间的间隔。
func (c *Config) RoundInterval() time.Duration {
	return time.Duration(c.Rounds.MinutesBetweenRounds) * time.Minute
}

// RoleTimeout 返回单次角色调用允许的超时时间。
func (c *Config) RoleTimeout() time.Duration {
	return time.Duration(float64(c.RoundInterval()) * c.Rounds.RoleTimeoutFraction)
}
