package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Line      LineConfig      `mapstructure:"line"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Owner     OwnerConfig     `mapstructure:"owner"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StoreConfig 选择持久化后端: redis | sqlite | mysql | memory
type StoreConfig struct {
	Driver     string        `mapstructure:"driver"`
	Fallback   bool          `mapstructure:"fallback"`    // 主存储不可用时降级到进程内存
	DerivedTTL time.Duration `mapstructure:"derived_ttl"` // 去重记忆、对话历史的过期时间
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type LineConfig struct {
	ChannelSecret string `mapstructure:"channel_secret"`
	ChannelToken  string `mapstructure:"channel_token"`
}

type LLMConfig struct {
	APIKey       string          `mapstructure:"api_key"`
	BaseURL      string          `mapstructure:"base_url"`
	Model        string          `mapstructure:"model"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	HistoryTurns int             `mapstructure:"history_turns"`
	MaxTokens    int64           `mapstructure:"max_tokens"`
	Temperature  float64         `mapstructure:"temperature"`
	Backoff      []time.Duration `mapstructure:"backoff"` // 429 之后的熔断时长序列
	PersonaName  string          `mapstructure:"persona_name"`
}

type QuotaConfig struct {
	Timezone     string         `mapstructure:"timezone"`
	Limits       map[string]int `mapstructure:"limits"` // plan -> 每日上限，<=0 表示不限
	StatusEvery  int            `mapstructure:"status_every"`
	LowWatermark int            `mapstructure:"low_watermark"`
}

type OwnerConfig struct {
	UserIDs      []string `mapstructure:"user_ids"`
	LoverPattern string   `mapstructure:"lover_pattern"`
}

type BroadcastConfig struct {
	Secret      string            `mapstructure:"secret"`
	Timezone    string            `mapstructure:"timezone"`
	Schedules   map[string]string `mapstructure:"schedules"` // occasion -> cron spec
	QuietStart  int               `mapstructure:"quiet_start"`
	QuietEnd    int               `mapstructure:"quiet_end"`
	RandomStart int               `mapstructure:"random_start"`
	RandomEnd   int               `mapstructure:"random_end"`
	RandomRatio float64           `mapstructure:"random_ratio"`
	PushRPS     float64           `mapstructure:"push_rps"`
	Internal    bool              `mapstructure:"internal"` // 是否在 server 进程内运行定时广播
}

type BillingConfig struct {
	StripeWebhookSecret string              `mapstructure:"stripe_webhook_secret"`
	Tiers               map[string]TierLink `mapstructure:"tiers"`
}

type TierLink struct {
	URL           string `mapstructure:"url"`
	PaymentLinkID string `mapstructure:"payment_link_id"`
	Label         string `mapstructure:"label"`
}

type AdminConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type DispatchConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.fallback", true)
	v.SetDefault("store.derived_ttl", 7*24*time.Hour)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("database.path", "bot.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.history_turns", 8)
	v.SetDefault("llm.max_tokens", 300)
	v.SetDefault("llm.temperature", 0.8)
	v.SetDefault("llm.backoff", []string{"20s", "80s", "30m"})
	v.SetDefault("llm.persona_name", "白石ちな")
	v.SetDefault("quota.timezone", "Asia/Tokyo")
	v.SetDefault("quota.limits", map[string]int{"free": 30, "tier1": 300, "tier2": 1000, "tier3": 0})
	v.SetDefault("quota.status_every", 10)
	v.SetDefault("quota.low_watermark", 3)
	v.SetDefault("owner.lover_pattern", "(?i)しょうた|ショウタ|shota|imadon")
	v.SetDefault("broadcast.timezone", "Asia/Tokyo")
	v.SetDefault("broadcast.schedules", map[string]string{
		"morning": "30 7 * * *",
		"night":   "0 23 * * *",
		"random":  "0 */2 * * *",
	})
	v.SetDefault("broadcast.quiet_start", 0)
	v.SetDefault("broadcast.quiet_end", 7)
	v.SetDefault("broadcast.random_start", 9)
	v.SetDefault("broadcast.random_end", 21)
	v.SetDefault("broadcast.random_ratio", 0.5)
	v.SetDefault("broadcast.push_rps", 20)
	v.SetDefault("admin.expire_hours", 24)

	// 仅为了让 AutomaticEnv 能覆盖这些键
	for _, key := range []string{
		"line.channel_secret", "line.channel_token",
		"llm.api_key", "llm.base_url",
		"broadcast.secret", "billing.stripe_webhook_secret",
		"admin.jwt_secret", "redis.password", "database.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("owner.user_ids", []string{})
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.handle_timeout", 45*time.Second)
}

func Load(configPath string) (*Config, error) {
	// 本地开发时读取 .env，不存在则忽略
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite", "mysql", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if len(c.Quota.Limits) == 0 {
		return errors.New("quota.limits must not be empty")
	}
	if _, ok := c.Quota.Limits["free"]; !ok {
		return errors.New("quota.limits must define the free plan")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	if _, err := time.LoadLocation(c.Broadcast.Timezone); err != nil {
		return fmt.Errorf("broadcast.timezone: %w", err)
	}
	if _, err := regexp.Compile(c.Owner.LoverPattern); err != nil {
		return fmt.Errorf("owner.lover_pattern: %w", err)
	}
	return nil
}

// Location 返回配额日界使用的时区，解析失败时回退到 UTC
func (c QuotaConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Location 返回广播调度使用的时区
func (c BroadcastConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BillingEnabled 是否配置了任何升级链接
func (c BillingConfig) BillingEnabled() bool {
	for _, t := range c.Tiers {
		if t.URL != "" {
			return true
		}
	}
	return false
}
