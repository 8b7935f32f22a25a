package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// APIConfig 远程 REST API 配置
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// GET 请求在 429/5xx 时的重试次数，写操作从不重试
	ReadRetries int `yaml:"read_retries"`
}

// RealtimeConfig 推送通道配置
type RealtimeConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnect   time.Duration `yaml:"max_reconnect_delay"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	GuardTTL time.Duration `yaml:"guard_ttl"`
}

// CallbackConfig 本地支付回跳监听配置
type CallbackConfig struct {
	Port string `yaml:"port"`
	Path string `yaml:"path"`
}

// SessionConfig 会话凭证配置
type SessionConfig struct {
	Token string `yaml:"token"`
}

// MilestoneConfig 里程碑解析策略
type MilestoneConfig struct {
	// pointer | predicate
	Strategy string `yaml:"strategy"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	API       APIConfig       `yaml:"api"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Redis     RedisConfig     `yaml:"redis"`
	Callback  CallbackConfig  `yaml:"callback"`
	Session   SessionConfig   `yaml:"session"`
	Milestone MilestoneConfig `yaml:"milestone"`
	Log       LogConfig       `yaml:"log"`
}

// applyDefaults 填充未配置的字段
func (c *Config) applyDefaults() {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.API.ReadRetries <= 0 {
		c.API.ReadRetries = 3
	}
	if c.Realtime.ReconnectDelay <= 0 {
		c.Realtime.ReconnectDelay = time.Second
	}
	if c.Realtime.MaxReconnect <= 0 {
		c.Realtime.MaxReconnect = 30 * time.Second
	}
	if c.Redis.GuardTTL <= 0 {
		c.Redis.GuardTTL = 24 * time.Hour
	}
	if c.Callback.Port == "" {
		c.Callback.Port = ":5173"
	}
	if c.Callback.Path == "" {
		c.Callback.Path = "/result"
	}
	if c.Milestone.Strategy == "" {
		c.Milestone.Strategy = "pointer"
	}
}

// OverrideAPIFromEnv 从环境变量覆盖 API 配置
func OverrideAPIFromEnv(cfg *APIConfig) {
	if url := os.Getenv("ESCROW_API_URL"); url != "" {
		cfg.BaseURL = strings.TrimRight(url, "/")
	}
}

// OverrideRealtimeFromEnv 从环境变量覆盖推送通道配置
func OverrideRealtimeFromEnv(cfg *RealtimeConfig) {
	if url := os.Getenv("ESCROW_REALTIME_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
		cfg.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
}

// OverrideCallbackFromEnv 从环境变量覆盖回跳监听配置
func OverrideCallbackFromEnv(cfg *CallbackConfig) {
	if port := os.Getenv("CALLBACK_PORT"); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Port = port
	}
}

// OverrideSessionFromEnv 从环境变量覆盖会话凭证
func OverrideSessionFromEnv(cfg *SessionConfig) {
	if token := os.Getenv("ESCROW_TOKEN"); token != "" {
		cfg.Token = token
	}
}
