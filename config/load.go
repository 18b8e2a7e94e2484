package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量覆盖的统一前缀，例如 RELAY_SERVER_PORT。
const EnvPrefix = "RELAY_"

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string            `yaml:"env" env:"ENV"`
	Server    ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Feed      FeedConfig        `yaml:"feed" envPrefix:"FEED_"`
	Symbols   []string          `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	Aliases   map[string]string `yaml:"aliases" env:"ALIASES"` // 对外名称 -> 实际交易对
	Sync      SyncConfig        `yaml:"sync" envPrefix:"SYNC_"`
	History   HistoryConfig     `yaml:"history" envPrefix:"HISTORY_"`
	Log       LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
	Alert     AlertConfig       `yaml:"alert" envPrefix:"ALERT_"`
	HotReload bool              `yaml:"hotReload" env:"HOT_RELOAD"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	Path         string        `yaml:"path" env:"PATH"`
	MaxBackfill  int           `yaml:"maxBackfill" env:"MAX_BACKFILL"`
	QueueSize    int           `yaml:"queueSize" env:"QUEUE_SIZE"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	PongWait     time.Duration `yaml:"pongWait" env:"PONG_WAIT"`
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type FeedConfig struct {
	RestURL          string        `yaml:"restURL" env:"REST_URL"`
	WSEndpoint       string        `yaml:"wsEndpoint" env:"WS_ENDPOINT"`
	DepthLimit       int           `yaml:"depthLimit" env:"DEPTH_LIMIT"`
	RatePerSec       float64       `yaml:"ratePerSec" env:"RATE_PER_SEC"`
	Burst            int           `yaml:"burst" env:"BURST"`
	Watchdog         time.Duration `yaml:"watchdog" env:"WATCHDOG"`
	SnapshotTimeout  time.Duration `yaml:"snapshotTimeout" env:"SNAPSHOT_TIMEOUT"`
	RetryInterval    time.Duration `yaml:"retryInterval" env:"RETRY_INTERVAL"`
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval" env:"RETRY_MAX_INTERVAL"`
	RetryFactor      float64       `yaml:"retryFactor" env:"RETRY_FACTOR"`
	MaxAttempts      int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"` // 0 = 不限
}

type SyncConfig struct {
	BufferSize     int           `yaml:"bufferSize" env:"BUFFER_SIZE"`
	SampleInterval time.Duration `yaml:"sampleInterval" env:"SAMPLE_INTERVAL"`
	HistoryDepth   int           `yaml:"historyDepth" env:"HISTORY_DEPTH"`
	SnapshotDepth  int           `yaml:"snapshotDepth" env:"SNAPSHOT_DEPTH"`
}

// HistoryConfig 内存环形历史 + 可选落盘。
type HistoryConfig struct {
	Capacity       int           `yaml:"capacity" env:"CAPACITY"`
	Driver         string        `yaml:"driver" env:"DRIVER"` // none / file / redis
	Dir            string        `yaml:"dir" env:"DIR"`
	MaxBytes       int64         `yaml:"maxBytes" env:"MAX_BYTES"`
	QueueSize      int           `yaml:"queueSize" env:"QUEUE_SIZE"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	RedisAddr      string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword  string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB        int           `yaml:"redisDB" env:"REDIS_DB"`
	RedisKeyPrefix string        `yaml:"redisKeyPrefix" env:"REDIS_KEY_PREFIX"`
	Retain         int           `yaml:"retain" env:"RETAIN"` // 持久化副本保留条数，不小于 Capacity
	Warm           bool          `yaml:"warm" env:"WARM"`
}

type LogConfig struct {
	Level      string   `yaml:"level" env:"LEVEL"`
	Format     string   `yaml:"format" env:"FORMAT"`
	Outputs    []string `yaml:"outputs" env:"OUTPUTS" envSeparator:","`
	OutputFile string   `yaml:"outputFile" env:"OUTPUT_FILE"`
	ErrorFile  string   `yaml:"errorFile" env:"ERROR_FILE"`
}

// AlertConfig 同步状态告警；WebhookURL 为空时只写日志。
type AlertConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Throttle       time.Duration `yaml:"throttle" env:"THROTTLE"`
	PollInterval   time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
	ResyncGrace    time.Duration `yaml:"resyncGrace" env:"RESYNC_GRACE"` // 离开 LIVE 超过该时长才告警，0 关闭
	WebhookURL     string        `yaml:"webhookURL" env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout" env:"WEBHOOK_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Default 返回可直接运行的默认配置（Binance 现货，BTCUSDT）。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Path:         "/ws",
			MaxBackfill:  300,
			QueueSize:    256,
			WriteTimeout: 10 * time.Second,
			PongWait:     60 * time.Second,
		},
		Feed: FeedConfig{
			RestURL:         "https://api.binance.com",
			WSEndpoint:      "wss://stream.binance.com:9443",
			DepthLimit:      1000,
			RatePerSec:      5,
			Burst:           5,
			Watchdog:        30 * time.Second,
			SnapshotTimeout: 10 * time.Second,
			RetryInterval:   5 * time.Second,
			RetryFactor:     1,
		},
		Symbols: []string{"BTCUSDT"},
		Sync: SyncConfig{
			BufferSize:     1000,
			SampleInterval: time.Second,
			HistoryDepth:   100,
		},
		History: HistoryConfig{
			Capacity:     300,
			Driver:       "none",
			Dir:          "data/history",
			QueueSize:    1024,
			WriteTimeout: 2 * time.Second,
			Retain:       86400,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
		Alert: AlertConfig{
			Enabled:        true,
			Throttle:       5 * time.Minute,
			PollInterval:   time.Second,
			ResyncGrace:    time.Minute,
			WebhookTimeout: 5 * time.Second,
		},
	}
}

// Load reads YAML config from path on top of Default and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides fields from RELAY_* env vars if present.
// envFile 非空时先用 godotenv 加载；为空时尝试当前目录的 .env，不存在也不报错。
func LoadWithEnvOverrides(path, envFile string) (AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return AppConfig{}, fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, Validate(cfg)
}

// normalize 交易对与别名统一大写并去重。
func (c *AppConfig) normalize() {
	seen := make(map[string]bool, len(c.Symbols))
	symbols := c.Symbols[:0]
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	c.Symbols = symbols

	if len(c.Aliases) > 0 {
		aliases := make(map[string]string, len(c.Aliases))
		for k, v := range c.Aliases {
			aliases[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
		}
		c.Aliases = aliases
	}
	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
}

// HasSymbol 是否在订阅列表中
func (c AppConfig) HasSymbol(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}
