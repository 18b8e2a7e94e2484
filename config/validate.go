package config

import (
	"fmt"
	"regexp"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalidf(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if len(cfg.Symbols) == 0 {
		return ErrInvalid("symbols must not be empty")
	}
	for _, sym := range cfg.Symbols {
		if !symbolPattern.MatchString(sym) {
			return invalidf("symbol %s is not a valid exchange symbol", sym)
		}
	}
	for alias, target := range cfg.Aliases {
		if !cfg.HasSymbol(target) {
			return invalidf("alias %s points to untracked symbol %s", alias, target)
		}
		if cfg.HasSymbol(alias) {
			return invalidf("alias %s shadows a tracked symbol", alias)
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return invalidf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxBackfill < 0 {
		return ErrInvalid("server.maxBackfill must be >= 0")
	}
	if cfg.Server.QueueSize <= 0 {
		return ErrInvalid("server.queueSize must be > 0")
	}

	if cfg.Feed.RestURL == "" || cfg.Feed.WSEndpoint == "" {
		return ErrInvalid("feed.restURL/wsEndpoint is required")
	}
	if cfg.Feed.DepthLimit < 0 || cfg.Feed.DepthLimit > 5000 {
		return invalidf("feed.depthLimit %d out of range [0,5000]", cfg.Feed.DepthLimit)
	}
	if cfg.Feed.RatePerSec < 0 || cfg.Feed.Burst < 0 {
		return ErrInvalid("feed.ratePerSec/burst must be >= 0")
	}
	if cfg.Feed.RetryInterval <= 0 {
		return ErrInvalid("feed.retryInterval must be > 0")
	}
	if cfg.Feed.MaxAttempts < 0 {
		return ErrInvalid("feed.maxAttempts must be >= 0")
	}

	if cfg.Sync.BufferSize <= 0 {
		return ErrInvalid("sync.bufferSize must be > 0")
	}
	if cfg.Sync.SampleInterval <= 0 {
		return ErrInvalid("sync.sampleInterval must be > 0")
	}
	if cfg.Sync.HistoryDepth < 0 || cfg.Sync.SnapshotDepth < 0 {
		return ErrInvalid("sync depths must be >= 0")
	}

	if cfg.History.Capacity <= 0 {
		return ErrInvalid("history.capacity must be > 0")
	}
	if cfg.Server.MaxBackfill > cfg.History.Capacity {
		return invalidf("server.maxBackfill %d exceeds history.capacity %d", cfg.Server.MaxBackfill, cfg.History.Capacity)
	}
	if cfg.History.Retain < cfg.History.Capacity {
		return invalidf("history.retain %d must be >= history.capacity %d", cfg.History.Retain, cfg.History.Capacity)
	}
	switch cfg.History.Driver {
	case "", "none":
	case "file":
		if cfg.History.Dir == "" {
			return ErrInvalid("history.dir is required for file driver")
		}
	case "redis":
		if cfg.History.RedisAddr == "" {
			return ErrInvalid("history.redisAddr is required for redis driver")
		}
	default:
		return invalidf("history.driver %q unsupported (none/file/redis)", cfg.History.Driver)
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return invalidf("log.level %q unsupported", cfg.Log.Level)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrInvalid("metrics.addr is required when metrics are enabled")
	}
	if cfg.Alert.Enabled && cfg.Alert.PollInterval <= 0 {
		return ErrInvalid("alert.pollInterval must be > 0")
	}
	if cfg.Alert.Throttle < 0 || cfg.Alert.ResyncGrace < 0 {
		return ErrInvalid("alert.throttle/resyncGrace must be >= 0")
	}
	return nil
}
