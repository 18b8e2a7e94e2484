package store

import "fmt"

// SinkOptions 选择持久化介质：none / file / redis。
type SinkOptions struct {
	Driver   string
	Dir      string
	MaxBytes int64
	Redis    RedisOptions
}

// OpenSink driver 为空或 none 时返回 (nil, nil)，表示不落盘。
func OpenSink(opts SinkOptions) (Sink, error) {
	switch opts.Driver {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileSink(opts.Dir, opts.MaxBytes)
	case "redis":
		return NewRedisSink(opts.Redis), nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", opts.Driver)
	}
}
