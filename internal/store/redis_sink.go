package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"depth-relay-go/market"
)

// listClient RedisSink 用到的命令子集，*redis.Client 直接满足。
type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// RedisSink 每个交易对一个 list：RPUSH 追加，LTRIM 保留最近 Retain 条。
// Retain 通常远大于内存环形缓冲，作为更长时间的二级副本。
type RedisSink struct {
	client    listClient
	keyPrefix string
	retain    int64
}

// RedisOptions 连接参数。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Retain    int
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	cli := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisSink(cli, opts.KeyPrefix, opts.Retain)
}

func newRedisSink(cli listClient, prefix string, retain int) *RedisSink {
	if prefix == "" {
		prefix = "depth:history:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if retain <= 0 {
		retain = DefaultCapacity
	}
	return &RedisSink{client: cli, keyPrefix: prefix, retain: int64(retain)}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) key(symbol string) string {
	return s.keyPrefix + strings.ToUpper(symbol)
}

func (s *RedisSink) Write(ctx context.Context, view market.BookView) error {
	raw, err := encodeView(view)
	if err != nil {
		return err
	}
	key := s.key(view.Symbol)
	if err := s.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	if err := s.client.LTrim(ctx, key, -s.retain, -1).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	return nil
}

func (s *RedisSink) Load(ctx context.Context, symbol string, limit int) ([]market.BookView, error) {
	if limit <= 0 {
		limit = int(s.retain)
	}
	key := s.key(symbol)
	items, err := s.client.LRange(ctx, key, -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([]market.BookView, 0, len(items))
	for _, it := range items {
		v, err := decodeView([]byte(it))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
