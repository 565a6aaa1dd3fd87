package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"Neural-Reflexion/pkg/logger"
)

// Cached 把检索结果缓存在 Redis 中，缓存故障时直接回源，不影响检索。
type Cached struct {
	next   Provider
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewCached 创建带 Redis 缓存的 provider。
func NewCached(next Provider, client redis.UniversalClient, ttl time.Duration, prefix string) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "reflexion:search"
	}
	return &Cached{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.Named("search_cache"),
	}
}

// Name 返回被包装 provider 的名称。
func (c *Cached) Name() string { return NameOf(c.next) }

// Search 先查缓存，未命中时回源并写回。
func (c *Cached) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	key := c.key(query, limit)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []Result
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
		c.logger.Warn("缓存内容损坏，回源检索", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("读取检索缓存失败", "error", err)
	}

	results, err := c.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(results); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("写入检索缓存失败", "error", err)
		}
	}
	return results, nil
}

func (c *Cached) key(query string, limit int) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(query))))
	return fmt.Sprintf("%s:%s:%s:%d", c.prefix, NameOf(c.next), hex.EncodeToString(sum[:]), limit)
}

var _ Provider = (*Cached)(nil)
