package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache 抽象了带 TTL 的响应缓存。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Close() error
}

// keyPrefix 是所有缓存键的命名空间。
const keyPrefix = "agentflow:"

// RetrieveKey 构造某个工具对某条查询的检索缓存键。
func RetrieveKey(toolName, query string) string {
	return keyPrefix + "retrieve:" + toolName + ":" + NormalizeQuery(query)
}

// AnswerKey 构造整条回答的缓存键。工具范围参与键的组成，
// 限定范围的回答不会命中全量扇出的缓存，反之亦然。
func AnswerKey(question string, scope ...string) string {
	if len(scope) == 0 {
		return keyPrefix + "answer:" + NormalizeQuery(question)
	}
	names := make([]string, 0, len(scope))
	for _, name := range scope {
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	sort.Strings(names)
	return keyPrefix + "answer:" + strings.Join(names, ",") + ":" + NormalizeQuery(question)
}

// NormalizeQuery 将查询规整为小写并压缩空白，保证同义键命中。
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// CacheConfig 描述 Redis 缓存的连接参数。
type CacheConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisCache 使用 Redis 字符串键实现带 TTL 的缓存。
type RedisCache struct {
	client *goredis.Client
}

// NewRedisCache 创建 Redis 缓存实例并校验连通性。
func NewRedisCache(ctx context.Context, cfg CacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Get 实现 Cache 接口。
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 实现 Cache 接口。
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
