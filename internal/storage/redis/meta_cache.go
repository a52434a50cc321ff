package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"MAHA-Orchestrator/internal/agent"
)

// Config 描述 Redis 缓存的连接参数。
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	Prefix   string
}

// MetaCache 把 Agent 元数据以 JSON 形式缓存在 Redis 中，供多个编排实例共享。
type MetaCache struct {
	client *goredis.Client
	prefix string
}

// NewMetaCache 连接 Redis 并返回缓存实例。
func NewMetaCache(ctx context.Context, cfg Config) (*MetaCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewMetaCacheFromClient(client, cfg.Prefix), nil
}

// NewMetaCacheFromClient 复用已有的客户端。
func NewMetaCacheFromClient(client *goredis.Client, prefix string) *MetaCache {
	if prefix == "" {
		prefix = "maha:agent-meta"
	}
	return &MetaCache{client: client, prefix: prefix}
}

func (c *MetaCache) key(url string) string {
	return c.prefix + ":" + agent.NormalizeURL(url)
}

// Get 读取缓存的元数据，未命中时返回 false。
func (c *MetaCache) Get(ctx context.Context, url string) (*agent.Agent, bool, error) {
	raw, err := c.client.Get(ctx, c.key(url)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 Agent 元数据缓存失败: %w", err)
	}
	var a agent.Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("解析 Agent 元数据缓存失败: %w", err)
	}
	return &a, true, nil
}

// Set 写入元数据并设置过期时间。
func (c *MetaCache) Set(ctx context.Context, a *agent.Agent, ttl time.Duration) error {
	if a == nil {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("编码 Agent 元数据失败: %w", err)
	}
	if err := c.client.Set(ctx, c.key(a.URL), raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Agent 元数据缓存失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (c *MetaCache) Close() error {
	return c.client.Close()
}
