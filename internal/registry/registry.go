package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/pkg/logger"
)

// Fetcher 读取 Agent 的元数据，由 agent.Client 实现。
type Fetcher interface {
	FetchMeta(ctx context.Context, url string) (*agent.Agent, error)
}

// MetaCache 是可选的跨进程元数据缓存。
type MetaCache interface {
	Get(ctx context.Context, url string) (*agent.Agent, bool, error)
	Set(ctx context.Context, a *agent.Agent, ttl time.Duration) error
}

type entry struct {
	agent     *agent.Agent
	fetchedAt time.Time
}

// Registry 维护已注册 Agent 的有序目录。读操作并发进行，同一 URL 的注册与刷新
// 通过 singleflight 合并为一次元数据请求。
type Registry struct {
	fetcher Fetcher
	cache   MetaCache
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	order  []string
	agents map[string]*entry

	group singleflight.Group
}

// Option 定义可选的 Registry 配置。
type Option func(*Registry)

// WithCache 配置元数据缓存。
func WithCache(cache MetaCache) Option {
	return func(r *Registry) {
		r.cache = cache
	}
}

// WithTTL 设置元数据被视为过期的时长。
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建 Agent 注册表。
func New(fetcher Fetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher: fetcher,
		ttl:     5 * time.Minute,
		log:     logger.Named("registry"),
		now:     time.Now,
		agents:  make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册 Agent。对同一 URL 幂等：已注册时直接返回现有描述。
func (r *Registry) Register(ctx context.Context, url string) (*agent.Agent, error) {
	key := agent.NormalizeURL(url)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent url is empty")
	}
	if existing, ok := r.lookup(key); ok {
		return existing, nil
	}
	return r.load(ctx, key, false)
}

// Refresh 强制重新读取 Agent 元数据，保持其在目录中的位置。
func (r *Registry) Refresh(ctx context.Context, url string) (*agent.Agent, error) {
	key := agent.NormalizeURL(url)
	if _, ok := r.lookup(key); !ok {
		return nil, notFound(key)
	}
	return r.load(ctx, key, true)
}

// RefreshStale 刷新超过 TTL 的条目，返回刷新失败的错误集合。
func (r *Registry) RefreshStale(ctx context.Context) error {
	cutoff := r.now().Add(-r.ttl)
	r.mu.RLock()
	var stale []string
	for _, key := range r.order {
		if r.agents[key].fetchedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, key := range stale {
		if _, err := r.load(ctx, key, true); err != nil {
			r.log.Warn("agent metadata refresh failed", slog.String("agent_url", key), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Run 按固定间隔刷新过期元数据，直到 ctx 结束。
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.RefreshStale(ctx)
		}
	}
}

// Bootstrap 注册种子地址。不可达的 Agent 只记录日志，返回成功注册的数量。
func (r *Registry) Bootstrap(ctx context.Context, urls []string) int {
	registered := 0
	for _, url := range urls {
		a, err := r.Register(ctx, url)
		if err != nil {
			r.log.Warn("agent registration failed", slog.String("agent_url", url), slog.Any("error", err))
			continue
		}
		registered++
		r.log.Info("agent registered", slog.String("agent_url", a.URL), slog.String("agent_name", a.Name))
	}
	return registered
}

// List 返回按注册顺序排列的 Agent 快照。
func (r *Registry) List() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.agents[key].agent.Clone())
	}
	return out
}

// Get 返回指定 URL 的 Agent，未注册时返回 AGENT_NOT_FOUND。
func (r *Registry) Get(url string) (*agent.Agent, error) {
	key := agent.NormalizeURL(url)
	if a, ok := r.lookup(key); ok {
		return a, nil
	}
	return nil, notFound(key)
}

// Has 判断 URL 是否已注册。
func (r *Registry) Has(url string) bool {
	_, ok := r.lookup(agent.NormalizeURL(url))
	return ok
}

// Len 返回已注册的 Agent 数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) lookup(key string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[key]
	if !ok {
		return nil, false
	}
	return e.agent.Clone(), true
}

// load 读取元数据并写入目录。force 为 false 时先尝试缓存。
func (r *Registry) load(ctx context.Context, key string, force bool) (*agent.Agent, error) {
	flightKey := key
	if force {
		flightKey = "refresh:" + key
	}
	v, err, _ := r.group.Do(flightKey, func() (any, error) {
		if !force {
			if existing, ok := r.lookup(key); ok {
				return existing, nil
			}
			if a := r.fromCache(ctx, key); a != nil {
				return r.store(a), nil
			}
		}
		if r.fetcher == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "registry has no metadata fetcher")
		}
		a, err := r.fetcher.FetchMeta(ctx, key)
		if err != nil {
			return nil, err
		}
		a.URL = key
		stored := r.store(a)
		if r.cache != nil {
			if err := r.cache.Set(ctx, stored, r.ttl); err != nil {
				r.log.Warn("agent metadata cache write failed", slog.String("agent_url", key), slog.Any("error", err))
			}
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*agent.Agent).Clone(), nil
}

func (r *Registry) fromCache(ctx context.Context, key string) *agent.Agent {
	if r.cache == nil {
		return nil
	}
	a, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("agent metadata cache read failed", slog.String("agent_url", key), slog.Any("error", err))
		return nil
	}
	if !ok || a == nil {
		return nil
	}
	a.URL = key
	return a
}

func (r *Registry) store(a *agent.Agent) *agent.Agent {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := a.Clone()
	clone.RefreshedAt = now.UnixMilli()
	if existing, ok := r.agents[clone.URL]; ok {
		clone.RegisteredAt = existing.agent.RegisteredAt
		existing.agent = clone
		existing.fetchedAt = now
		return clone.Clone()
	}
	clone.RegisteredAt = now.UnixMilli()
	r.agents[clone.URL] = &entry{agent: clone, fetchedAt: now}
	r.order = append(r.order, clone.URL)
	return clone.Clone()
}

func notFound(key string) error {
	return xerrors.New(agent.CodeNotFound, fmt.Sprintf("agent %s is not registered", key),
		xerrors.WithMetadata("agent_url", key))
}
