package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscache "AgentFlow/internal/storage/redis"
	"AgentFlow/internal/tool"
)

// cachedTool 在工具检索外包一层缓存，命中时省去对后端系统的请求。
// 缓存故障只会降级为直接检索并通过 report 记为观察，不会导致查询失败。
type cachedTool struct {
	inner  tool.Tool
	cache  rediscache.Cache
	ttl    time.Duration
	report func(string)
}

func newCachedTool(inner tool.Tool, cache rediscache.Cache, ttl time.Duration, report func(string)) *cachedTool {
	return &cachedTool{inner: inner, cache: cache, ttl: ttl, report: report}
}

func (c *cachedTool) observe(format string, args ...any) {
	if c.report == nil {
		return
	}
	c.report(fmt.Sprintf(format, args...))
}

func (c *cachedTool) Name() string {
	return c.inner.Name()
}

func (c *cachedTool) Description() string {
	return c.inner.Description()
}

func (c *cachedTool) Search(ctx context.Context, query string) ([]tool.Result, error) {
	key := rediscache.RetrieveKey(c.inner.Name(), query)
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.observe("工具 %s 读取检索缓存失败: %v", c.inner.Name(), err)
	} else if ok {
		var results []tool.Result
		if err := json.Unmarshal([]byte(raw), &results); err == nil {
			return results, nil
		}
	}

	results, err := c.inner.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(results); err == nil {
		if err := c.cache.Set(ctx, key, string(encoded), c.ttl); err != nil {
			c.observe("工具 %s 写入检索缓存失败: %v", c.inner.Name(), err)
		}
	}
	return results, nil
}
