package search

import (
	"context"
	"strings"

	"golang.org/x/time/rate"
)

// Result 是一条检索结果。Query 由工具执行步骤填写，URL 是整个运行内的去重键。
type Result struct {
	Query   string `json:"query"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider 定义检索服务的通用接口。返回结果按服务端排名排序，最多 limit 条。
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Named 由能够报告自身名称的 provider 实现，用于日志与指标。
type Named interface {
	Name() string
}

// NameOf 返回 provider 名称，未实现 Named 时返回 unknown。
func NameOf(p Provider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

// RateLimited 用令牌桶限制对下游 provider 的调用频率。
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited 创建限流包装；perSecond 小于等于 0 时不限流，直接返回原 provider。
func NewRateLimited(next Provider, perSecond float64) Provider {
	if perSecond <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Search 在取得令牌后转发请求。
func (r *RateLimited) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Search(ctx, query, limit)
}

// Name 返回被包装 provider 的名称。
func (r *RateLimited) Name() string {
	return NameOf(r.next)
}

func truncate(results []Result, limit int) []Result {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

func normalize(r Result) Result {
	r.Title = strings.TrimSpace(r.Title)
	r.URL = strings.TrimSpace(r.URL)
	r.Snippet = strings.TrimSpace(r.Snippet)
	return r
}

var _ Provider = (*RateLimited)(nil)
