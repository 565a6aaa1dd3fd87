package search

import (
	"context"
	"time"
)

// Observer 在每次检索结束后回调。
type Observer func(provider string, results int, elapsed time.Duration, err error)

type observed struct {
	next Provider
	fn   Observer
}

// Observe 包装 provider，在检索结束后上报结果数与耗时；fn 为 nil 时原样返回。
func Observe(next Provider, fn Observer) Provider {
	if fn == nil || next == nil {
		return next
	}
	return &observed{next: next, fn: fn}
}

func (o *observed) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	start := time.Now()
	results, err := o.next.Search(ctx, query, limit)
	o.fn(NameOf(o.next), len(results), time.Since(start), err)
	return results, err
}

func (o *observed) Name() string {
	return NameOf(o.next)
}
