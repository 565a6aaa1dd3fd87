package llm

import (
	"context"
	"time"
)

// Observer 在每次生成调用结束后回调。
type Observer func(provider, purpose string, elapsed time.Duration, err error)

type observed struct {
	next Client
	fn   Observer
}

// Observe 包装客户端，在调用结束后上报耗时与结果；fn 为 nil 时原样返回。
func Observe(next Client, fn Observer) Client {
	if fn == nil || next == nil {
		return next
	}
	return &observed{next: next, fn: fn}
}

func (o *observed) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := o.next.Generate(ctx, req)
	o.fn(NameOf(o.next), req.Purpose, time.Since(start), err)
	return resp, err
}

func (o *observed) Name() string {
	return NameOf(o.next)
}
