package tools

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/search"
	"Neural-Reflexion/pkg/logger"
)

const (
	defaultMaxResults = 5
	defaultPerQuery   = 3
	defaultTimeout    = 15 * time.Second
)

// QueryFailure 记录单条检索失败。失败只影响该查询，整个步骤继续执行。
type QueryFailure struct {
	Query string `json:"query"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Outcome 是一次工具执行的结果。
type Outcome struct {
	// Queries 是清洗、去重后实际执行的检索词，顺序与请求一致。
	Queries  []string        `json:"queries"`
	Results  []search.Result `json:"results"`
	Failures []QueryFailure  `json:"failures,omitempty"`
}

// Executor 负责把检索词交给检索服务并合并去重结果。
type Executor struct {
	provider   search.Provider
	maxResults int
	perQuery   int
	timeout    time.Duration
	logger     *slog.Logger
	onFailure  func(QueryFailure)
}

// Option 用于自定义 Executor 行为。
type Option func(*Executor)

// WithMaxResults 设置每条查询向检索服务请求的结果数。
func WithMaxResults(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxResults = n
		}
	}
}

// WithPerQuery 设置每条查询最多保留的新结果数。
func WithPerQuery(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.perQuery = n
		}
	}
}

// WithTimeout 设置单条检索的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFailureHook 在每条检索失败时回调，常用于指标统计。
func WithFailureHook(fn func(QueryFailure)) Option {
	return func(e *Executor) {
		e.onFailure = fn
	}
}

// NewExecutor 创建工具执行器。
func NewExecutor(provider search.Provider, opts ...Option) *Executor {
	e := &Executor{
		provider:   provider,
		maxResults: defaultMaxResults,
		perQuery:   defaultPerQuery,
		timeout:    defaultTimeout,
		logger:     logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 依次执行检索词。seen 覆盖整个运行，已出现过的 url 会被丢弃，新 url 会写入 seen。
// 只有父 context 被取消时才返回错误，此时 Outcome 中包含已完成部分的结果。
func (e *Executor) Execute(ctx context.Context, queries []string, seen map[string]struct{}) (Outcome, error) {
	var out Outcome
	if seen == nil {
		seen = make(map[string]struct{})
	}

	for _, query := range CleanQueries(queries) {
		if err := ctx.Err(); err != nil {
			return out, xerrors.Wrap(xerrors.CodeCanceled, err, "检索步骤被取消")
		}
		out.Queries = append(out.Queries, query)

		results, err := e.searchOne(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return out, xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "检索步骤被取消")
			}
			failure := QueryFailure{Query: query, Code: string(xerrors.CodeQueryFailure), Error: err.Error()}
			out.Failures = append(out.Failures, failure)
			e.logger.Warn("检索失败，跳过该查询", "query", query, "error", err)
			if e.onFailure != nil {
				e.onFailure(failure)
			}
			continue
		}

		kept := 0
		for _, r := range results {
			if kept >= e.perQuery {
				break
			}
			url := strings.TrimSpace(r.URL)
			if url == "" {
				continue
			}
			if _, dup := seen[url]; dup {
				continue
			}
			seen[url] = struct{}{}
			r.URL = url
			r.Query = query
			out.Results = append(out.Results, r)
			kept++
		}
		e.logger.Debug("检索完成", "query", query, "returned", len(results), "kept", kept)
	}
	return out, nil
}

func (e *Executor) searchOne(ctx context.Context, query string) ([]search.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	results, err := e.provider.Search(callCtx, query, e.maxResults)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueryFailure, err, "检索失败",
			xerrors.WithMetadata("query", query), xerrors.WithMetadata("provider", search.NameOf(e.provider)))
	}
	return results, nil
}

// CleanQuery 去掉首尾空白、逗号与引号。
func CleanQuery(q string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(q), `,"'`))
}

// CleanQueries 清洗检索词并按文本去重，保持原有顺序。
func CleanQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = CleanQuery(q)
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
