package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
)

const defaultTavilyEndpoint = "https://api.tavily.com/search"

// TavilyConfig 描述 Tavily 检索所需的参数。
type TavilyConfig struct {
	APIKey     string
	Depth      string
	Endpoint   string
	HTTPClient *http.Client
}

// Tavily 调用 Tavily 检索 API。
type Tavily struct {
	apiKey   string
	depth    string
	endpoint string
	client   *http.Client
}

// NewTavily 创建 Tavily 客户端。
func NewTavily(cfg TavilyConfig) (*Tavily, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "tavily 缺少 API Key")
	}
	t := &Tavily{
		apiKey:   cfg.APIKey,
		depth:    cfg.Depth,
		endpoint: cfg.Endpoint,
		client:   cfg.HTTPClient,
	}
	if t.depth == "" {
		t.depth = "basic"
	}
	if t.endpoint == "" {
		t.endpoint = defaultTavilyEndpoint
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 20 * time.Second}
	}
	return t, nil
}

// Name 返回 provider 名称。
func (t *Tavily) Name() string { return "tavily" }

// Search 向 Tavily 提交检索请求，429 时按退避策略最多重试三次。
func (t *Tavily) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{
		"query":        query,
		"api_key":      t.apiKey,
		"search_depth": t.depth,
		"max_results":  limit,
	})
	if err != nil {
		return nil, err
	}

	resp, err := doWithBackoff(ctx, t.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "tavily 请求失败", xerrors.WithMetadata("provider", "tavily"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.New(xerrors.CodeProvider,
			fmt.Sprintf("tavily 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("provider", "tavily"))
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析 tavily 响应失败", xerrors.WithMetadata("provider", "tavily"))
	}

	results := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, normalize(Result{Title: r.Title, URL: r.URL, Snippet: r.Content}))
	}
	return truncate(results, limit), nil
}

// doWithBackoff 发送请求，遇到 429 时等待 retryAfter（或指数退避）后重试，最多 3 次。
func doWithBackoff(ctx context.Context, client *http.Client, build func() (*http.Request, error), retryAfter func(http.Header) time.Duration) (*http.Response, error) {
	delay := time.Second
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= 2 {
			return resp, nil
		}
		resp.Body.Close()

		wait := delay
		if retryAfter != nil {
			wait = retryAfter(resp.Header)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

var _ Provider = (*Tavily)(nil)
