package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
)

const defaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveConfig 描述 Brave 检索所需的参数。
type BraveConfig struct {
	APIKey     string
	Endpoint   string
	HTTPClient *http.Client
}

// Brave 调用 Brave Search API，鉴权头为 X-Subscription-Token。
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave 创建 Brave 客户端。Brave 免费档限制为每秒一次，调用方应配合 NewRateLimited 使用。
func NewBrave(cfg BraveConfig) (*Brave, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "brave 缺少 API Key")
	}
	b := &Brave{apiKey: cfg.APIKey, endpoint: cfg.Endpoint, client: cfg.HTTPClient}
	if b.endpoint == "" {
		b.endpoint = defaultBraveEndpoint
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 10 * time.Second}
	}
	return b, nil
}

// Name 返回 provider 名称。
func (b *Brave) Name() string { return "brave" }

// Search 执行一次 Brave 检索。
func (b *Brave) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	endpoint := b.endpoint + "?" + params.Encode()

	resp, err := doWithBackoff(ctx, b.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)
		return req, nil
	}, braveRetryDelay)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "brave 请求失败", xerrors.WithMetadata("provider", "brave"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeProvider, fmt.Sprintf("brave 返回状态码 %d", resp.StatusCode),
			xerrors.WithMetadata("provider", "brave"))
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析 brave 响应失败", xerrors.WithMetadata("provider", "brave"))
	}

	results := make([]Result, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, normalize(Result{Title: r.Title, URL: r.URL, Snippet: r.Description}))
	}
	return truncate(results, limit), nil
}

// braveRetryDelay 读取 X-RateLimit-Reset（逗号分隔的秒数）中最小的值，缺失时等待 1 秒。
func braveRetryDelay(h http.Header) time.Duration {
	minReset := -1
	for _, part := range strings.Split(h.Get("X-RateLimit-Reset"), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return time.Second
	}
	return time.Duration(minReset) * time.Second
}

var _ Provider = (*Brave)(nil)
