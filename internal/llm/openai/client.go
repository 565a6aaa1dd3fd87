package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client 基于官方 openai-go SDK 调用生成模型。
type Client struct {
	sdk   openai.Client
	model string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{sdk: openai.NewClient(opts...), model: model}, nil
}

// Name 返回 provider 名称。
func (c *Client) Name() string { return "openai" }

// Generate 调用 Chat Completions。请求带字段约束时开启 JSON 模式。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(0.2),
	}
	if len(req.Fields) > 0 {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "请求 OpenAI 失败",
			xerrors.WithMetadata("provider", "openai"), xerrors.WithMetadata("purpose", req.Purpose))
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProvider, "OpenAI 响应中没有有效的 choices", xerrors.WithMetadata("provider", "openai"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeProvider, "OpenAI 响应内容为空", xerrors.WithMetadata("provider", "openai"))
	}
	return &llm.Response{Text: content, Model: resp.Model}, nil
}

var _ llm.Client = (*Client)(nil)
