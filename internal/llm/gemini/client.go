package gemini

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/genai"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
)

const defaultModelName = "gemini-2.5-pro"

// Config 描述了调用 Gemini API 所需的信息。
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client 基于 google.golang.org/genai 调用 Gemini。
type Client struct {
	sdk   *genai.Client
	model string
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	sdk, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "创建 Gemini 客户端失败")
	}
	return &Client{sdk: sdk, model: model}, nil
}

// Name 返回 provider 名称。
func (c *Client) Name() string { return "gemini" }

// Generate 调用 generateContent。请求带字段约束时使用 JSON MIME 类型与响应 schema。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	if strings.TrimSpace(req.System) != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Fields) > 0 {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schemaFor(req.Fields)
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, genai.Text(req.User), config)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "请求 Gemini 失败",
			xerrors.WithMetadata("provider", "gemini"), xerrors.WithMetadata("purpose", req.Purpose))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, xerrors.New(xerrors.CodeProvider, "Gemini 响应内容为空", xerrors.WithMetadata("provider", "gemini"))
	}
	model := resp.ModelVersion
	if model == "" {
		model = c.model
	}
	return &llm.Response{Text: text, Model: model}, nil
}

// schemaFor 把字段约束翻译为 Gemini 的响应 schema。
func schemaFor(fields []llm.Field) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(fields)),
	}
	for _, f := range fields {
		prop := &genai.Schema{Description: f.Description}
		switch f.Type {
		case llm.FieldStringArray:
			prop.Type = genai.TypeArray
			prop.Items = &genai.Schema{Type: genai.TypeString}
		default:
			prop.Type = genai.TypeString
		}
		schema.Properties[f.Name] = prop
		schema.PropertyOrdering = append(schema.PropertyOrdering, f.Name)
		if f.Required {
			schema.Required = append(schema.Required, f.Name)
		}
	}
	return schema
}

var _ llm.Client = (*Client)(nil)
