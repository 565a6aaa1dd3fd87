package llm

import "context"

// FieldType 是结构化输出中字段的类型。
type FieldType string

const (
	FieldString      FieldType = "string"
	FieldStringArray FieldType = "string_array"
)

// Field 描述期望模型返回的一个 JSON 字段。
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
}

// Request 描述一次生成调用。Fields 非空时要求模型只输出符合字段约束的 JSON 对象。
type Request struct {
	// Purpose 标识调用用途（draft / revise），用于日志与指标。
	Purpose string
	System  string
	User    string
	Fields  []Field
}

// Response 是模型返回的原始文本。解析与校验由调用方负责。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用生成模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Named 由能报告自身名称的客户端实现。
type Named interface {
	Name() string
}

// NameOf 返回客户端名称，未实现 Named 时返回 unknown。
func NameOf(c Client) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
