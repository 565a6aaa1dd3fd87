package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
)

// Client 通过外部 Python 脚本完成生成，便于接入本地模型或自定义 SDK。
//
// 脚本从 stdin 读取 {"purpose","system","user","fields"}，
// 向 stdout 输出 {"text": "..."}；若输出不是该结构则整体视为模型文本。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{pythonExec: pythonExec, scriptPath: scriptPath, workingDir: workingDir}, nil
}

// Name 返回 provider 名称。
func (c *Client) Name() string { return "python_bridge" }

type bridgeField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Generate 调用外部脚本，并读取其输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	fields := make([]bridgeField, 0, len(req.Fields))
	for _, f := range req.Fields {
		fields = append(fields, bridgeField{Name: f.Name, Type: string(f.Type), Required: f.Required})
	}
	encoded, err := json.Marshal(map[string]any{
		"purpose": req.Purpose,
		"system":  req.System,
		"user":    req.User,
		"fields":  fields,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err,
			fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String())),
			xerrors.WithMetadata("provider", "python_bridge"))
	}

	return &llm.Response{Text: extractText(stdout.Bytes()), Model: "python_bridge"}, nil
}

func extractText(out []byte) string {
	var wrapped struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(out, &wrapped); err == nil && wrapped.Text != nil {
		return strings.TrimSpace(*wrapped.Text)
	}
	return strings.TrimSpace(string(out))
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
