package search

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "Neural-Reflexion/internal/errors"
)

// Document 是离线语料中的一条记录。
type Document struct {
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

// StaticProvider 通过加载 JSON 语料提供离线检索，用于演示与无网络环境。
type StaticProvider struct {
	docs []Document
}

// NewStaticProvider 创建离线检索实例。
func NewStaticProvider(docs []Document) *StaticProvider {
	return &StaticProvider{docs: docs}
}

// LoadStaticProvider 从 JSON 文件加载语料。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "离线语料路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析离线语料路径失败")
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取离线语料失败")
	}
	var docs []Document
	if err := json.Unmarshal(content, &docs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析离线语料失败")
	}
	return NewStaticProvider(docs), nil
}

// Name 返回 provider 名称。
func (p *StaticProvider) Name() string { return "static" }

// Search 按命中词数排序返回文档，命中数相同时保持语料顺序。
func (p *StaticProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	type hit struct {
		doc   Document
		score int
	}
	var hits []hit
	for _, doc := range p.docs {
		if s := matchScore(doc, terms); s > 0 {
			hits = append(hits, hit{doc: doc, score: s})
		}
	}
	// 插入排序保持稳定。
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].score > hits[j-1].score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, normalize(Result{Title: h.doc.Title, URL: h.doc.URL, Snippet: h.doc.Content}))
	}
	return truncate(results, limit), nil
}

func matchScore(doc Document, terms []string) int {
	haystack := strings.ToLower(doc.Title + " " + doc.Content + " " + strings.Join(doc.Keywords, " "))
	score := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			score++
		}
	}
	return score
}

var _ Provider = (*StaticProvider)(nil)
