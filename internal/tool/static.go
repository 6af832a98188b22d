package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Snippet 描述静态知识库中的一段可引用内容。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	URL      string   `json:"url,omitempty"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticTool 通过加载 JSON 文件提供离线检索能力，
// 主要用于隔离环境部署与测试。
type StaticTool struct {
	name       string
	items      []Snippet
	maxResults int
}

// NewStaticTool 创建静态检索工具。
func NewStaticTool(name string, items []Snippet, maxResults int) *StaticTool {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticTool{
		name:       name,
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticTool 从 JSON 文件加载知识条目。
func LoadStaticTool(name, path string, maxResults int) (*StaticTool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticTool(name, entries, maxResults), nil
}

// Name 实现 Tool 接口。
func (t *StaticTool) Name() string { return t.name }

// Description 实现 Tool 接口。
func (t *StaticTool) Description() string {
	return "检索本地静态知识库"
}

// Search 根据关键词与标签进行简单匹配。
func (t *StaticTool) Search(_ context.Context, query string) ([]Result, error) {
	if t == nil {
		return nil, nil
	}

	normalized := strings.ToLower(strings.TrimSpace(query))
	results := make([]Result, 0, t.maxResults)
	for _, item := range t.items {
		if !matches(item, normalized) {
			continue
		}
		results = append(results, Result{
			Source:  t.name,
			Title:   item.Title,
			Snippet: item.Content,
			URL:     item.URL,
		})
		if len(results) >= t.maxResults {
			break
		}
	}
	return results, nil
}

func matches(snippet Snippet, query string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

var _ Tool = (*StaticTool)(nil)
