package tool

import (
	"context"
	"fmt"
	"strings"
)

// Result 表示某个工具检索到的一条结果。
type Result struct {
	Source  string  `json:"source"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Tool 定义了检索工具的统一接口。
type Tool interface {
	Name() string
	Description() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// Render 将结果渲染为供大模型使用的上下文文本。
func Render(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var builder strings.Builder
	for idx, result := range results {
		builder.WriteString(fmt.Sprintf("[%d][%s] %s\n", idx+1, result.Source, strings.TrimSpace(result.Title)))
		if snippet := strings.TrimSpace(result.Snippet); snippet != "" {
			builder.WriteString(snippet)
			builder.WriteString("\n")
		}
		if result.URL != "" {
			builder.WriteString(result.URL)
			builder.WriteString("\n")
		}
	}
	return strings.TrimSpace(builder.String())
}

func clampResults(results []Result, limit int) []Result {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}
