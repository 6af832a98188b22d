package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// defaultSearchQuery 是未配置查询文档时使用的 GraphQL 检索语句。
const defaultSearchQuery = `query Search($query: String!, $limit: Int!) {
  search(query: $query, limit: $limit) {
    title
    snippet
    url
  }
}`

// GraphQLTool 将查询转发给一个暴露 search 字段的 GraphQL 服务。
type GraphQLTool struct {
	name       string
	endpoint   string
	token      string
	queryDoc   string
	maxResults int
	httpClient *http.Client
}

// NewGraphQLTool 创建 GraphQL 检索工具。
func NewGraphQLTool(name string, cfg ToolConfig, defaults ToolDefaults) (*GraphQLTool, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("GraphQL endpoint 不能为空")
	}
	queryDoc := strings.TrimSpace(cfg.Query)
	if queryDoc == "" {
		queryDoc = defaultSearchQuery
	}
	return &GraphQLTool{
		name:       name,
		endpoint:   endpoint,
		token:      cfg.resolveToken(),
		queryDoc:   queryDoc,
		maxResults: cfg.maxResults(defaults),
		httpClient: &http.Client{Timeout: cfg.timeout(defaults)},
	}, nil
}

// Name 实现 Tool 接口。
func (t *GraphQLTool) Name() string { return t.name }

// Description 实现 Tool 接口。
func (t *GraphQLTool) Description() string {
	return "通过 GraphQL 接口检索结构化数据"
}

// Search 发送标准的 GraphQL POST 请求并解析 search 字段。
func (t *GraphQLTool) Search(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{
		"query": t.queryDoc,
		"variables": map[string]any{
			"query": query,
			"limit": t.maxResults,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 GraphQL 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 GraphQL 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 GraphQL 服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("GraphQL 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Data struct {
			Search []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
				URL     string `json:"url"`
			} `json:"search"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 GraphQL 响应失败: %w", err)
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, item := range decoded.Errors {
			messages = append(messages, item.Message)
		}
		return nil, fmt.Errorf("GraphQL 查询失败: %s", strings.Join(messages, "; "))
	}

	results := make([]Result, 0, len(decoded.Data.Search))
	for _, item := range decoded.Data.Search {
		results = append(results, Result{
			Source:  t.name,
			Title:   item.Title,
			Snippet: item.Snippet,
			URL:     item.URL,
		})
	}
	return clampResults(results, t.maxResults), nil
}

var _ Tool = (*GraphQLTool)(nil)
