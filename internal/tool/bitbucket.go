package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// BitbucketTool 通过 Bitbucket 代码搜索接口查找仓库与文件片段。
type BitbucketTool struct {
	name       string
	endpoint   string
	workspace  string
	token      string
	maxResults int
	httpClient *http.Client
}

// NewBitbucketTool 创建 Bitbucket 检索工具。
func NewBitbucketTool(name string, cfg ToolConfig, defaults ToolDefaults) (*BitbucketTool, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("Bitbucket endpoint 不能为空")
	}
	workspace := strings.TrimSpace(cfg.Workspace)
	if workspace == "" {
		return nil, errors.New("Bitbucket workspace 不能为空")
	}
	return &BitbucketTool{
		name:       name,
		endpoint:   endpoint,
		workspace:  workspace,
		token:      cfg.resolveToken(),
		maxResults: cfg.maxResults(defaults),
		httpClient: &http.Client{Timeout: cfg.timeout(defaults)},
	}, nil
}

// Name 实现 Tool 接口。
func (t *BitbucketTool) Name() string { return t.name }

// Description 实现 Tool 接口。
func (t *BitbucketTool) Description() string {
	return "搜索 Bitbucket 仓库与代码片段"
}

// Search 调用 workspace 级别的代码搜索接口。
func (t *BitbucketTool) Search(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("search_query", query)
	params.Set("pagelen", strconv.Itoa(t.maxResults))

	endpoint := fmt.Sprintf("%s/2.0/workspaces/%s/search/code?%s", t.endpoint, url.PathEscape(t.workspace), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 Bitbucket 请求失败: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 Bitbucket 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Bitbucket 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Values []struct {
			File struct {
				Path  string `json:"path"`
				Links struct {
					Self struct {
						Href string `json:"href"`
					} `json:"self"`
				} `json:"links"`
			} `json:"file"`
			ContentMatches []struct {
				Lines []struct {
					Line string `json:"line"`
				} `json:"lines"`
			} `json:"content_matches"`
		} `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Bitbucket 响应失败: %w", err)
	}

	results := make([]Result, 0, len(decoded.Values))
	for _, item := range decoded.Values {
		var lines []string
		for _, match := range item.ContentMatches {
			for _, line := range match.Lines {
				if trimmed := strings.TrimSpace(line.Line); trimmed != "" {
					lines = append(lines, trimmed)
				}
			}
		}
		results = append(results, Result{
			Source:  t.name,
			Title:   item.File.Path,
			Snippet: strings.Join(lines, "\n"),
			URL:     item.File.Links.Self.Href,
		})
	}
	return clampResults(results, t.maxResults), nil
}

var _ Tool = (*BitbucketTool)(nil)
