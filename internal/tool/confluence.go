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

// ConfluenceTool 通过 Confluence REST 检索接口搜索内部文档。
type ConfluenceTool struct {
	name       string
	endpoint   string
	username   string
	token      string
	maxResults int
	httpClient *http.Client
}

// NewConfluenceTool 创建 Confluence 检索工具。
func NewConfluenceTool(name string, cfg ToolConfig, defaults ToolDefaults) (*ConfluenceTool, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("Confluence endpoint 不能为空")
	}
	return &ConfluenceTool{
		name:       name,
		endpoint:   endpoint,
		username:   strings.TrimSpace(cfg.Username),
		token:      cfg.resolveToken(),
		maxResults: cfg.maxResults(defaults),
		httpClient: &http.Client{Timeout: cfg.timeout(defaults)},
	}, nil
}

// Name 实现 Tool 接口。
func (t *ConfluenceTool) Name() string { return t.name }

// Description 实现 Tool 接口。
func (t *ConfluenceTool) Description() string {
	return "搜索 Confluence 内部文档"
}

// Search 通过 CQL siteSearch 执行全文检索。
func (t *ConfluenceTool) Search(ctx context.Context, query string) ([]Result, error) {
	cql := fmt.Sprintf("siteSearch ~ %q", query)
	params := url.Values{}
	params.Set("cql", cql)
	params.Set("limit", strconv.Itoa(t.maxResults))

	endpoint := t.endpoint + "/rest/api/search?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 Confluence 请求失败: %w", err)
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.token)
	} else if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 Confluence 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Confluence 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Results []struct {
			Content struct {
				Title string `json:"title"`
			} `json:"content"`
			Excerpt string `json:"excerpt"`
			URL     string `json:"url"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Confluence 响应失败: %w", err)
	}

	results := make([]Result, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		results = append(results, Result{
			Source:  t.name,
			Title:   item.Content.Title,
			Snippet: stripExcerptMarkup(item.Excerpt),
			URL:     t.endpoint + item.URL,
		})
	}
	return clampResults(results, t.maxResults), nil
}

// stripExcerptMarkup 去掉 Confluence 摘要中的高亮标记。
func stripExcerptMarkup(excerpt string) string {
	replacer := strings.NewReplacer("@@@hl@@@", "", "@@@endhl@@@", "")
	return strings.TrimSpace(replacer.Replace(excerpt))
}

var _ Tool = (*ConfluenceTool)(nil)
