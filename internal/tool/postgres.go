package tool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
)

// identifierPattern 用于校验配置中的表名与列名，防止拼接注入。
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// PostgresTool 在配置的业务表上执行模糊匹配检索。
type PostgresTool struct {
	name       string
	db         *sql.DB
	query      string
	maxResults int
}

// NewPostgresTool 创建 PostgreSQL 检索工具并校验连接。
func NewPostgresTool(ctx context.Context, name string, cfg ToolConfig, defaults ToolDefaults) (*PostgresTool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("PostgreSQL DSN 不能为空")
	}

	table := orDefault(cfg.Table, "documents")
	titleColumn := orDefault(cfg.TitleColumn, "title")
	bodyColumn := orDefault(cfg.BodyColumn, "body")
	urlColumn := orDefault(cfg.URLColumn, "url")
	for _, identifier := range []string{table, titleColumn, bodyColumn, urlColumn} {
		if !identifierPattern.MatchString(identifier) {
			return nil, fmt.Errorf("非法的标识符: %q", identifier)
		}
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT %s, LEFT(%s, 300), COALESCE(%s, '') FROM %s WHERE %s ILIKE '%%' || $1 || '%%' OR %s ILIKE '%%' || $1 || '%%' LIMIT $2",
		titleColumn, bodyColumn, urlColumn, table, titleColumn, bodyColumn,
	)

	return &PostgresTool{
		name:       name,
		db:         db,
		query:      query,
		maxResults: cfg.maxResults(defaults),
	}, nil
}

// Name 实现 Tool 接口。
func (t *PostgresTool) Name() string { return t.name }

// Description 实现 Tool 接口。
func (t *PostgresTool) Description() string {
	return "检索 PostgreSQL 中的业务记录"
}

// Search 执行模糊匹配查询。
func (t *PostgresTool) Search(ctx context.Context, query string) ([]Result, error) {
	rows, err := t.db.QueryContext(ctx, t.query, query, t.maxResults)
	if err != nil {
		return nil, fmt.Errorf("查询 PostgreSQL 失败: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var title, snippet, link string
		if err := rows.Scan(&title, &snippet, &link); err != nil {
			return nil, fmt.Errorf("读取查询结果失败: %w", err)
		}
		results = append(results, Result{
			Source:  t.name,
			Title:   title,
			Snippet: snippet,
			URL:     link,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历查询结果失败: %w", err)
	}
	return results, nil
}

// Close 释放数据库连接。
func (t *PostgresTool) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

var _ Tool = (*PostgresTool)(nil)
