package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// ConversationRecord 表示一轮完整问答的落库结构。
type ConversationRecord struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Rephrased string `json:"rephrased"`
	Answer    string `json:"answer"`
	Summary   string `json:"summary"`
	Sources   string `json:"sources"`
	Observes  string `json:"observes"`
	CreatedAt int64  `json:"created_at"`
}

// ConversationRepository 抽象对话数据的持久化接口。
type ConversationRepository interface {
	Create(ctx context.Context, record *ConversationRecord) error
	ListLatest(ctx context.Context, limit int) ([]ConversationRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]ConversationRecord, error)
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// 内存仓库保留的最大对话条数。
const memoryRepositoryLimit = 512

// MemoryConversationRepository 使用本地 JSON 行文件模拟 MySQL 的效果，
// 方便迭代开发与测试。
type MemoryConversationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ConversationRecord
}

// NewMemoryConversationRepository 创建内存对话仓库。
func NewMemoryConversationRepository(dataDir string) (*MemoryConversationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "conversations.log")
	repo := &MemoryConversationRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Create 以追加写的方式记录对话结果。
func (m *MemoryConversationRepository) Create(_ context.Context, record *ConversationRecord) error {
	if record == nil {
		return errors.New("record 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}

	m.records = append([]ConversationRecord{*record}, m.records...)
	if len(m.records) > memoryRepositoryLimit {
		m.records = m.records[:memoryRepositoryLimit]
	}
	return nil
}

// ListLatest 返回最近的对话记录，按时间倒序排列。
func (m *MemoryConversationRepository) ListLatest(_ context.Context, limit int) ([]ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ConversationRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListBySession 返回指定会话的最近对话记录。
func (m *MemoryConversationRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]ConversationRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id 不能为空")
	}
	if limit <= 0 {
		limit = memoryRepositoryLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]ConversationRecord, 0, limit)
	for _, record := range m.records {
		if record.SessionID != sessionID {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryConversationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []ConversationRecord
	for scanner.Scan() {
		var record ConversationRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ConversationRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析对话日志失败: %w", err)
	}
	if len(restored) > memoryRepositoryLimit {
		restored = restored[:memoryRepositoryLimit]
	}
	m.records = restored
	return nil
}

// SQLConversationRepository 使用 MySQL 持久化对话记录。
type SQLConversationRepository struct {
	db *sql.DB
}

// NewSQLConversationRepository 创建 MySQL 对话仓库并完成建表。
func NewSQLConversationRepository(ctx context.Context, cfg Config) (*SQLConversationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLConversationRepository{db: db}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Create 实现 ConversationRepository 接口。
func (r *SQLConversationRepository) Create(ctx context.Context, record *ConversationRecord) error {
	if record == nil {
		return errors.New("record 不能为空")
	}
	const stmt = `INSERT INTO conversations
    (session_id, question, rephrased, answer, summary, sources, observes, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, stmt,
		record.SessionID, record.Question, record.Rephrased, record.Answer,
		record.Summary, record.Sources, record.Observes, record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入对话记录失败: %w", err)
	}
	return nil
}

// ListLatest 实现 ConversationRepository 接口。
func (r *SQLConversationRepository) ListLatest(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const stmt = `SELECT session_id, question, rephrased, answer, summary, sources, observes, created_at
    FROM conversations ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("查询对话记录失败: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ListBySession 实现 ConversationRepository 接口。
func (r *SQLConversationRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]ConversationRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id 不能为空")
	}
	if limit <= 0 {
		limit = 20
	}
	const stmt = `SELECT session_id, question, rephrased, answer, summary, sources, observes, created_at
    FROM conversations WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, stmt, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话记录失败: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// Close 释放数据库连接。
func (r *SQLConversationRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func scanConversations(rows *sql.Rows) ([]ConversationRecord, error) {
	var results []ConversationRecord
	for rows.Next() {
		var record ConversationRecord
		if err := rows.Scan(
			&record.SessionID, &record.Question, &record.Rephrased, &record.Answer,
			&record.Summary, &record.Sources, &record.Observes, &record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("读取对话记录失败: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话记录失败: %w", err)
	}
	return results, nil
}

var (
	_ ConversationRepository = (*MemoryConversationRepository)(nil)
	_ ConversationRepository = (*SQLConversationRepository)(nil)
)
