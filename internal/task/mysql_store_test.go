package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := newTaskMockDB(t, []taskMockOperation{
		taskExecOp(insertTaskStateSQL(), taskMockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	task := &Task{
		ID:         "task-1",
		Question:   "问题",
		Tools:      []string{"confluence"},
		SessionID:  "s1",
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.CreatedAt == 0 || task.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be assigned: %+v", task)
	}
}

func TestMySQLStoreCreateDuplicateIsConflict(t *testing.T) {
	t.Parallel()

	db, drv := newTaskMockDB(t, []taskMockOperation{
		taskExecErrOp(insertTaskStateSQL(), &mysql.MySQLError{Number: 1062, Message: "duplicate entry"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	err := store.Create(context.Background(), &Task{ID: "task-1", Question: "问题", Status: StatusPending, MaxRetries: 3})
	if !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	t.Parallel()

	rows := taskMockRowsData{
		columns: taskStateColumns(),
		values: [][]driver.Value{
			{"task-1", "问题", nil, "s1", nil, "running", int64(1), int64(3), nil, "",
				nil, nil, nil, nil, nil, int64(100), int64(200)},
		},
	}

	db, drv := newTaskMockDB(t, []taskMockOperation{
		taskExecOp(claimTaskStateSQL(), taskMockResult{rowsAffected: 1}),
		taskQueryOp(selectTaskStateSQL()+` WHERE id = ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	task, err := store.Claim(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if task.Status != StatusRunning || task.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", task)
	}
}

func TestMySQLStoreClaimExhausted(t *testing.T) {
	t.Parallel()

	rows := taskMockRowsData{
		columns: taskStateColumns(),
		values: [][]driver.Value{
			{"task-1", "问题", nil, "", nil, "failed", int64(3), int64(3), "超时", "TIMEOUT",
				nil, nil, nil, nil, nil, int64(100), int64(200)},
		},
	}

	db, drv := newTaskMockDB(t, []taskMockOperation{
		taskExecOp(claimTaskStateSQL(), taskMockResult{rowsAffected: 0}),
		taskQueryOp(selectTaskStateSQL()+` WHERE id = ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	task, err := store.Claim(context.Background(), "task-1")
	if !stdErrors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if task == nil || task.Attempts != 3 {
		t.Fatalf("unexpected task state: %+v", task)
	}
}

func TestMySQLStoreListFiltersBySession(t *testing.T) {
	t.Parallel()

	rows := taskMockRowsData{
		columns: taskStateColumns(),
		values: [][]driver.Value{
			{"task-2", "问题二", `["confluence"]`, "s1", nil, "succeeded", int64(1), int64(3), nil, "",
				"改写", "回答", "摘要", "confluence", "", int64(100), int64(300)},
			{"task-1", "问题一", nil, "s1", nil, "pending", int64(0), int64(3), nil, "",
				nil, nil, nil, nil, nil, int64(100), int64(200)},
		},
	}

	db, drv := newTaskMockDB(t, []taskMockOperation{
		taskQueryOp(selectTaskStateSQL()+` WHERE session_id = ? ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	tasks, err := store.List(context.Background(), ListOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "task-2" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if len(tasks[0].Tools) != 1 || tasks[0].Tools[0] != "confluence" {
		t.Fatalf("tools column not decoded: %+v", tasks[0].Tools)
	}
	if tasks[0].Result == nil || tasks[0].Result.Answer != "回答" {
		t.Fatalf("result columns not decoded: %+v", tasks[0].Result)
	}
	if tasks[1].Result != nil {
		t.Fatalf("expected empty result to stay nil: %+v", tasks[1].Result)
	}
}

func taskStateColumns() []string {
	return []string{
		"id", "question", "tools", "session_id", "metadata", "status", "attempts", "max_retries",
		"last_error", "error_code", "result_rephrased", "result_answer", "result_summary",
		"result_sources", "result_observations", "created_at", "updated_at",
	}
}

func insertTaskStateSQL() string {
	return `INSERT INTO task_states
        (id, question, tools, session_id, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
}

func claimTaskStateSQL() string {
	return `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
}

func selectTaskStateSQL() string {
	return `SELECT id, question, tools, session_id, metadata, status, attempts, max_retries, last_error, error_code,
        result_rephrased, result_answer, result_summary, result_sources, result_observations, created_at, updated_at
        FROM task_states`
}

type taskOperationType int

const (
	taskOpExec taskOperationType = iota
	taskOpQuery
	taskOpBegin
	taskOpCommit
	taskOpRollback
)

type taskMockOperation struct {
	typ    taskOperationType
	query  string
	result taskMockResult
	rows   taskMockRowsData
	err    error
}

type taskMockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r taskMockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r taskMockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type taskMockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type taskQueueDriver struct {
	ops []taskMockOperation
	idx int32
}

var taskDriverSeq atomic.Int32

func newTaskMockDB(t *testing.T, ops []taskMockOperation) (*sql.DB, *taskQueueDriver) {
	t.Helper()

	drv := &taskQueueDriver{ops: ops}
	name := fmt.Sprintf("mock-task-mysql-%d", taskDriverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func taskExecOp(query string, result taskMockResult) taskMockOperation {
	return taskMockOperation{typ: taskOpExec, query: query, result: result}
}

func taskExecErrOp(query string, err error) taskMockOperation {
	return taskMockOperation{typ: taskOpExec, query: query, err: err}
}

func taskQueryOp(query string, rows taskMockRowsData) taskMockOperation {
	return taskMockOperation{typ: taskOpQuery, query: query, rows: rows}
}

func (d *taskQueueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *taskQueueDriver) Open(name string) (driver.Conn, error) {
	return &taskMockConn{driver: d}, nil
}

type taskMockConn struct {
	driver *taskQueueDriver
}

func (c *taskMockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *taskMockConn) Close() error { return nil }

func (c *taskMockConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions not expected")
}

func (c *taskMockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, taskNamed(args))
}

func (c *taskMockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(taskOpExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *taskMockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, taskNamed(args))
}

func (c *taskMockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(taskOpQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &taskMockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *taskMockConn) Ping(ctx context.Context) error { return nil }

func (c *taskMockConn) next(expected taskOperationType, query string) (*taskMockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := taskNormalizeSQL(op.query)
		actualSQL := taskNormalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type taskMockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *taskMockRows) Columns() []string { return r.columns }
func (r *taskMockRows) Close() error      { return nil }

func (r *taskMockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func taskNamed(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func taskNormalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
