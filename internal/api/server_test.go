package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/pipeline"
	"AgentFlow/internal/task"
)

type fakeRunner struct {
	result  *pipeline.QueryResult
	err     error
	history []pipeline.QueryResult
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.QueryRequest, opts pipeline.RunOptions) (*pipeline.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	result := f.result
	if result == nil {
		result = &pipeline.QueryResult{Question: req.Question, Answer: "回答", Summary: "摘要"}
	}
	if opts.AnswerStream != nil {
		for _, chunk := range []string{"回", "答"} {
			if err := opts.AnswerStream(chunk); err != nil {
				return nil, err
			}
		}
	}
	if opts.Sink != nil {
		stages := []struct {
			stage   pipeline.Stage
			content string
		}{
			{pipeline.StageRephrased, result.Rephrased},
			{pipeline.StageRetrieved, result.Retrieved},
			{pipeline.StageAnswer, result.Answer},
			{pipeline.StageSummary, result.Summary},
		}
		for _, item := range stages {
			if err := opts.Sink(item.stage, item.content); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (f *fakeRunner) ListHistory(context.Context, int) ([]pipeline.QueryResult, error) {
	return f.history, nil
}

func TestHandleChatSync(t *testing.T) {
	srv := NewServer("", &fakeRunner{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":"部署怎么做"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var result pipeline.QueryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Answer != "回答" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleChatErrorMapping(t *testing.T) {
	srv := NewServer("", &fakeRunner{err: xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":""}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_ARGUMENT") {
		t.Fatalf("expected error code in body: %s", rec.Body.String())
	}
}

func TestHandleChatStream(t *testing.T) {
	srv := NewServer("", &fakeRunner{result: &pipeline.QueryResult{
		Question:  "问题",
		Rephrased: "改写",
		Retrieved: "[1][confluence] 文档\n内容",
		Answer:    "回答",
		Summary:   "摘要",
	}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":"问题","stream":true}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	body := rec.Body.String()
	for _, event := range []string{"event: rephrased", "event: retrieved", "event: answer", "event: summary", "event: done"} {
		if !strings.Contains(body, event) {
			t.Fatalf("missing %q in stream:\n%s", event, body)
		}
	}
	// 回答以增量块推送后，不再整体重复推送。
	if strings.Count(body, "event: answer") != 2 {
		t.Fatalf("expected exactly two answer chunks:\n%s", body)
	}
}

func TestTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(store, queue, 3)
	srv := NewServer("", &fakeRunner{}, WithTaskService(service))
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks",
		strings.NewReader(`{"question":"异步问题","session_id":"sess-9"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status: %d body=%s", rec.Code, rec.Body.String())
	}
	var submitted task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode submitted: %v", err)
	}
	if submitted.ID == "" || submitted.Status != task.StatusPending {
		t.Fatalf("unexpected submitted task: %+v", submitted)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?session_id=sess-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: %d", rec.Code)
	}
	var listed []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("unexpected list: %+v", listed)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status: %d", rec.Code)
	}
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer("", &fakeRunner{}, WithToolLister(func() []string {
		return []string{"bitbucket", "confluence"}
	}))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
