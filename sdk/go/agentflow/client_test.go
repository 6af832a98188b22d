package agentflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Question != "什么是工作流" {
			t.Fatalf("unexpected question: %s", req.Question)
		}
		_ = json.NewEncoder(w).Encode(QueryResult{
			Question: req.Question,
			Answer:   "工作流是一组有序的步骤。",
			Summary:  "工作流是一组有序的步骤。",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token-1")

	result, err := client.Chat(context.Background(), ChatRequest{Question: "什么是工作流"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Answer == "" {
		t.Fatal("expected non-empty answer")
	}
}

func TestChatSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"问题不能为空","code":"INVALID_ARGUMENT"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Chat(context.Background(), ChatRequest{})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestChatStreamCollectsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Fatalf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: rephrased\ndata: 改写后的问题\n\n")
		fmt.Fprint(w, "event: answer\ndata: 第一段\n\n")
		fmt.Fprint(w, "event: answer\ndata: 第二段\n\n")
		final, _ := json.Marshal(QueryResult{Question: "q", Answer: "第一段第二段"})
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", final)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var chunks []string
	result, err := client.ChatStream(context.Background(), ChatRequest{Question: "q"}, func(event StreamEvent) error {
		if event.Event == "answer" {
			chunks = append(chunks, event.Data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 answer chunks, got %d", len(chunks))
	}
	if result.Answer != "第一段第二段" {
		t.Fatalf("unexpected final answer: %s", result.Answer)
	}
}

func TestChatStreamPropagatesErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"模型调用失败\",\"code\":\"LLM_FAILURE\"}\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.ChatStream(context.Background(), ChatRequest{Question: "q"}, nil)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "LLM_FAILURE" {
		t.Fatalf("unexpected code: %s", apiErr.Code)
	}
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/tasks" && r.Method == http.MethodPost:
			var sub TaskSubmission
			_ = json.NewDecoder(r.Body).Decode(&sub)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Question: sub.Question, Status: "pending"})
		case r.URL.Path == "/api/v1/tasks/stats":
			_ = json.NewEncoder(w).Encode(TaskStats{Total: 1, Pending: 1})
		case r.URL.Path == "/api/v1/tasks/task-1":
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "succeeded", Result: &TaskResult{Answer: "答案"}})
		case r.URL.Path == "/api/v1/tasks" && r.Method == http.MethodGet:
			if r.URL.Query().Get("session_id") != "sess-1" {
				t.Fatalf("missing session filter: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]Task{{ID: "task-1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	submitted, err := client.SubmitTask(ctx, TaskSubmission{Question: "异步问题"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if submitted.ID != "task-1" || submitted.Status != "pending" {
		t.Fatalf("unexpected submission result: %+v", submitted)
	}

	fetched, err := client.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if fetched.Result == nil || fetched.Result.Answer != "答案" {
		t.Fatalf("unexpected task result: %+v", fetched.Result)
	}

	tasks, err := client.ListTasks(ctx, ListTasksOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}

	stats, err := client.TaskStats(ctx)
	if err != nil {
		t.Fatalf("task stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
