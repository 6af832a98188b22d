package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentFlow/sdk/go/agentflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.QueryResult{
			Question:  "如何配置流水线",
			Rephrased: "如何配置部署流水线？",
			Answer:    "在配置文件的 pipeline 段设置工作协程与超时即可。",
			Summary:   "在配置文件的 pipeline 段设置工作协程与超时即可。",
			Sources:   []string{"confluence"},
		})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(agentflow.Task{ID: "task-demo", Status: "pending"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.Task{
			ID:     "task-demo",
			Status: "succeeded",
			Result: &agentflow.TaskResult{Answer: "部署说明见 pipeline 段。"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentflow.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Chat(ctx, agentflow.ChatRequest{Question: "如何配置流水线"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("answer: %s (sources=%v)\n", result.Answer, result.Sources)

	submitted, err := client.SubmitTask(ctx, agentflow.TaskSubmission{Question: "异步问题"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", submitted.ID, submitted.Status)

	detail, err := client.GetTask(ctx, submitted.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("retrieved task %s answer=%s\n", detail.ID, detail.Result.Answer)
}
