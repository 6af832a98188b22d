package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentFlow/internal/errors"
)

type recordingSlack struct {
	channel string
	content string
}

func (r *recordingSlack) Send(_ context.Context, channel, content string) error {
	r.channel = channel
	r.content = content
	return nil
}

func TestFanoutDispatchesToAllChannels(t *testing.T) {
	slack := &recordingSlack{}
	var webhookPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&webhookPayload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatcher := NewFanout(
		&SlackNotifier{Sender: slack, ChannelID: "ops"},
		&WebhookNotifier{URL: srv.URL, Client: srv.Client()},
	)

	event := Event{
		Code:       "TASK_RETRIES_EXHAUSTED",
		Message:    "boom",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "task-1",
		Attempts:   3,
		MaxRetries: 3,
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if slack.channel != "ops" {
		t.Fatalf("unexpected slack channel: %q", slack.channel)
	}
	if webhookPayload["task_id"] != "task-1" {
		t.Fatalf("unexpected webhook payload: %v", webhookPayload)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{TaskID: "task-2"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
