package genclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeUpstream(t *testing.T, status string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/api/v1/task/submit":
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode submit payload: %v", err)
			}
			if payload["task"] != "s2v" {
				t.Errorf("task = %v, want s2v", payload["task"])
			}
			json.NewEncoder(w).Encode(map[string]any{"task_id": "t-123"})
		case "/api/v1/task/query":
			json.NewEncoder(w).Encode(map[string]any{"status": status, "progress": 42})
		case "/api/v1/task/result_url":
			if r.URL.Query().Get("name") != "output_video" {
				t.Errorf("name = %q", r.URL.Query().Get("name"))
			}
			json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn/result.mp4"})
		case "/api/v1/task/cancel":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHTTPClientSubmitAndPoll(t *testing.T) {
	srv := fakeUpstream(t, "RUNNING")
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "tok", slog.Default())

	taskID, err := c.Submit(context.Background(), SubmitRequest{
		Prompt: "sing",
		Image:  []byte("img"),
		Audio:  []byte("aud"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "t-123" {
		t.Fatalf("task id = %q", taskID)
	}

	res, err := c.Poll(context.Background(), taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != StateRunning || res.Progress != 42 {
		t.Fatalf("poll result = %+v", res)
	}
}

func TestHTTPClientPollDoneFetchesResultURL(t *testing.T) {
	srv := fakeUpstream(t, "SUCCEED")
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "tok", slog.Default())

	res, err := c.Poll(context.Background(), "t-123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.ResultURL != "https://cdn/result.mp4" {
		t.Fatalf("result url = %q", res.ResultURL)
	}
	if !c.Cancel(context.Background(), "t-123") {
		t.Fatalf("cancel against healthy upstream should report true")
	}
}

func TestHTTPClientPollUpstreamFailure(t *testing.T) {
	srv := fakeUpstream(t, "FAILED")
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "tok", slog.Default())

	res, err := c.Poll(context.Background(), "t-123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != StateError || res.Message == "" {
		t.Fatalf("poll result = %+v", res)
	}
}
