// Package genclient wraps the remote video generation API. The engine only
// sees the Client interface; the HTTP implementation, a deterministic mock
// and a retry wrapper all satisfy it.
package genclient

import (
	"context"
	"errors"
)

var (
	ErrSubmit = errors.New("submit rejected")
	ErrPoll   = errors.New("poll failed")
)

// TaskState is the remote job lifecycle as the engine reasons about it.
type TaskState string

const (
	StateQueued  TaskState = "queued"
	StateRunning TaskState = "running"
	StateDone    TaskState = "done"
	StateError   TaskState = "error"
)

type SubmitRequest struct {
	Prompt string
	Image  []byte
	Audio  []byte
}

type PollResult struct {
	State     TaskState
	Progress  int
	ResultURL string
	Message   string
}

// Client is one generation attempt's view of the remote API. Submit returns
// the external task id; Poll reports progress until a terminal state; Cancel
// is best effort and its result never gates local state.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	Cancel(ctx context.Context, taskID string) bool
}
