package genclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient simulates the remote API for local development: each submitted
// task "runs" for a fixed wall-clock window, advancing progress on every
// poll, with a small random failure rate.
type MockClient struct {
	runFor   time.Duration
	failRate float64

	mu    sync.Mutex
	rng   *rand.Rand
	tasks map[string]mockTask
}

type mockTask struct {
	startedAt time.Time
	failed    bool
	cancelled bool
}

func NewMockClient() *MockClient {
	return &MockClient{
		runFor:   3 * time.Second,
		failRate: 0.03,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tasks:    map[string]mockTask{},
	}
}

func (m *MockClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrSubmit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "mock-" + uuid.NewString()
	m.tasks[id] = mockTask{
		startedAt: time.Now(),
		failed:    m.rng.Float64() < m.failRate,
	}
	return id, nil
}

func (m *MockClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return PollResult{}, fmt.Errorf("%w: unknown task %s", ErrPoll, taskID)
	}
	if task.cancelled {
		return PollResult{State: StateError, Message: "cancelled upstream"}, nil
	}
	elapsed := time.Since(task.startedAt)
	if elapsed < m.runFor {
		pct := int(float64(elapsed) / float64(m.runFor) * 100)
		return PollResult{State: StateRunning, Progress: pct}, nil
	}
	if task.failed {
		return PollResult{State: StateError, Message: "mock generation failure"}, nil
	}
	return PollResult{
		State:     StateDone,
		Progress:  100,
		ResultURL: fmt.Sprintf("https://mock.local/results/%s/output_video.mp4", taskID),
	}, nil
}

func (m *MockClient) Cancel(ctx context.Context, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	task.cancelled = true
	m.tasks[taskID] = task
	return true
}
