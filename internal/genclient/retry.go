package genclient

import (
	"context"
	"math/rand"
	"time"
)

// WithRetry bounds transient upstream noise before the engine sees it:
// submits get linear backoff (the upstream rate-limits bursts), polls get
// exponential backoff with jitter. Once the attempts are spent the last
// error escalates and the engine fails the generation attempt. Cancel is
// already best effort and passes through.
func WithRetry(inner Client, submitAttempts, pollAttempts int) Client {
	if submitAttempts < 1 {
		submitAttempts = 1
	}
	if pollAttempts < 1 {
		pollAttempts = 1
	}
	return &retryClient{inner: inner, submitAttempts: submitAttempts, pollAttempts: pollAttempts}
}

type retryClient struct {
	inner          Client
	submitAttempts int
	pollAttempts   int
}

func (c *retryClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.submitAttempts; attempt++ {
		taskID, err := c.inner.Submit(ctx, req)
		if err == nil {
			return taskID, nil
		}
		lastErr = err
		if attempt < c.submitAttempts {
			if err := sleepCtx(ctx, time.Duration(attempt)*time.Second); err != nil {
				return "", lastErr
			}
		}
	}
	return "", lastErr
}

func (c *retryClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		res, err := c.inner.Poll(ctx, taskID)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt < c.pollAttempts {
			if err := sleepCtx(ctx, retryBackoff(attempt)); err != nil {
				return PollResult{}, lastErr
			}
		}
	}
	return PollResult{}, lastErr
}

func (c *retryClient) Cancel(ctx context.Context, taskID string) bool {
	return c.inner.Cancel(ctx, taskID)
}

// retryBackoff: 1s, 2s, 4s... with 20% jitter.
func retryBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	base := time.Second << shift
	jitter := time.Duration(rand.Int63n(int64(base / 5)))
	return base + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
