package genclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultNegativePrompt = "oversaturated, overexposed, static, blurry details, " +
	"subtitles, worst quality, low quality, jpeg artifacts, ugly, incomplete, " +
	"extra fingers, poorly drawn hands, poorly drawn face, deformed, disfigured, " +
	"malformed limbs, fused fingers, motionless frame, cluttered background, " +
	"three legs, crowded background, walking backwards"

// HTTPClient speaks the upstream /api/v1/task/* contract: submit with
// base64-embedded media, query for state, fetch the result URL once a task
// succeeds, cancel best effort.
type HTTPClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		log:     logger,
	}
}

type submitPayload struct {
	Task           string      `json:"task"`
	ModelCls       string      `json:"model_cls"`
	Stage          string      `json:"stage"`
	Prompt         string      `json:"prompt"`
	NegativePrompt string      `json:"negative_prompt"`
	CfgScale       int         `json:"cfg_scale"`
	Duration       int         `json:"duration"`
	InputImage     mediaInput  `json:"input_image"`
	InputAudio     mediaInput  `json:"input_audio"`
}

type mediaInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type taskResponse struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
	URL      string  `json:"url"`
	Message  string  `json:"message"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := submitPayload{
		Task:           "s2v",
		ModelCls:       "SekoTalk",
		Stage:          "single_stage",
		Prompt:         req.Prompt,
		NegativePrompt: defaultNegativePrompt,
		CfgScale:       5,
		Duration:       7,
		InputImage:     mediaInput{Type: "base64", Data: base64.StdEncoding.EncodeToString(req.Image)},
		InputAudio:     mediaInput{Type: "base64", Data: base64.StdEncoding.EncodeToString(req.Audio)},
	}
	var resp taskResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/task/submit", nil, payload, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: no task_id in response", ErrSubmit)
	}
	return resp.TaskID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	var resp taskResponse
	params := url.Values{"task_id": {taskID}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/task/query", params, nil, &resp); err != nil {
		return PollResult{}, fmt.Errorf("%w: %v", ErrPoll, err)
	}
	out := PollResult{Progress: int(resp.Progress)}
	switch strings.ToUpper(resp.Status) {
	case "CREATED", "PENDING", "QUEUED":
		out.State = StateQueued
	case "RUNNING", "PROCESSING":
		out.State = StateRunning
	case "SUCCEED", "SUCCEEDED", "SUCCESS":
		out.State = StateDone
		out.ResultURL = c.resultURL(ctx, taskID)
	case "CANCELLED", "CANCELED":
		out.State = StateError
		out.Message = "cancelled upstream"
	default:
		out.State = StateError
		out.Message = resp.Error
		if out.Message == "" {
			out.Message = fmt.Sprintf("task status: %s", resp.Status)
		}
	}
	return out, nil
}

// resultURL fetches the downloadable output once. Failure here degrades to
// an empty URL rather than failing the item; the URL can be re-fetched on
// demand by the task id.
func (c *HTTPClient) resultURL(ctx context.Context, taskID string) string {
	var resp taskResponse
	params := url.Values{"task_id": {taskID}, "name": {"output_video"}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/task/result_url", params, nil, &resp); err != nil {
		c.log.Warn("fetch result url failed", "task_id", taskID, "error", err)
		return ""
	}
	return resp.URL
}

func (c *HTTPClient) Cancel(ctx context.Context, taskID string) bool {
	params := url.Values{"task_id": {taskID}}
	if err := c.do(ctx, http.MethodPost, "/api/v1/task/cancel", params, nil, &taskResponse{}); err != nil {
		c.log.Warn("remote cancel failed", "task_id", taskID, "error", err)
		return false
	}
	return true
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
