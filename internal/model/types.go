package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid item state transition")

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// itemTransitions is the full transition table. failed/cancelled back to
// pending is a new generation attempt and only happens through an explicit
// resume, never from the worker loop.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:    {ItemProcessing, ItemCancelled},
	ItemProcessing: {ItemCompleted, ItemFailed, ItemCancelled},
	ItemFailed:     {ItemPending},
	ItemCancelled:  {ItemPending},
	ItemCompleted:  {},
}

func CanTransition(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

type BatchStatus string

const (
	BatchCreated    BatchStatus = "created"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

// estimatedItemSeconds drives the elapsed-time progress estimate while the
// upstream API reports no percentage of its own.
const estimatedItemSeconds = 60

type VideoItem struct {
	ID              string     `json:"id"`
	BatchID         string     `json:"batch_id"`
	SourceImage     string     `json:"source_image"`
	ImageRef        string     `json:"image_ref,omitempty"`
	ExternalTaskID  string     `json:"external_task_id,omitempty"`
	ResultURL       string     `json:"result_url,omitempty"`
	Status          ItemStatus `json:"status"`
	Progress        int        `json:"progress"`
	ElapsedSec      float64    `json:"elapsed_sec"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreditsCharged  int        `json:"credits_charged"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
}

// TransitionTo moves the item through the state machine, stamping lifecycle
// timestamps as a side effect. Illegal moves leave the item untouched and
// return ErrInvalidTransition.
func (it *VideoItem) TransitionTo(to ItemStatus, now time.Time) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}
	it.Status = to
	it.UpdatedAt = now
	switch to {
	case ItemProcessing:
		it.StartedAt = now
		it.CompletedAt = time.Time{}
	case ItemCompleted, ItemFailed, ItemCancelled:
		it.CompletedAt = now
		if !it.StartedAt.IsZero() {
			it.ElapsedSec = now.Sub(it.StartedAt).Seconds()
		}
	case ItemPending:
		// New attempt: the previous attempt's task id, result and error
		// must not leak into the next one.
		it.ExternalTaskID = ""
		it.ResultURL = ""
		it.ErrorMessage = ""
		it.Progress = 0
		it.ElapsedSec = 0
		it.CancelRequested = false
		it.StartedAt = time.Time{}
		it.CompletedAt = time.Time{}
	}
	return nil
}

// CurrentProgress reports the item's own percentage at time now. While
// processing an upstream-reported percent wins; without one the estimate
// runs off elapsed time, capped at 95 so only a real completion shows 100.
func (it *VideoItem) CurrentProgress(now time.Time) int {
	switch it.Status {
	case ItemCompleted:
		return 100
	case ItemProcessing:
		if it.Progress > 0 {
			// An overshooting upstream percent must not outrank completion.
			if it.Progress > 100 {
				return 100
			}
			return it.Progress
		}
		if !it.StartedAt.IsZero() {
			pct := int(now.Sub(it.StartedAt).Seconds() / estimatedItemSeconds * 100)
			if pct > 95 {
				pct = 95
			}
			if pct < 0 {
				pct = 0
			}
			return pct
		}
		return 50
	default:
		return 0
	}
}

// progressContribution is the item's share of batch progress. Failed and
// cancelled items count as done: no further automated work is pending for
// them.
func (it *VideoItem) progressContribution(now time.Time) int {
	switch it.Status {
	case ItemCompleted, ItemFailed, ItemCancelled:
		return 100
	case ItemProcessing:
		return it.CurrentProgress(now)
	default:
		return 0
	}
}

func (it *VideoItem) ElapsedTime(now time.Time) float64 {
	if it.StartedAt.IsZero() {
		return 0
	}
	if !it.CompletedAt.IsZero() {
		return it.CompletedAt.Sub(it.StartedAt).Seconds()
	}
	return now.Sub(it.StartedAt).Seconds()
}

type Batch struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	UserName         string      `json:"user_name"`
	Name             string      `json:"name"`
	Timestamp        int64       `json:"timestamp"`
	Prompt           string      `json:"prompt"`
	AudioName        string      `json:"audio_name"`
	AudioRef         string      `json:"audio_ref,omitempty"`
	AudioDurationSec float64     `json:"audio_duration_sec"`
	ImageCount       int         `json:"image_count"`
	Items            []VideoItem `json:"items"`
	Status           BatchStatus `json:"status"`
	CreditsPerItem   int         `json:"credits_per_item"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (b *Batch) Item(itemID string) *VideoItem {
	for i := range b.Items {
		if b.Items[i].ID == itemID {
			return &b.Items[i]
		}
	}
	return nil
}

// Terminal reports whether no further automated work is pending: every item
// is completed, failed or cancelled.
func (b *Batch) Terminal() bool {
	if len(b.Items) == 0 {
		return false
	}
	for i := range b.Items {
		if !b.Items[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// RefreshStatus derives the stored batch status from the item states. Reads
// recompute this anyway; the stored field only keeps persisted records
// self-describing.
func (b *Batch) RefreshStatus(now time.Time) {
	if len(b.Items) == 0 {
		return
	}
	allPending := true
	for i := range b.Items {
		if b.Items[i].Status != ItemPending {
			allPending = false
			break
		}
	}
	switch {
	case b.Terminal():
		b.Status = BatchCompleted
	case allPending:
		b.Status = BatchCreated
	default:
		b.Status = BatchProcessing
	}
	b.UpdatedAt = now
}

type ProgressInfo struct {
	Overall    int `json:"overall_progress"`
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Progress aggregates item states; the overall percent is the arithmetic
// mean of per-item contributions.
func (b *Batch) Progress(now time.Time) ProgressInfo {
	info := ProgressInfo{Total: len(b.Items)}
	if len(b.Items) == 0 {
		return info
	}
	sum := 0
	for i := range b.Items {
		it := &b.Items[i]
		sum += it.progressContribution(now)
		switch it.Status {
		case ItemCompleted:
			info.Completed++
		case ItemProcessing:
			info.Processing++
		case ItemPending:
			info.Pending++
		case ItemFailed:
			info.Failed++
		case ItemCancelled:
			info.Cancelled++
		}
	}
	info.Overall = sum / len(b.Items)
	return info
}

// CreditsCharged sums what the batch has actually consumed: settled
// reservations of completed and failed attempts. Cancelled items released
// theirs and charge nothing.
func (b *Batch) CreditsCharged() int {
	total := 0
	for i := range b.Items {
		switch b.Items[i].Status {
		case ItemCompleted, ItemFailed:
			total += b.Items[i].CreditsCharged
		}
	}
	return total
}
