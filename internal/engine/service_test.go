package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xinyiqin/x2v-batch/internal/credit"
	"github.com/xinyiqin/x2v-batch/internal/events"
	"github.com/xinyiqin/x2v-batch/internal/genclient"
	"github.com/xinyiqin/x2v-batch/internal/model"
	"github.com/xinyiqin/x2v-batch/internal/pricing"
	"github.com/xinyiqin/x2v-batch/internal/store"
)

type stubMedia struct{}

func (stubMedia) Open(ref string) ([]byte, error) { return []byte("blob:" + ref), nil }

type fakeGenTask struct {
	polls int
	open  bool
}

// fakeGen is a deterministic generation backend: a task reports running for
// ticksToDone-1 polls and done afterwards. It tracks how many tasks are open
// at once, which is the engine's concurrency as the remote API sees it.
type fakeGen struct {
	mu          sync.Mutex
	nextID      int
	tasks       map[string]*fakeGenTask
	cancelled   map[string]bool
	failSubmits int
	ticksToDone int
	inFlight    int
	maxInFlight int
	// submitGate, when set, blocks Submit until the gate is closed.
	submitGate chan struct{}
}

func newFakeGen(ticksToDone int) *fakeGen {
	return &fakeGen{
		tasks:       map[string]*fakeGenTask{},
		cancelled:   map[string]bool{},
		ticksToDone: ticksToDone,
	}
}

func (f *fakeGen) addTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = &fakeGenTask{open: true}
	f.inFlight++
}

func (f *fakeGen) Submit(ctx context.Context, req genclient.SubmitRequest) (string, error) {
	if f.submitGate != nil {
		select {
		case <-f.submitGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmits > 0 {
		f.failSubmits--
		return "", genclient.ErrSubmit
	}
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.tasks[id] = &fakeGenTask{open: true}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	return id, nil
}

func (f *fakeGen) Poll(ctx context.Context, taskID string) (genclient.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return genclient.PollResult{}, genclient.ErrPoll
	}
	t.polls++
	if t.polls >= f.ticksToDone {
		if t.open {
			t.open = false
			f.inFlight--
		}
		return genclient.PollResult{
			State:     genclient.StateDone,
			Progress:  100,
			ResultURL: "https://cdn.example/" + taskID + ".mp4",
		}, nil
	}
	return genclient.PollResult{State: genclient.StateRunning, Progress: t.polls * 10}, nil
}

func (f *fakeGen) Cancel(ctx context.Context, taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[taskID] = true
	if t, ok := f.tasks[taskID]; ok && t.open {
		t.open = false
		f.inFlight--
	}
	return true
}

func newTestService(t *testing.T, st store.BatchStore, led credit.Ledger, gen genclient.Client, cfg Config) *Service {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewService(st, led, gen, stubMedia{}, events.NewHub(), pricing.PerHalfMinute, logger, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return s
}

func makeBatch(t *testing.T, s *Service, images int) model.Batch {
	t.Helper()
	in := CreateBatchInput{
		UserID:           "u1",
		UserName:         "alice",
		Prompt:           "sing along",
		AudioName:        "song.wav",
		AudioRef:         "aud-ref",
		AudioDurationSec: 45, // 2 credits per item
	}
	for i := 0; i < images; i++ {
		in.Images = append(in.Images, NewItem{
			ImageName: fmt.Sprintf("face-%d.png", i),
			ImageRef:  fmt.Sprintf("img-ref-%d", i),
		})
	}
	b, err := s.CreateBatch(in)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getBatch(t *testing.T, st store.BatchStore, id string) *model.Batch {
	t.Helper()
	b, err := st.Get(id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return &b
}

func TestBatchLifecycleSettlesCredits(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1)
	s := newTestService(t, st, led, gen, Config{Workers: 3})

	b := makeBatch(t, s, 5)
	if got := led.BalanceOf("u1"); got.Available != 90 || got.Reserved != 10 {
		t.Fatalf("after create: %+v, want 10 reserved", got)
	}

	waitFor(t, func() bool {
		cur := getBatch(t, st, b.ID)
		return cur.Terminal()
	}, "batch to finish")

	cur := getBatch(t, st, b.ID)
	if cur.Status != model.BatchCompleted {
		t.Fatalf("batch status = %s", cur.Status)
	}
	for _, it := range cur.Items {
		if it.Status != model.ItemCompleted {
			t.Fatalf("item %s status = %s", it.ID, it.Status)
		}
		if it.ResultURL == "" {
			t.Fatalf("completed item %s has no result url", it.ID)
		}
		if it.ExternalTaskID == "" {
			t.Fatalf("completed item %s has no task id", it.ID)
		}
	}
	info := cur.Progress(time.Now().UTC())
	if info.Overall != 100 || info.Completed != 5 {
		t.Fatalf("progress = %+v", info)
	}
	if got := cur.CreditsCharged(); got != 10 {
		t.Fatalf("credits charged = %d, want 10", got)
	}
	if got := led.BalanceOf("u1"); got.Available != 90 || got.Reserved != 0 || got.Settled != 10 {
		t.Fatalf("final balance = %+v", got)
	}

	// Cancelling a completed item is a no-op.
	if err := s.CancelItem(b.ID, cur.Items[0].ID); err != nil {
		t.Fatalf("cancel completed item: %v", err)
	}
	if got := getBatch(t, st, b.ID).Items[0].Status; got != model.ItemCompleted {
		t.Fatalf("no-op cancel changed status to %s", got)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 1)
	s := newTestService(t, st, led, newFakeGen(1), Config{Workers: 1})

	if _, err := s.CreateBatch(CreateBatchInput{UserID: "u1"}); !errors.Is(err, ErrNoItems) {
		t.Fatalf("empty batch: %v", err)
	}

	big := CreateBatchInput{UserID: "u1", AudioDurationSec: 10}
	for i := 0; i < maxBatchItems+1; i++ {
		big.Images = append(big.Images, NewItem{ImageRef: "r"})
	}
	if _, err := s.CreateBatch(big); !errors.Is(err, ErrTooManyItems) {
		t.Fatalf("oversized batch: %v", err)
	}

	poor := CreateBatchInput{
		UserID:           "u1",
		AudioDurationSec: 45,
		Images:           []NewItem{{ImageRef: "r"}},
	}
	if _, err := s.CreateBatch(poor); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("unaffordable batch: %v", err)
	}
	if got := led.BalanceOf("u1"); got.Reserved != 0 || got.Available != 1 {
		t.Fatalf("failed create must not move credits: %+v", got)
	}
}

func TestConcurrencyStaysWithinSlotBound(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(3)
	s := newTestService(t, st, led, gen, Config{Workers: 2})

	b := makeBatch(t, s, 6)
	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Terminal()
	}, "batch to finish")

	gen.mu.Lock()
	max := gen.maxInFlight
	gen.mu.Unlock()
	if max > 2 {
		t.Fatalf("max concurrent tasks = %d, want <= 2", max)
	}
}

func TestCancelPendingItemReleasesImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1)
	gen.submitGate = make(chan struct{})
	s := newTestService(t, st, led, gen, Config{Workers: 1})

	b := makeBatch(t, s, 3)
	victim := b.Items[2].ID

	// The single slot is blocked inside the first item's submission, so the
	// victim is still pending with no external task.
	if err := s.CancelItem(b.ID, victim); err != nil {
		t.Fatalf("cancel pending item: %v", err)
	}
	cur := getBatch(t, st, b.ID)
	if got := cur.Item(victim).Status; got != model.ItemCancelled {
		t.Fatalf("victim status = %s, want cancelled", got)
	}
	if got := led.BalanceOf("u1"); got.Available != 96 || got.Reserved != 4 {
		t.Fatalf("balance after pre-submission cancel = %+v", got)
	}

	close(gen.submitGate)
	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Terminal()
	}, "remaining items to finish")

	cur = getBatch(t, st, b.ID)
	info := cur.Progress(time.Now().UTC())
	if info.Completed != 2 || info.Cancelled != 1 {
		t.Fatalf("progress = %+v", info)
	}
	if got := led.BalanceOf("u1"); got.Available != 96 || got.Reserved != 0 || got.Settled != 4 {
		t.Fatalf("final balance = %+v", got)
	}
}

func TestCancelProcessingItemReleasesCredits(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1000) // effectively never finishes on its own
	s := newTestService(t, st, led, gen, Config{Workers: 1})

	b := makeBatch(t, s, 1)
	itemID := b.Items[0].ID

	var taskID string
	waitFor(t, func() bool {
		it := getBatch(t, st, b.ID).Item(itemID)
		taskID = it.ExternalTaskID
		return it.Status == model.ItemProcessing && taskID != ""
	}, "item to reach processing")

	if err := s.CancelItem(b.ID, itemID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Item(itemID).Status == model.ItemCancelled
	}, "worker to honor the cancel flag")

	it := getBatch(t, st, b.ID).Item(itemID)
	if it.ErrorMessage != "" {
		t.Fatalf("cancelled item carries error %q", it.ErrorMessage)
	}
	gen.mu.Lock()
	remoteCancelled := gen.cancelled[taskID]
	gen.mu.Unlock()
	if !remoteCancelled {
		t.Fatalf("remote task %s was not cancelled", taskID)
	}
	if got := led.BalanceOf("u1"); got.Available != 100 || got.Reserved != 0 || got.Settled != 0 {
		t.Fatalf("cancel must release, not settle: %+v", got)
	}
}

func TestSubmitFailureSettlesAndRetryFailedRecovers(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1)
	gen.failSubmits = 1
	s := newTestService(t, st, led, gen, Config{Workers: 1})

	b := makeBatch(t, s, 1)
	itemID := b.Items[0].ID

	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Item(itemID).Status == model.ItemFailed
	}, "submission failure")

	it := getBatch(t, st, b.ID).Item(itemID)
	if it.ErrorMessage == "" {
		t.Fatalf("failed item must carry an error message")
	}
	if it.ExternalTaskID != "" {
		t.Fatalf("failed submission must not record a task id, got %q", it.ExternalTaskID)
	}
	// A failed attempt consumed a generation slot: settled, not released.
	if got := led.BalanceOf("u1"); got.Available != 98 || got.Reserved != 0 || got.Settled != 2 {
		t.Fatalf("balance after failed submit = %+v", got)
	}

	n, err := s.RetryFailed(b.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("retried = %d, want 1", n)
	}
	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Item(itemID).Status == model.ItemCompleted
	}, "retried item to complete")

	it = getBatch(t, st, b.ID).Item(itemID)
	if it.ExternalTaskID == "" || it.ErrorMessage != "" {
		t.Fatalf("retried item = %+v", it)
	}
	if got := led.BalanceOf("u1"); got.Available != 96 || got.Reserved != 0 || got.Settled != 4 {
		t.Fatalf("balance after retry = %+v", got)
	}
}

func TestResumeRejectsNonTerminalItems(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1000)
	s := newTestService(t, st, led, gen, Config{Workers: 1})

	b := makeBatch(t, s, 1)
	itemID := b.Items[0].ID

	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Item(itemID).Status == model.ItemProcessing
	}, "item to reach processing")

	if err := s.ResumeItem(b.ID, itemID); !errors.Is(err, ErrInvalidItemState) {
		t.Fatalf("resume processing item: %v", err)
	}
	if err := s.ResumeItem(b.ID, "no-such-item"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("resume unknown item: %v", err)
	}
	if got := led.BalanceOf("u1"); got.Reserved != 2 {
		t.Fatalf("rejected resume must not move credits: %+v", got)
	}
}

func TestResumeInsufficientCreditsKeepsItemFailed(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	gen := newFakeGen(1)
	gen.failSubmits = 1
	s := newTestService(t, st, led, gen, Config{Workers: 1})

	b := makeBatch(t, s, 1)
	itemID := b.Items[0].ID
	waitFor(t, func() bool {
		return getBatch(t, st, b.ID).Item(itemID).Status == model.ItemFailed
	}, "submission failure")

	led.SetBalance("u1", 0)
	if err := s.ResumeItem(b.ID, itemID); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("resume without credits: %v", err)
	}
	if got := getBatch(t, st, b.ID).Item(itemID).Status; got != model.ItemFailed {
		t.Fatalf("item status = %s, want failed", got)
	}
}

// A cancel arriving while the poll loop is completing the same item must
// resolve to exactly one terminal state and exactly one ledger resolution,
// whichever transition's precondition still holds when it reaches the store.
func TestCancelRacingCompletionResolvesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		st := store.NewMemoryStore()
		led := credit.NewAccountLedger()
		led.SetBalance("u1", 100)
		gen := newFakeGen(2)
		s := newTestService(t, st, led, gen, Config{Workers: 1})

		b := makeBatch(t, s, 1)
		itemID := b.Items[0].ID
		waitFor(t, func() bool {
			it := getBatch(t, st, b.ID).Item(itemID)
			return it.Status == model.ItemProcessing && it.ExternalTaskID != ""
		}, "item to reach processing")

		// Vary the timing so the cancel lands before, during and after the
		// completing poll across iterations.
		time.Sleep(time.Duration(i%4) * 5 * time.Millisecond)
		if err := s.CancelItem(b.ID, itemID); err != nil {
			t.Fatalf("iteration %d: cancel: %v", i, err)
		}

		waitFor(t, func() bool {
			return getBatch(t, st, b.ID).Item(itemID).Status.Terminal()
		}, "item to reach a terminal state")

		it := getBatch(t, st, b.ID).Item(itemID)
		bal := led.BalanceOf("u1")
		if bal.Reserved != 0 {
			t.Fatalf("iteration %d: reserved = %d after resolution", i, bal.Reserved)
		}
		switch it.Status {
		case model.ItemCompleted:
			if bal.Settled != 2 || bal.Available != 98 || it.ResultURL == "" {
				t.Fatalf("iteration %d: completed but balance = %+v, result url = %q", i, bal, it.ResultURL)
			}
		case model.ItemCancelled:
			if bal.Settled != 0 || bal.Available != 100 || it.ResultURL != "" {
				t.Fatalf("iteration %d: cancelled but balance = %+v, result url = %q", i, bal, it.ResultURL)
			}
		default:
			t.Fatalf("iteration %d: terminal status = %s", i, it.Status)
		}
	}
}

func TestRecoverRequeuesUnfinishedWork(t *testing.T) {
	st := store.NewMemoryStore()
	led := credit.NewAccountLedger()
	led.SetBalance("u1", 100)
	led.Reserve("u1", 6) // reservations from before the restart are still held

	now := time.Now().UTC()
	batch := model.Batch{
		ID:               "b-recover",
		UserID:           "u1",
		UserName:         "alice",
		Name:             "restarted",
		Prompt:           "sing",
		AudioRef:         "aud-ref",
		AudioDurationSec: 45,
		ImageCount:       3,
		Status:           model.BatchProcessing,
		CreditsPerItem:   2,
		CreatedAt:        now,
		UpdatedAt:        now,
		Items: []model.VideoItem{
			{ID: "i-pending", BatchID: "b-recover", ImageRef: "r1",
				Status: model.ItemPending, CreditsCharged: 2, CreatedAt: now, UpdatedAt: now},
			{ID: "i-polling", BatchID: "b-recover", ImageRef: "r2",
				Status: model.ItemProcessing, ExternalTaskID: "task-old",
				CreditsCharged: 2, CreatedAt: now, UpdatedAt: now, StartedAt: now},
			{ID: "i-torn", BatchID: "b-recover", ImageRef: "r3",
				Status: model.ItemProcessing, CreditsCharged: 2,
				CreatedAt: now, UpdatedAt: now, StartedAt: now},
		},
	}
	if err := st.Create(batch); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	gen := newFakeGen(1)
	gen.addTask("task-old")
	s := newTestService(t, st, led, gen, Config{Workers: 2})
	if err := s.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitFor(t, func() bool {
		return getBatch(t, st, "b-recover").Terminal()
	}, "recovered batch to finish")

	cur := getBatch(t, st, "b-recover")
	for _, it := range cur.Items {
		if it.Status != model.ItemCompleted {
			t.Fatalf("item %s status = %s", it.ID, it.Status)
		}
	}
	// The mid-poll item kept its original task instead of resubmitting.
	if got := cur.Item("i-polling").ExternalTaskID; got != "task-old" {
		t.Fatalf("recovered item resubmitted: task id = %q", got)
	}
	if got := cur.Item("i-torn").ExternalTaskID; got == "" {
		t.Fatalf("torn item did not get a fresh submission")
	}
	if got := led.BalanceOf("u1"); got.Reserved != 0 || got.Settled != 6 {
		t.Fatalf("balance after recovery = %+v", got)
	}
}
