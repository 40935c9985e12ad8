// Package engine owns the batch lifecycle: it admits pending video items
// into a bounded set of execution slots, drives each one through
// submit -> poll -> finalize against the generation API, and arbitrates
// user-triggered cancel/resume against the worker loops. All item state
// changes go through the store's Mutate, whose per-batch serialization turns
// an expected-prior-status check into compare-and-swap: the transition whose
// precondition still holds wins, the loser degrades to a no-op.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xinyiqin/x2v-batch/internal/credit"
	"github.com/xinyiqin/x2v-batch/internal/events"
	"github.com/xinyiqin/x2v-batch/internal/genclient"
	"github.com/xinyiqin/x2v-batch/internal/media"
	"github.com/xinyiqin/x2v-batch/internal/model"
	"github.com/xinyiqin/x2v-batch/internal/pricing"
	"github.com/xinyiqin/x2v-batch/internal/store"
)

var (
	ErrNoItems             = errors.New("batch requires at least one image")
	ErrTooManyItems        = errors.New("too many images in one batch")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidItemState    = errors.New("item state does not allow this operation")

	// errStale aborts a mutation whose expected prior state no longer
	// holds; the caller lost the race and must treat it as a no-op.
	errStale = errors.New("stale transition")
	// errNoop aborts a mutation that has nothing to do (already terminal,
	// already flagged); callers map it to success.
	errNoop = errors.New("nothing to do")
)

const maxBatchItems = 50

type Config struct {
	Workers       int           // concurrent execution slots across all batches
	PollInterval  time.Duration // delay between status polls of one item
	SubmitStagger time.Duration // gap between successive admissions
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SubmitStagger < 0 {
		c.SubmitStagger = 0
	}
	return c
}

type itemRef struct {
	batchID string
	itemID  string
	// recovered marks an item that was mid-poll when the process died; it
	// re-enters the poll loop with its existing external task instead of
	// submitting a new one.
	recovered bool
}

type Service struct {
	store  store.BatchStore
	ledger credit.Ledger
	client genclient.Client
	media  media.Source
	hub    *events.Hub
	price  pricing.Func
	log    *slog.Logger
	cfg    Config

	slots chan struct{}

	mu    sync.Mutex
	queue []itemRef
	wake  chan struct{}

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewService(st store.BatchStore, ledger credit.Ledger, client genclient.Client, mediaSrc media.Source, hub *events.Hub, price pricing.Func, logger *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	root, stop := context.WithCancel(context.Background())
	s := &Service{
		store:  st,
		ledger: ledger,
		client: client,
		media:  mediaSrc,
		hub:    hub,
		price:  price,
		log:    logger,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Workers),
		wake:   make(chan struct{}, 1),
		root:   root,
		stop:   stop,
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Shutdown stops admission, lets every worker reach its next poll boundary
// and return, and waits for them. In-flight items stay persisted as
// processing and are picked up by Recover on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type NewItem struct {
	ImageName string
	ImageRef  string
}

type CreateBatchInput struct {
	UserID           string
	UserName         string
	Name             string
	Prompt           string
	AudioName        string
	AudioRef         string
	AudioDurationSec float64
	Images           []NewItem
}

// CreateBatch validates, prices, reserves the full credit amount, persists
// the batch with every item pending and registers the items for admission.
// Nothing is reserved when validation fails; the reservation is returned if
// the batch cannot be persisted.
func (s *Service) CreateBatch(in CreateBatchInput) (model.Batch, error) {
	if len(in.Images) == 0 {
		return model.Batch{}, ErrNoItems
	}
	if len(in.Images) > maxBatchItems {
		return model.Batch{}, fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(in.Images), maxBatchItems)
	}

	costPerItem := s.price(in.AudioDurationSec)
	total := costPerItem * len(in.Images)
	if !s.ledger.Reserve(in.UserID, total) {
		return model.Batch{}, ErrInsufficientCredits
	}

	now := time.Now().UTC()
	prompt := in.Prompt
	if prompt == "" {
		prompt = "generate a video matching the audio"
	}
	name := in.Name
	if name == "" {
		name = fmt.Sprintf("Batch %s %d", in.UserName, now.UnixMilli())
	}

	batch := model.Batch{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		UserName:         in.UserName,
		Name:             name,
		Timestamp:        now.UnixMilli(),
		Prompt:           prompt,
		AudioName:        in.AudioName,
		AudioRef:         in.AudioRef,
		AudioDurationSec: in.AudioDurationSec,
		ImageCount:       len(in.Images),
		Status:           model.BatchCreated,
		CreditsPerItem:   costPerItem,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, img := range in.Images {
		batch.Items = append(batch.Items, model.VideoItem{
			ID:             uuid.NewString(),
			BatchID:        batch.ID,
			SourceImage:    img.ImageName,
			ImageRef:       img.ImageRef,
			Status:         model.ItemPending,
			CreditsCharged: costPerItem,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := s.store.Create(batch); err != nil {
		s.ledger.Release(in.UserID, total)
		return model.Batch{}, err
	}

	s.hub.Publish(batch.ID, "", events.EventBatchCreated, map[string]any{
		"items":            len(batch.Items),
		"credits_per_item": costPerItem,
		"credits_reserved": total,
	})
	s.log.Info("batch created",
		"batch_id", batch.ID,
		"user_id", in.UserID,
		"items", len(batch.Items),
		"credits_reserved", total,
	)
	s.Enqueue(batch)
	return batch, nil
}

// Enqueue registers every pending item of the batch as eligible for
// admission. It never blocks: refs go onto an unbounded logical queue and
// the dispatcher is nudged.
func (s *Service) Enqueue(batch model.Batch) {
	for i := range batch.Items {
		if batch.Items[i].Status == model.ItemPending {
			s.enqueueRef(itemRef{batchID: batch.ID, itemID: batch.Items[i].ID})
		}
	}
}

func (s *Service) enqueueRef(ref itemRef) {
	s.mu.Lock()
	s.queue = append(s.queue, ref)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GetBatch returns the batch with its aggregator-derived view.
func (s *Service) GetBatch(batchID string) (model.Batch, model.ProgressInfo, error) {
	b, err := s.store.Get(batchID)
	if err != nil {
		return model.Batch{}, model.ProgressInfo{}, err
	}
	now := time.Now().UTC()
	b.RefreshStatus(now)
	return b, b.Progress(now), nil
}

func (s *Service) ListBatches(userID string, limit, offset int) ([]model.Batch, error) {
	return s.store.ListByUser(userID, limit, offset)
}

// CancelItem is a no-op for already-terminal items. A pending item with no
// submitted task is cancelled directly and its reservation released, since
// nothing was consumed. An in-flight item gets a cancellation flag that the
// worker observes at its next poll boundary; the worker then performs the
// best-effort remote cancel, the transition and the release.
func (s *Service) CancelItem(batchID, itemID string) error {
	now := time.Now().UTC()
	var (
		releaseUser   string
		releaseAmount int
		cancelledNow  bool
		flagged       bool
	)
	b, err := s.store.Mutate(batchID, func(b *model.Batch) error {
		it := b.Item(itemID)
		if it == nil {
			return store.ErrNotFound
		}
		switch {
		case it.Status.Terminal():
			return errNoop
		case it.Status == model.ItemPending && it.ExternalTaskID == "":
			if err := it.TransitionTo(model.ItemCancelled, now); err != nil {
				return err
			}
			releaseUser = b.UserID
			releaseAmount = it.CreditsCharged
			cancelledNow = true
			b.RefreshStatus(now)
			return nil
		default:
			if it.CancelRequested {
				return errNoop
			}
			it.CancelRequested = true
			it.UpdatedAt = now
			flagged = true
			return nil
		}
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	if cancelledNow {
		s.ledger.Release(releaseUser, releaseAmount)
		s.hub.Publish(batchID, itemID, events.EventItemCancelled, map[string]any{
			"before_submission": true,
		})
		s.log.Info("item cancelled before submission", "batch_id", batchID, "item_id", itemID)
		s.maybeBatchDone(b)
	}
	if flagged {
		s.log.Info("item cancel requested", "batch_id", batchID, "item_id", itemID)
	}
	return nil
}

// ResumeItem re-reserves the item's original credit amount and starts a new
// generation attempt: back to pending with a cleared task id, eligible for
// admission again. Only failed and cancelled items can resume.
func (s *Service) ResumeItem(batchID, itemID string) error {
	snapshot, err := s.store.Get(batchID)
	if err != nil {
		return err
	}
	current := snapshot.Item(itemID)
	if current == nil {
		return store.ErrNotFound
	}
	if current.Status != model.ItemFailed && current.Status != model.ItemCancelled {
		return ErrInvalidItemState
	}
	amount := current.CreditsCharged
	if !s.ledger.Reserve(snapshot.UserID, amount) {
		return ErrInsufficientCredits
	}

	now := time.Now().UTC()
	_, err = s.store.Mutate(batchID, func(b *model.Batch) error {
		it := b.Item(itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if err := it.TransitionTo(model.ItemPending, now); err != nil {
			return ErrInvalidItemState
		}
		b.RefreshStatus(now)
		return nil
	})
	if err != nil {
		// Lost a race or the batch vanished; the fresh reservation must not
		// stay stranded.
		s.ledger.Release(snapshot.UserID, amount)
		return err
	}
	s.hub.Publish(batchID, itemID, events.EventItemResumed, map[string]any{
		"credits_reserved": amount,
	})
	s.log.Info("item resumed", "batch_id", batchID, "item_id", itemID)
	s.enqueueRef(itemRef{batchID: batchID, itemID: itemID})
	return nil
}

// RetryFailed resumes every currently-failed item of the batch and reports
// how many were actually re-queued. Items whose re-reservation fails are
// skipped, not treated as an overall failure.
func (s *Service) RetryFailed(batchID string) (int, error) {
	b, err := s.store.Get(batchID)
	if err != nil {
		return 0, err
	}
	retried := 0
	for i := range b.Items {
		if b.Items[i].Status != model.ItemFailed {
			continue
		}
		switch err := s.ResumeItem(batchID, b.Items[i].ID); {
		case err == nil:
			retried++
		case errors.Is(err, ErrInsufficientCredits):
			s.log.Warn("retry skipped, insufficient credits",
				"batch_id", batchID, "item_id", b.Items[i].ID)
		case errors.Is(err, ErrInvalidItemState):
			// Raced with another actor; the item is no longer failed.
		default:
			return retried, err
		}
	}
	return retried, nil
}

// Recover re-registers unfinished work after a restart: pending items are
// queued normally, items that were mid-poll re-enter the poll loop against
// their existing external task, and items that died between admission and
// submission are repaired back to pending for a clean attempt. Reservations
// made at creation are still held for all of them.
func (s *Service) Recover() error {
	all, err := s.store.List()
	if err != nil {
		return err
	}
	for _, b := range all {
		if b.Terminal() {
			continue
		}
		for i := range b.Items {
			it := b.Items[i]
			switch {
			case it.Status == model.ItemPending:
				s.enqueueRef(itemRef{batchID: b.ID, itemID: it.ID})
			case it.Status == model.ItemProcessing && it.ExternalTaskID != "":
				s.enqueueRef(itemRef{batchID: b.ID, itemID: it.ID, recovered: true})
			case it.Status == model.ItemProcessing:
				if _, err := s.store.Mutate(b.ID, func(m *model.Batch) error {
					cur := m.Item(it.ID)
					if cur == nil || cur.Status != model.ItemProcessing {
						return errStale
					}
					// Direct repair: processing -> pending is not a legal
					// runtime transition, but the attempt never reached the
					// remote API so nothing was consumed.
					cur.Status = model.ItemPending
					cur.StartedAt = time.Time{}
					cur.Progress = 0
					cur.UpdatedAt = time.Now().UTC()
					return nil
				}); err != nil {
					continue
				}
				s.enqueueRef(itemRef{batchID: b.ID, itemID: it.ID})
			}
		}
	}
	return nil
}

// dispatch admits queued refs in FIFO order, one execution slot each.
// Acquiring the slot happens here, before the worker goroutine spawns, so
// first-eligible-first-admitted holds across batches.
func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		ref, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.slots <- struct{}{}:
		case <-s.root.Done():
			return
		}
		s.wg.Add(1)
		go s.runItem(ref)
		if s.cfg.SubmitStagger > 0 {
			select {
			case <-time.After(s.cfg.SubmitStagger):
			case <-s.root.Done():
				return
			}
		}
	}
}

func (s *Service) next() (itemRef, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ref := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ref, true
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.root.Done():
			return itemRef{}, false
		}
	}
}

// runItem drives one admitted item inside one slot. Every exit path either
// leaves the item terminal with its reservation resolved exactly once, or
// (on shutdown) leaves it persisted as processing for Recover.
func (s *Service) runItem(ref itemRef) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	now := time.Now().UTC()
	var (
		item         model.VideoItem
		userID       string
		prompt       string
		audioRef     string
		cancelledNow bool
	)
	b, err := s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		userID = b.UserID
		prompt = b.Prompt
		audioRef = b.AudioRef
		if ref.recovered {
			if it.Status != model.ItemProcessing || it.ExternalTaskID == "" {
				return errStale
			}
			item = *it
			return nil
		}
		if it.CancelRequested {
			if err := it.TransitionTo(model.ItemCancelled, now); err != nil {
				return errStale
			}
			cancelledNow = true
			item = *it
			b.RefreshStatus(now)
			return nil
		}
		if err := it.TransitionTo(model.ItemProcessing, now); err != nil {
			// Cancelled (or otherwise moved on) while queued.
			return errStale
		}
		item = *it
		b.RefreshStatus(now)
		return nil
	})
	if err != nil {
		return
	}
	if cancelledNow {
		s.ledger.Release(userID, item.CreditsCharged)
		s.hub.Publish(ref.batchID, ref.itemID, events.EventItemCancelled, nil)
		s.maybeBatchDone(b)
		return
	}

	taskID := item.ExternalTaskID
	if !ref.recovered {
		s.hub.Publish(ref.batchID, ref.itemID, events.EventItemStarted, map[string]any{
			"source_image": item.SourceImage,
		})

		var submitErr error
		taskID, submitErr = s.submit(ref, item, prompt, audioRef)
		if submitErr != nil {
			if s.root.Err() != nil {
				// Shutdown mid-submit: repaired back to pending on Recover.
				return
			}
			s.failItem(ref, userID, item.CreditsCharged, fmt.Sprintf("submit failed: %v", submitErr))
			return
		}
		if taskID == "" {
			// Cancel won while the submit was in flight; submit already
			// cleaned up the remote task.
			return
		}
	}

	s.pollLoop(ref, taskID, userID, item.CreditsCharged)
}

// submit loads the media payload and performs the remote submission, then
// records the external task id. A cancellation observed here is still free
// only when the remote call never went out; once submitted, a cancel tears
// the task down remotely and releases the reservation.
func (s *Service) submit(ref itemRef, item model.VideoItem, prompt, audioRef string) (string, error) {
	img, err := s.media.Open(item.ImageRef)
	if err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	aud, err := s.media.Open(audioRef)
	if err != nil {
		return "", fmt.Errorf("load audio: %w", err)
	}

	taskID, err := s.client.Submit(s.root, genclient.SubmitRequest{
		Prompt: prompt,
		Image:  img,
		Audio:  aud,
	})
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if it.Status != model.ItemProcessing {
			return errStale
		}
		if it.CancelRequested {
			return errStale
		}
		// Set exactly once per attempt; resume clears it for the next one.
		it.ExternalTaskID = taskID
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The item was cancelled while the submission was in flight: honor
		// the cancel, don't leak the remote task.
		s.client.Cancel(context.Background(), taskID)
		s.finishCancel(ref, taskID)
		return "", nil
	}
	return taskID, nil
}

// pollLoop polls the external task on a fixed interval until it reaches a
// terminal state, a cancellation flag is observed, or the engine shuts
// down. The injected client is expected to bound transient poll errors
// itself; an error surfacing here fails the attempt.
func (s *Service) pollLoop(ref itemRef, taskID, userID string, creditsCharged int) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.root.Done():
			return
		case <-ticker.C:
		}

		if s.cancelRequested(ref) {
			s.client.Cancel(context.Background(), taskID)
			s.finishCancel(ref, taskID)
			return
		}

		res, err := s.client.Poll(s.root, taskID)
		if err != nil {
			if s.root.Err() != nil {
				return
			}
			s.failItem(ref, userID, creditsCharged, fmt.Sprintf("poll failed: %v", err))
			return
		}
		switch res.State {
		case genclient.StateDone:
			s.completeItem(ref, userID, creditsCharged, res)
			return
		case genclient.StateError:
			msg := res.Message
			if msg == "" {
				msg = "generation failed upstream"
			}
			s.failItem(ref, userID, creditsCharged, msg)
			return
		default:
			s.recordProgress(ref, res)
		}
	}
}

func (s *Service) cancelRequested(ref itemRef) bool {
	b, err := s.store.Get(ref.batchID)
	if err != nil {
		return true
	}
	it := b.Item(ref.itemID)
	if it == nil {
		return true
	}
	return it.CancelRequested || it.Status == model.ItemCancelled
}

func (s *Service) completeItem(ref itemRef, userID string, creditsCharged int, res genclient.PollResult) {
	now := time.Now().UTC()
	b, err := s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if err := it.TransitionTo(model.ItemCompleted, now); err != nil {
			return errStale
		}
		it.ResultURL = res.ResultURL
		it.Progress = 100
		it.CancelRequested = false
		b.RefreshStatus(now)
		return nil
	})
	if err != nil {
		return
	}
	s.ledger.Settle(userID, creditsCharged)
	s.hub.Publish(ref.batchID, ref.itemID, events.EventItemCompleted, map[string]any{
		"result_url": res.ResultURL,
	})
	s.log.Info("item completed", "batch_id", ref.batchID, "item_id", ref.itemID)
	s.maybeBatchDone(b)
}

func (s *Service) failItem(ref itemRef, userID string, creditsCharged int, msg string) {
	now := time.Now().UTC()
	b, err := s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if err := it.TransitionTo(model.ItemFailed, now); err != nil {
			return errStale
		}
		it.ErrorMessage = msg
		it.CancelRequested = false
		b.RefreshStatus(now)
		return nil
	})
	if err != nil {
		return
	}
	// The attempt consumed a generation slot; it is charged even when the
	// failure happened at submission.
	s.ledger.Settle(userID, creditsCharged)
	s.hub.Publish(ref.batchID, ref.itemID, events.EventItemFailed, map[string]any{
		"error": msg,
	})
	s.log.Warn("item failed", "batch_id", ref.batchID, "item_id", ref.itemID, "error", msg)
	s.maybeBatchDone(b)
}

func (s *Service) finishCancel(ref itemRef, taskID string) {
	now := time.Now().UTC()
	var (
		userID string
		amount int
	)
	b, err := s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if err := it.TransitionTo(model.ItemCancelled, now); err != nil {
			return errStale
		}
		// Cancelled items show no error; they are not failures.
		it.ErrorMessage = ""
		it.CancelRequested = false
		userID = b.UserID
		amount = it.CreditsCharged
		b.RefreshStatus(now)
		return nil
	})
	if err != nil {
		return
	}
	s.ledger.Release(userID, amount)
	s.hub.Publish(ref.batchID, ref.itemID, events.EventItemCancelled, map[string]any{
		"external_task_id": taskID,
	})
	s.log.Info("item cancelled", "batch_id", ref.batchID, "item_id", ref.itemID)
	s.maybeBatchDone(b)
}

func (s *Service) recordProgress(ref itemRef, res genclient.PollResult) {
	now := time.Now().UTC()
	var progress int
	_, err := s.store.Mutate(ref.batchID, func(b *model.Batch) error {
		it := b.Item(ref.itemID)
		if it == nil {
			return store.ErrNotFound
		}
		if it.Status != model.ItemProcessing {
			return errStale
		}
		if res.Progress > 0 {
			p := res.Progress
			if p > 100 {
				p = 100
			}
			it.Progress = p
		}
		it.ElapsedSec = it.ElapsedTime(now)
		it.UpdatedAt = now
		progress = it.CurrentProgress(now)
		return nil
	})
	if err != nil {
		return
	}
	s.hub.Publish(ref.batchID, ref.itemID, events.EventItemProgress, map[string]any{
		"progress": progress,
	})
}

func (s *Service) maybeBatchDone(b model.Batch) {
	if !b.Terminal() {
		return
	}
	info := b.Progress(time.Now().UTC())
	s.hub.Publish(b.ID, "", events.EventBatchCompleted, map[string]any{
		"completed": info.Completed,
		"failed":    info.Failed,
		"cancelled": info.Cancelled,
	})
	s.log.Info("batch completed",
		"batch_id", b.ID,
		"completed", info.Completed,
		"failed", info.Failed,
		"cancelled", info.Cancelled,
	)
}
