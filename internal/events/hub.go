package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBatchCreated   EventType = "batch_created"
	EventItemStarted    EventType = "item_started"
	EventItemProgress   EventType = "item_progress"
	EventItemCompleted  EventType = "item_completed"
	EventItemFailed     EventType = "item_failed"
	EventItemCancelled  EventType = "item_cancelled"
	EventItemResumed    EventType = "item_resumed"
	EventBatchCompleted EventType = "batch_completed"
)

type Event struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	BatchID string         `json:"batch_id"`
	ItemID  string         `json:"item_id,omitempty"`
	Type    EventType      `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// backlogCap bounds per-batch replay history; a reconnecting client that
// fell further behind re-reads the batch record instead.
const backlogCap = 512

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]chan Event
	backlog map[string][]Event
	seq     map[string]int64
}

func NewHub() *Hub {
	return &Hub{
		subs:    map[string]map[string]chan Event{},
		backlog: map[string][]Event{},
		seq:     map[string]int64{},
	}
}

func (h *Hub) Subscribe(batchID string, buf int) (string, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := h.subs[batchID]; !ok {
		h.subs[batchID] = map[string]chan Event{}
	}
	ch := make(chan Event, buf)
	h.subs[batchID][subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		batchSubs, ok := h.subs[batchID]
		if !ok {
			return
		}
		c, ok := batchSubs[subID]
		if !ok {
			return
		}
		delete(batchSubs, subID)
		close(c)
		if len(batchSubs) == 0 {
			delete(h.subs, batchID)
		}
	}
	return subID, ch, unsubscribe
}

func (h *Hub) Publish(batchID, itemID string, eventType EventType, payload map[string]any) Event {
	h.mu.Lock()
	seq := h.seq[batchID] + 1
	h.seq[batchID] = seq
	evt := Event{
		EventID: uuid.NewString(),
		Seq:     seq,
		BatchID: batchID,
		ItemID:  itemID,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	log := append(h.backlog[batchID], evt)
	if len(log) > backlogCap {
		log = log[len(log)-backlogCap:]
	}
	h.backlog[batchID] = log
	subs := h.subs[batchID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop stale subscribers to keep producers non-blocking.
		}
	}
	h.mu.Unlock()
	return evt
}

// ReplayFrom returns the retained events with Seq greater than fromSeq.
func (h *Hub) ReplayFrom(batchID string, fromSeq int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log := h.backlog[batchID]
	out := make([]Event, 0, len(log))
	for _, evt := range log {
		if evt.Seq > fromSeq {
			out = append(out, evt)
		}
	}
	return out
}
