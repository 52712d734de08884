// SPDX-License-Identifier: Apache-2.0

// Package events keeps per-run progress events in memory so they can be
// streamed to clients while a run is in flight.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeRunStart        = "run_start"
	TypeAttemptStart    = "attempt_start"
	TypeStepResult      = "step_result"
	TypeFailureRecorded = "failure_recorded"
	TypePatchApplied    = "patch_applied"
	TypeRunEnd          = "run_end"
)

const (
	defaultMaxRuns         = 256
	defaultMaxEventsPerRun = 1024
)

var ErrEventNotFound = errors.New("event not found")

type Event struct {
	ID        uuid.UUID       `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type runLog struct {
	seq    int64
	events []Event
}

// Hub stores events for the most recent runs. Sequence numbers start at 1
// per run and never repeat, even after old events are evicted.
type Hub struct {
	mu      sync.Mutex
	runs    map[string]*runLog
	order   []string
	maxRuns int
	maxPer  int
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		runs:    make(map[string]*runLog),
		maxRuns: defaultMaxRuns,
		maxPer:  defaultMaxEventsPerRun,
		now:     time.Now,
	}
}

// Publish appends an event for runID. data is marshaled to JSON; a value
// that cannot be marshaled is dropped from the event.
func (h *Hub) Publish(runID, eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rl, ok := h.runs[runID]
	if !ok {
		rl = &runLog{}
		h.runs[runID] = rl
		h.order = append(h.order, runID)
		for len(h.order) > h.maxRuns {
			delete(h.runs, h.order[0])
			h.order = h.order[1:]
		}
	}

	rl.seq++
	ev := Event{
		ID:        uuid.New(),
		RunID:     runID,
		Seq:       rl.seq,
		Type:      eventType,
		Data:      raw,
		CreatedAt: h.now().UTC(),
	}
	rl.events = append(rl.events, ev)
	if over := len(rl.events) - h.maxPer; over > 0 {
		rl.events = append([]Event(nil), rl.events[over:]...)
	}
	return ev
}

// ListEventsAfter returns the retained events of runID with Seq > afterSeq.
func (h *Hub) ListEventsAfter(_ context.Context, runID string, afterSeq int64) ([]Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rl, ok := h.runs[runID]
	if !ok {
		return nil, nil
	}
	var out []Event
	for _, ev := range rl.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ResolveCursorByEventID maps an event id to its sequence number.
func (h *Hub) ResolveCursorByEventID(_ context.Context, runID string, eventID uuid.UUID) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rl, ok := h.runs[runID]; ok {
		for _, ev := range rl.events {
			if ev.ID == eventID {
				return ev.Seq, nil
			}
		}
	}
	return 0, ErrEventNotFound
}
