// Package events provides the in-process change-notification stream
// emitted by the scheduler: one event per Run or Job status transition,
// consumed by the SSE endpoint and by long-polling lease handlers.
package events

import (
	"sync"
	"time"

	"github.com/me/forgeci/pkg/model"
)

// Kind identifies which entity an event describes.
type Kind string

const (
	KindRun Kind = "run"
	KindJob Kind = "job"
)

// Event is one status transition of a Run or Job.
type Event struct {
	Kind     Kind         `json:"kind"`
	RunID    string       `json:"run_id"`
	JobID    string       `json:"job_id,omitempty"`
	Status   model.Status `json:"status"`
	Terminal bool         `json:"terminal"`
	At       time.Time    `json:"at"`
}

// Notifier fans events out to subscribers. Delivery is best-effort:
// slow subscribers drop events rather than block the scheduler, and
// SSE consumers re-read current state on reconnect.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int

	// work is closed and replaced whenever new leasable work may
	// exist, waking blocked lease long-polls.
	work chan struct{}
}

type subscription struct {
	runID string // empty subscribes to all runs
	ch    chan Event
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[int]*subscription),
		work: make(chan struct{}),
	}
}

// Publish delivers an event to all matching subscribers without blocking.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber for one run's events (or all runs
// when runID is empty). The returned cancel func must be called to
// release the subscription.
func (n *Notifier) Subscribe(runID string) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	sub := &subscription{runID: runID, ch: make(chan Event, 32)}
	n.subs[id] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
	return sub.ch, cancel
}

// WakeLeases signals that new leasable work may exist. All current
// WorkSignal channels are closed.
func (n *Notifier) WakeLeases() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.work)
	n.work = make(chan struct{})
}

// WorkSignal returns a channel closed on the next WakeLeases call.
// Lease long-polls select on it alongside their deadline.
func (n *Notifier) WorkSignal() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.work
}
