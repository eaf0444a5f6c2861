package ledger

import (
	"sync"

	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Item is one delivery on a subscription. Overflow is set on the final
// item when the subscriber fell behind and was dropped; Event is nil on
// that item.
type Item struct {
	Event    *domain.Event
	Overflow bool
}

// Subscription is a live feed of future events for one job. The channel
// closes after the overflow item, or when Close is called.
type Subscription struct {
	jobID string
	ch    chan Item
	limit int

	// guarded by the owning hub's mutex
	done bool
}

// C returns the delivery channel. Events arrive in store order.
func (s *Subscription) C() <-chan Item {
	return s.ch
}

// hub fans appended events out to in-process subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full receives a final
// overflow item and is dropped. Persisted events are unaffected.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// subscribe registers a feed for future events of one job.
func (h *hub) subscribe(jobID string) *Subscription {
	// One extra slot keeps the overflow item deliverable when the
	// buffer is full.
	s := &Subscription{
		jobID: jobID,
		ch:    make(chan Item, h.buffer+1),
		limit: h.buffer,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

// unsubscribe detaches a feed and closes its channel.
func (h *hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	h.remove(s)
	close(s.ch)
}

// publish delivers an event to every subscriber of its job. All sends
// happen under the hub mutex, so the buffered-capacity check below is
// race-free.
func (h *hub) publish(e *domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[e.JobID] {
		if len(s.ch) >= s.limit {
			s.done = true
			h.remove(s)
			s.ch <- Item{Overflow: true}
			close(s.ch)
			metrics.IncSubscriberOverflow()
			continue
		}
		s.ch <- Item{Event: e}
	}
}

func (h *hub) remove(s *Subscription) {
	set := h.subs[s.jobID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.jobID)
	}
}

// subscriberCount reports active subscriptions for a job. Test hook.
func (h *hub) subscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
