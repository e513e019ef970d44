// SPDX-License-Identifier: MPL-2.0

package api

import (
	"sync"

	"github.com/relicrun/relic/internal/orchestrate"
)

// subscriberBuffer is the backlog a WebSocket client may fall behind by
// before it is dropped.
const subscriberBuffer = 256

type (
	// hub drains one execution's event channel, keeps every event for
	// replay and fans new events out to subscribers. A subscriber that
	// falls behind is dropped rather than stalling the execution.
	hub struct {
		mu     sync.Mutex
		events []orchestrate.LogEvent
		subs   map[*subscription]struct{}
		done   chan struct{}
	}

	subscription struct {
		ch      chan orchestrate.LogEvent
		dropped bool
	}
)

func newHub(events <-chan orchestrate.LogEvent) *hub {
	h := &hub{subs: make(map[*subscription]struct{}), done: make(chan struct{})}
	go h.drain(events)
	return h
}

func (h *hub) drain(events <-chan orchestrate.LogEvent) {
	for ev := range events {
		h.mu.Lock()
		h.events = append(h.events, ev)
		for sub := range h.subs {
			select {
			case sub.ch <- ev:
			default:
				sub.dropped = true
				close(sub.ch)
				delete(h.subs, sub)
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	close(h.done)
}

// subscribe returns the events after seq recorded so far and, unless the
// stream has ended, a subscription for the rest. The two never overlap.
func (h *hub) subscribe(after int64) ([]orchestrate.LogEvent, *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var backlog []orchestrate.LogEvent
	for _, ev := range h.events {
		if ev.Seq > after {
			backlog = append(backlog, ev)
		}
	}
	select {
	case <-h.done:
		return backlog, nil
	default:
	}
	sub := &subscription{ch: make(chan orchestrate.LogEvent, subscriberBuffer)}
	h.subs[sub] = struct{}{}
	return backlog, sub
}

func (h *hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// wasDropped reports whether the subscription ended because it fell behind.
func (h *hub) wasDropped(sub *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sub.dropped
}

func (h *hub) drained() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}
