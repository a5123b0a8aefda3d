// Package event fans newly ingested messages out to live viewers.
package event

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/samikshajagne/minicrisp/internal/message"
)

const subscriberBuffer = 16

// Notification is the payload delivered to live subscribers when a message
// lands in a customer's timeline.
type Notification struct {
	CustomerID int64           `json:"customer_id"`
	Message    message.Message `json:"message"`
}

// Subscription is one live listener registered under an identity key.
type Subscription struct {
	key string
	ch  chan Notification
}

// C returns the channel notifications are delivered on. It is closed when
// the subscription is removed.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Hub is a concurrency-safe multimap from identity key to live subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: log.With(slog.String("service", "event_hub")),
	}
}

// Subscribe registers a listener for the given identity key.
func (h *Hub) Subscribe(key string) *Subscription {
	key = normalizeKey(key)
	sub := &Subscription{key: key, ch: make(chan Notification, subscriberBuffer)}
	if key == "" {
		// Keyless subscriptions receive nothing but stay safe to unsubscribe.
		return sub
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish delivers a notification to every subscriber of the given keys.
// Delivery is best-effort: a subscriber whose buffer is full is dropped so
// slow viewers never block ingestion.
func (h *Hub) Publish(note Notification, keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[*Subscription]struct{}{}
	for _, key := range keys {
		key = normalizeKey(key)
		if key == "" {
			continue
		}
		for sub := range h.subs[key] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- note:
			default:
				h.logger.Warn("dropping slow subscriber", slog.String("key", key))
				h.removeLocked(sub)
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers for a key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[normalizeKey(key)])
}

func (h *Hub) removeLocked(sub *Subscription) {
	set, ok := h.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.key)
	}
	close(sub.ch)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
