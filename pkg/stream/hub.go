// Package stream fans state changes out to presentation subscribers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/domain"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	ch   chan domain.Change
	keys map[string]struct{} // nil means every key
}

func (s *subscriber) wants(key string) bool {
	if s.keys == nil {
		return true
	}
	_, ok := s.keys[key]
	return ok
}

// Hub delivers published changes to subscribers of the changed keys.
// Publishing never blocks: a subscriber whose buffer is full misses the change.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger used to report dropped changes.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: DefaultBuffer,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a channel of changes to keys (all keys when none are given)
// and a function that unsubscribes and closes the channel.
func (h *Hub) Subscribe(keys ...string) (<-chan domain.Change, func()) {
	sub := &subscriber{ch: make(chan domain.Change, h.buffer)}
	if len(keys) > 0 {
		sub.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			sub.keys[k] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, sub)
			close(sub.ch)
		})
	}
}

// Publish delivers changes to interested subscribers.
func (h *Hub) Publish(changes ...domain.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		for _, c := range changes {
			if !sub.wants(c.Key) {
				continue
			}
			select {
			case sub.ch <- c:
			default:
				h.logger.Warn("subscriber buffer full, dropping change", "key", c.Key, "version", c.Version)
			}
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
