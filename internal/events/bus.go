// Package events implements the EventBus (SPEC_FULL.md §4.I): typed
// observers for send updates, timeline changes, channel-list changes,
// typing, receipts, sync status, and a singleton delegate, dispatched
// best-effort and non-blocking to producers.
//
// Grounded on other_examples/800cca53_nugget-thane-ai-agent__internal-events-bus.go.go:
// the nil-safe Publish, the token-keyed subscriber map, and the
// non-blocking-select dispatch are carried over and generalized from one
// untyped channel into a generic Topic[T] used once per observer kind.
// Per SPEC_FULL.md §4.I's explicit requirement, overflow drops the OLDEST
// buffered event (not the newest, as the grounding file does).
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Token identifies one registration; Unregister accepts it back.
type Token uint64

// Topic is a typed, token-addressed publish/subscribe channel. Each
// observer kind in SPEC_FULL.md §4.I is one Topic[T] instance.
type Topic[T any] struct {
	mu      sync.RWMutex
	nextTok atomic.Uint64
	subs    map[Token]chan T
	bufSize int
	name    string
}

// NewTopic creates a topic whose subscriber channels are buffered to
// bufSize. name is used only in overflow warning logs.
func NewTopic[T any](name string, bufSize int) *Topic[T] {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Topic[T]{subs: make(map[Token]chan T), bufSize: bufSize, name: name}
}

// Subscribe registers a new observer and returns its token and receive
// channel. The caller must eventually call Unsubscribe.
func (t *Topic[T]) Subscribe() (Token, <-chan T) {
	tok := Token(t.nextTok.Add(1))
	ch := make(chan T, t.bufSize)
	t.mu.Lock()
	t.subs[tok] = ch
	t.mu.Unlock()
	return tok, ch
}

// Unsubscribe removes and closes a subscriber's channel. Safe to call more
// than once for the same token.
func (t *Topic[T]) Unsubscribe(tok Token) {
	t.mu.Lock()
	ch, ok := t.subs[tok]
	if ok {
		delete(t.subs, tok)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish fans e out to every subscriber. Dispatch never blocks the
// producer: a full subscriber channel has its oldest buffered event
// dropped (with a warning) to make room, per SPEC_FULL.md §4.I.
func (t *Topic[T]) Publish(e T) {
	if t == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Full: drop the oldest queued event, then retry once.
			select {
			case <-ch:
				slog.Warn("event bus dropped oldest event on overflow", "topic", t.name)
			default:
			}
			select {
			case ch <- e:
			default:
				// Another publisher raced us and refilled the buffer;
				// give up on this subscriber for this event rather than
				// block the producer.
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers, for tests/metrics.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// ScopedBus fans out events keyed by a scope (e.g. channel id), used for the
// per-channel observer kinds (TimelineObserver, TypingObserver,
// ReceiptsObserver).
type ScopedBus[K comparable, T any] struct {
	mu      sync.Mutex
	topics  map[K]*Topic[T]
	bufSize int
	name    string
}

// NewScopedBus creates a per-scope bus; each scope gets its own Topic[T]
// lazily on first Subscribe or Publish.
func NewScopedBus[K comparable, T any](name string, bufSize int) *ScopedBus[K, T] {
	return &ScopedBus[K, T]{topics: make(map[K]*Topic[T]), bufSize: bufSize, name: name}
}

func (b *ScopedBus[K, T]) topicFor(scope K) *Topic[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	top, ok := b.topics[scope]
	if !ok {
		top = NewTopic[T](b.name, b.bufSize)
		b.topics[scope] = top
	}
	return top
}

// Subscribe registers an observer scoped to one key (e.g. one channel id).
func (b *ScopedBus[K, T]) Subscribe(scope K) (Token, <-chan T) {
	return b.topicFor(scope).Subscribe()
}

// Unsubscribe removes a scoped observer.
func (b *ScopedBus[K, T]) Unsubscribe(scope K, tok Token) {
	b.mu.Lock()
	top, ok := b.topics[scope]
	b.mu.Unlock()
	if ok {
		top.Unsubscribe(tok)
	}
}

// Publish fans e out to observers scoped to scope only.
func (b *ScopedBus[K, T]) Publish(scope K, e T) {
	b.mu.Lock()
	top, ok := b.topics[scope]
	b.mu.Unlock()
	if ok {
		top.Publish(e)
	}
}
