// Package sendqueue implements SendQueue and SendConsumer (SPEC_FULL.md
// §4.F/§4.G): a persistent, prioritized, per-channel-serialized outbound
// queue with crash recovery and idempotent acknowledgment.
//
// Grounded on rustyguts-bken/server/internal/core/channel_state.go's
// "serialize through one lock, copy out a snapshot" discipline, applied
// here to a container/heap priority queue mirrored into the DB.
package sendqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privchat/privchat-sdk/internal/kv"
	"github.com/privchat/privchat-sdk/internal/store"
)

// Priority orders tasks: lower value dequeues first (SPEC_FULL.md §4.F:
// "Critical (revoke, delete) > High (text, reaction) > Normal (image,
// audio) > Low (file, video) > Background (read receipts, status sync)").
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Task is one outbound send, mirrored between the in-memory heap and the
// `message`/KV `send_task` rows.
type Task struct {
	ClientNonce    string
	LocalMessageID uint64
	ChannelID      uint64
	ChannelType    uint8
	Priority       Priority
	RetryCount     int
	NextRetryAt    int64
	State          store.MessageStatus

	seq int64 // monotonic insertion order, FIFO tiebreak within (priority, next_retry_at)
}

// taskHeap implements container/heap.Interface over *Task, ordered by
// priority, then next_retry_at, then insertion order (SPEC_FULL.md §4.F:
// "Dequeue order is priority, then next_retry_at, then FIFO within level").
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if h[i].NextRetryAt != h[j].NextRetryAt {
		return h[i].NextRetryAt < h[j].NextRetryAt
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the persistent priority queue. All heap access is serialized
// through mu; callers never hold it across a network or DB call — dequeue
// copies a snapshot out under the lock the same way ChannelState.Users
// copies its snapshot before releasing r.mu.
type Queue struct {
	store *store.Store
	now   func() int64

	mu      sync.Mutex
	heap    taskHeap
	bySeq   int64
	waiters chan struct{} // signaled (best-effort) whenever a task becomes ready
}

// New constructs an empty Queue bound to store.
func New(st *store.Store, now func() int64) *Queue {
	return &Queue{
		store:   st,
		now:     now,
		waiters: make(chan struct{}, 1),
	}
}

// EnqueueParams are the caller-supplied fields for a new outbound send.
type EnqueueParams struct {
	ChannelID   uint64
	ChannelType uint8
	SenderID    uint64
	Content     []byte
	MessageType string
	Priority    Priority
}

// Enqueue performs the three-write enqueue transaction described in
// SPEC_FULL.md §4.F: insert the `message` row, mirror a SendTask in KV
// keyed by a fresh client nonce, and push onto the in-memory heap. If the
// KV mirror write fails after the message row was created, the row is
// rolled back by deletion.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (localID uint64, nonce string, err error) {
	ts := q.now()
	localID, err = q.store.InsertSending(ctx, p.ChannelID, p.ChannelType, p.SenderID, p.Content, p.MessageType, ts)
	if err != nil {
		return 0, "", fmt.Errorf("insert sending message: %w", err)
	}

	nonce = uuid.NewString()
	task := &Task{
		ClientNonce:    nonce,
		LocalMessageID: localID,
		ChannelID:      p.ChannelID,
		ChannelType:    p.ChannelType,
		Priority:       p.Priority,
		NextRetryAt:    ts,
		State:          store.StatusSending,
	}

	if err := q.persistMirror(ctx, task); err != nil {
		if delErr := q.store.DeleteMessage(ctx, localID); delErr != nil {
			return 0, "", fmt.Errorf("persist send task mirror: %w (rollback also failed: %v)", err, delErr)
		}
		return 0, "", fmt.Errorf("persist send task mirror: %w", err)
	}

	q.push(task)
	return localID, nonce, nil
}

// taskMirror is the KV-persisted shadow of a Task, keyed by client nonce.
// It carries LocalMessageID/ChannelType directly (unlike store.SendTask,
// the DB-side join view) so Recover never needs to search for them.
type taskMirror struct {
	ClientNonce    string
	LocalMessageID uint64
	ChannelID      uint64
	ChannelType    uint8
	Priority       Priority
	RetryCount     int
	NextRetryAt    int64
}

// persistMirror writes the SendTask KV mirror keyed by ClientNonce.
func (q *Queue) persistMirror(ctx context.Context, t *Task) error {
	mirror := taskMirror{
		ClientNonce:    t.ClientNonce,
		LocalMessageID: t.LocalMessageID,
		ChannelID:      t.ChannelID,
		ChannelType:    t.ChannelType,
		Priority:       t.Priority,
		RetryCount:     t.RetryCount,
		NextRetryAt:    t.NextRetryAt,
	}
	return q.store.KV().PutJSON(ctx, kv.SendTaskKey(t.ClientNonce), mirror, q.now())
}

func (q *Queue) push(t *Task) {
	q.mu.Lock()
	t.seq = q.bySeq
	q.bySeq++
	heap.Push(&q.heap, t)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.waiters <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever a task may have
// become dequeueable. It is a hint, not a guarantee — callers must still
// call Dequeue and handle an empty/not-yet-ready result.
func (q *Queue) Ready() <-chan struct{} { return q.waiters }

// Dequeue pops the highest-priority task whose NextRetryAt has elapsed. It
// returns ok=false if the heap is empty or every head task is still
// backing off; in the latter case `wait` reports how long until the
// earliest NextRetryAt.
func (q *Queue) Dequeue() (task *Task, ok bool, wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false, 0
	}
	head := q.heap[0]
	now := q.now()
	if head.NextRetryAt > now {
		return nil, false, time.Duration(head.NextRetryAt-now) * time.Second
	}
	return heap.Pop(&q.heap).(*Task), true, 0
}

// Requeue re-inserts a task (e.g. after a retryable failure updated its
// NextRetryAt/RetryCount/State) back into the heap.
func (q *Queue) Requeue(t *Task) { q.push(t) }

// Resubmit re-enqueues an already-persisted message under a fresh client
// nonce, without inserting a new `message` row — used by the Facade's
// retryMessage operation to give a terminally-Failed send another chance.
func (q *Queue) Resubmit(ctx context.Context, localID, channelID uint64, channelType uint8, priority Priority) (nonce string, err error) {
	nonce = uuid.NewString()
	task := &Task{
		ClientNonce:    nonce,
		LocalMessageID: localID,
		ChannelID:      channelID,
		ChannelType:    channelType,
		Priority:       priority,
		NextRetryAt:    q.now(),
		State:          store.StatusSending,
	}
	if err := q.persistMirror(ctx, task); err != nil {
		return "", fmt.Errorf("persist send task mirror: %w", err)
	}
	q.push(task)
	return nonce, nil
}

// Remove deletes the KV SendTask mirror for a completed or abandoned task.
// Called on terminal Sent/Failed transitions (SPEC_FULL.md §4.F).
func (q *Queue) Remove(ctx context.Context, nonce string) error {
	return q.store.KV().Delete(ctx, kv.SendTaskKey(nonce))
}

// Recover reloads every SendTask whose message is still Sending or
// Retrying and re-inserts it into the heap, purging mirrors whose message
// already reached a terminal state (SPEC_FULL.md §4.F "Recovery").
func (q *Queue) Recover(ctx context.Context) error {
	mirrors, err := q.store.KV().ScanPrefix(ctx, "send_task:")
	if err != nil {
		return fmt.Errorf("scan send task mirrors: %w", err)
	}
	for key, raw := range mirrors {
		var mirror taskMirror
		if err := json.Unmarshal(raw, &mirror); err != nil {
			return fmt.Errorf("decode send task mirror %q: %w", key, err)
		}
		msg, found, err := q.store.GetByLocalID(ctx, mirror.LocalMessageID)
		if err != nil {
			return fmt.Errorf("load message for send task mirror %q: %w", key, err)
		}
		if !found || msg.Status == store.StatusSent || msg.Status == store.StatusFailed {
			if delErr := q.store.KV().Delete(ctx, key); delErr != nil {
				return fmt.Errorf("purge stale send task mirror %q: %w", key, delErr)
			}
			continue
		}
		q.push(&Task{
			ClientNonce:    mirror.ClientNonce,
			LocalMessageID: mirror.LocalMessageID,
			ChannelID:      mirror.ChannelID,
			ChannelType:    mirror.ChannelType,
			Priority:       mirror.Priority,
			RetryCount:     mirror.RetryCount,
			NextRetryAt:    mirror.NextRetryAt,
			State:          msg.Status,
		})
	}
	return nil
}
