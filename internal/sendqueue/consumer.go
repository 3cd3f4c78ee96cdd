package sendqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/privchat/privchat-sdk/internal/events"
	"github.com/privchat/privchat-sdk/internal/rpc"
	"github.com/privchat/privchat-sdk/internal/store"
)

// dispatchRateLimit and dispatchBurst bound how fast workers push
// message.send calls at the server after a large backlog accumulates
// offline (e.g. a reconnect following an extended disconnect) — without
// this a multi-worker drain of a deep queue would fire a burst the server
// has no reason to expect.
const (
	dispatchRateLimit = 20 // sends per second, across all workers
	dispatchBurst     = 10
)

// Non-retryable response codes (SPEC_FULL.md §4.G step 5: "auth failure,
// forbidden, invalid parameter, message-too-large").
const (
	CodeAuthFailure      int32 = 401
	CodeForbidden        int32 = 403
	CodeInvalidParameter int32 = 422
	CodeMessageTooLarge  int32 = 413
)

// sendRequest is the RPC payload for the "message.send" route.
type sendRequest struct {
	ClientNonce    string `json:"client_nonce"`
	ChannelID      uint64 `json:"channel_id"`
	ChannelType    uint8  `json:"channel_type"`
	LocalMessageID uint64 `json:"local_message_id"`
}

// sendAck is the RPC reply body for a successful "message.send" call.
type sendAck struct {
	ServerMessageID uint64 `json:"server_message_id"`
	Timestamp       int64  `json:"timestamp"`
	PTS             uint64 `json:"pts"`
}

// maxRetryBackoffSecs caps the exponential retry delay (SPEC_FULL.md §4.G
// step 4: "next_retry_at = now + min(2^retry_count, 64)s").
const maxRetryBackoffSecs = 64

// Consumer drains a Queue with multiple workers, serializing at most one
// in-flight dispatch per channel_id (SPEC_FULL.md §4.G).
//
// Grounded on rustyguts-bken/server/internal/core/channel_state.go's
// SendTimeout-bounded per-recipient send: the per-channel_id mutex here
// plays the same role as that file's per-session send channel, held only
// around the network dispatch step rather than for the whole retry/backoff
// cycle.
type Consumer struct {
	queue      *Queue
	store      *store.Store
	rpc        *rpc.Client
	hub        *events.Hub
	now        func() int64
	maxRetries int

	onGap func(channelID uint64, channelType uint8, fromPTS, toPTS uint64)

	limiter *rate.Limiter

	channelLocksMu sync.Mutex
	channelLocks   map[uint64]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer constructs a Consumer. onGap is invoked (outside any lock)
// when an ack's pts leaves a gap, so the caller can trigger SyncEngine's
// targeted fill (SPEC_FULL.md §4.G step 3); it may be nil.
func NewConsumer(q *Queue, st *store.Store, rpcClient *rpc.Client, hub *events.Hub, maxRetries int, now func() int64, onGap func(channelID uint64, channelType uint8, fromPTS, toPTS uint64)) *Consumer {
	return &Consumer{
		queue:        q,
		store:        st,
		rpc:          rpcClient,
		hub:          hub,
		now:          now,
		maxRetries:   maxRetries,
		onGap:        onGap,
		limiter:      rate.NewLimiter(rate.Limit(dispatchRateLimit), dispatchBurst),
		channelLocks: make(map[uint64]*sync.Mutex),
		stopCh:       make(chan struct{}),
	}
}

// Start spawns workerCount drain workers.
func (c *Consumer) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 4
	}
	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		task, ok, wait := c.queue.Dequeue()
		if !ok {
			if wait <= 0 {
				wait = 100 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-c.queue.Ready():
			case <-time.After(wait):
			}
			continue
		}
		c.process(ctx, task)
	}
}

func (c *Consumer) lockFor(channelID uint64) *sync.Mutex {
	c.channelLocksMu.Lock()
	defer c.channelLocksMu.Unlock()
	l, ok := c.channelLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		c.channelLocks[channelID] = l
	}
	return l
}

// process implements the per-task algorithm of SPEC_FULL.md §4.G steps 1-5.
func (c *Consumer) process(ctx context.Context, t *Task) {
	// Step 1: transition to Sending and announce.
	if err := c.store.MarkSending(ctx, t.LocalMessageID); err != nil {
		slog.Error("sendqueue: mark sending failed", "local_message_id", t.LocalMessageID, "err", err)
	}
	c.hub.Send.Publish(events.SendUpdate{LocalMessageID: t.LocalMessageID, ChannelID: t.ChannelID, State: events.SendSending})

	if err := c.limiter.Wait(ctx); err != nil {
		c.onFailure(ctx, t, err)
		return
	}

	// Step 2: dispatch, serialized per channel. The mutex is held only
	// across this RPC call, not across the retry backoff that follows.
	lock := c.lockFor(t.ChannelID)
	lock.Lock()
	var ack sendAck
	err := c.rpc.Call(ctx, "message.send", sendRequest{
		ClientNonce:    t.ClientNonce,
		ChannelID:      t.ChannelID,
		ChannelType:    t.ChannelType,
		LocalMessageID: t.LocalMessageID,
	}, &ack)
	lock.Unlock()

	if err == nil {
		c.onAck(ctx, t, ack)
		return
	}
	c.onFailure(ctx, t, err)
}

// onAck implements step 3.
func (c *Consumer) onAck(ctx context.Context, t *Task, ack sendAck) {
	if err := c.store.MarkSent(ctx, t.LocalMessageID, ack.ServerMessageID, ack.Timestamp, ack.PTS); err != nil {
		slog.Error("sendqueue: mark sent failed", "local_message_id", t.LocalMessageID, "err", err)
	}
	if err := c.queue.Remove(ctx, t.ClientNonce); err != nil {
		slog.Error("sendqueue: remove send task mirror failed", "nonce", t.ClientNonce, "err", err)
	}
	c.hub.Send.Publish(events.SendUpdate{
		LocalMessageID:  t.LocalMessageID,
		ChannelID:       t.ChannelID,
		State:           events.SendSent,
		ServerMessageID: ack.ServerMessageID,
	})

	channel, found, err := c.store.GetChannel(ctx, t.ChannelID, t.ChannelType)
	if err == nil && found && ack.PTS > channel.LastPTS+1 && c.onGap != nil {
		c.onGap(t.ChannelID, t.ChannelType, channel.LastPTS, ack.PTS)
	}
}

// onFailure implements steps 4-5, classifying err as retryable or not.
func (c *Consumer) onFailure(ctx context.Context, t *Task, err error) {
	if !isRetryable(err) {
		if dbErr := c.store.MarkFailed(ctx, t.LocalMessageID); dbErr != nil {
			slog.Error("sendqueue: mark failed failed", "local_message_id", t.LocalMessageID, "err", dbErr)
		}
		if dbErr := c.queue.Remove(ctx, t.ClientNonce); dbErr != nil {
			slog.Error("sendqueue: remove send task mirror failed", "nonce", t.ClientNonce, "err", dbErr)
		}
		c.hub.Send.Publish(events.SendUpdate{
			LocalMessageID: t.LocalMessageID,
			ChannelID:      t.ChannelID,
			State:          events.SendFailed,
			Reason:         err.Error(),
		})
		return
	}

	t.RetryCount++
	if t.RetryCount > c.maxRetries {
		if dbErr := c.store.MarkFailed(ctx, t.LocalMessageID); dbErr != nil {
			slog.Error("sendqueue: mark failed failed", "local_message_id", t.LocalMessageID, "err", dbErr)
		}
		if dbErr := c.queue.Remove(ctx, t.ClientNonce); dbErr != nil {
			slog.Error("sendqueue: remove send task mirror failed", "nonce", t.ClientNonce, "err", dbErr)
		}
		c.hub.Send.Publish(events.SendUpdate{
			LocalMessageID: t.LocalMessageID,
			ChannelID:      t.ChannelID,
			State:          events.SendFailed,
			Reason:         "max retries exceeded: " + err.Error(),
		})
		return
	}

	backoff := retryBackoffSecs(t.RetryCount)
	t.NextRetryAt = c.now() + backoff
	t.State = store.StatusRetrying
	if dbErr := c.store.MarkRetrying(ctx, t.LocalMessageID); dbErr != nil {
		slog.Error("sendqueue: mark retrying failed", "local_message_id", t.LocalMessageID, "err", dbErr)
	}
	if dbErr := c.persistRetryState(ctx, t); dbErr != nil {
		slog.Error("sendqueue: persist retry state failed", "local_message_id", t.LocalMessageID, "err", dbErr)
	}
	c.queue.Requeue(t)
	c.hub.Send.Publish(events.SendUpdate{LocalMessageID: t.LocalMessageID, ChannelID: t.ChannelID, State: events.SendRetrying})
}

func (c *Consumer) persistRetryState(ctx context.Context, t *Task) error {
	return c.queue.persistMirror(ctx, t)
}

// retryBackoffSecs computes min(2^retryCount, 64) seconds with ±10% jitter
// (SPEC_FULL.md §4.G step 4).
func retryBackoffSecs(retryCount int) int64 {
	base := int64(1) << uint(retryCount)
	if base > maxRetryBackoffSecs || base <= 0 {
		base = maxRetryBackoffSecs
	}
	jitter := float64(base) * 0.1 * (rand.Float64()*2 - 1)
	return base + int64(jitter)
}

// isRetryable classifies a dispatch failure per SPEC_FULL.md §4.G step 4
// (timeout, transient network, rate-limit) vs step 5 (auth, forbidden,
// invalid parameter, too-large).
func isRetryable(err error) bool {
	var netErr *rpc.NetworkError
	if errors.As(err, &netErr) {
		switch netErr.Code {
		case CodeAuthFailure, CodeForbidden, CodeInvalidParameter, CodeMessageTooLarge:
			return false
		default:
			return true
		}
	}
	// Timeouts, disconnects, and transport-level errors are all transient.
	return true
}
