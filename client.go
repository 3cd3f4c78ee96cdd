// Package privchatsdk is the client-side core library for an instant
// messaging product: local encrypted storage, a durable prioritized send
// pipeline, PTS-based sync, a typed event fabric, and a pluggable
// TCP/WebSocket/QUIC transport, coordinated behind one Client facade.
//
// Grounded on client_teacher/app.go's App: a thin struct holding subsystem
// handles plus lifecycle methods, generalized from a single Wails-bound
// struct into the documented initialize → connect → authenticate →
// operational → disconnect → shutdown lifecycle (SPEC_FULL.md §4.K).
package privchatsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/privchat/privchat-sdk/internal/events"
	"github.com/privchat/privchat-sdk/internal/media"
	"github.com/privchat/privchat-sdk/internal/rpc"
	"github.com/privchat/privchat-sdk/internal/sendqueue"
	"github.com/privchat/privchat-sdk/internal/store"
	syncengine "github.com/privchat/privchat-sdk/internal/sync"
	"github.com/privchat/privchat-sdk/internal/transport"
)

// lifecycleState is the Facade's own state machine, distinct from
// transport.ConnectionState: it tracks Initialize/Shutdown, not dial/retry.
type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateInitialized
	stateShutdown
)

const defaultSendConsumerWorkers = 4
const defaultMaxSendRetries = 5

// Client is the Facade (SPEC_FULL.md §4.K): the single object embedders
// construct, holding every subsystem handle.
type Client struct {
	cfg    Config
	userID uint64

	mu    sync.Mutex
	state lifecycleState

	store    *store.Store
	mux      *transport.Mux
	rpc      *rpc.Client
	queue    *sendqueue.Queue
	consumer *sendqueue.Consumer
	syncEng  *syncengine.Engine
	hub      *events.Hub
	media    *media.Pipeline

	runCtx    context.Context
	runCancel context.CancelFunc

	typingMu     sync.Mutex
	typingTimers map[uint64]*time.Timer
}

// New validates cfg and returns an uninitialized Client. Call Initialize
// before any other method.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, state: stateCreated, typingTimers: make(map[uint64]*time.Timer)}, nil
}

func (c *Client) requireState(min lifecycleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < min {
		return errNotInitialized()
	}
	if c.state == stateShutdown {
		return errGeneric("client has been shut down", nil)
	}
	return nil
}

// Initialize opens the per-user encrypted store, and constructs every
// subsystem, wiring the construction-order cycle between TransportMux's
// frame handler and RpcClient's Sender (SPEC_FULL.md §4.D/§4.E) before any
// connection is attempted.
func (c *Client) Initialize(userID uint64, sdkVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return errGeneric("Initialize called more than once", nil)
	}

	dataDir := c.cfg.userDataDir(userID)
	now := func() int64 { return time.Now().Unix() }

	st, err := store.Open(dataDir, c.cfg.AssetsDir, userID, sdkVersion, now)
	if err != nil {
		return errDatabase("open store", err)
	}

	hub := events.NewHub()
	rpcClient := rpc.NewClient(nil, c.cfg.ConnectionTimeout)
	mux := transport.NewMux(transport.Options{
		ConnectionTimeout: c.cfg.ConnectionTimeout,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
	}, rpcClient.HandleFrame)
	rpcClient.BindSender(mux)

	queue := sendqueue.New(st, now)
	syncEng := syncengine.New(st, rpcClient, hub, now, userID)
	consumer := sendqueue.NewConsumer(queue, st, rpcClient, hub, defaultMaxSendRetries, now, func(channelID uint64, channelType uint8, fromPTS, toPTS uint64) {
		syncEng.TriggerGap(channelID, channelType)
	})

	mediaPipeline := media.New(media.Config{
		FileApiBaseUrl: c.cfg.FileApiBaseUrl,
		ConnectTimeout: c.cfg.HttpClientConfig.ConnectTimeout,
		RequestTimeout: c.cfg.HttpClientConfig.RequestTimeout,
		EnableRetry:    c.cfg.HttpClientConfig.EnableRetry,
		MaxRetries:     c.cfg.HttpClientConfig.MaxRetries,
	})

	c.userID = userID
	c.store = st
	c.mux = mux
	c.rpc = rpcClient
	c.queue = queue
	c.consumer = consumer
	c.syncEng = syncEng
	c.hub = hub
	c.media = mediaPipeline

	c.registerPushHandlers()
	c.registerPresenceHandler()
	c.registerEntitySyncAppliers()

	if err := queue.Recover(context.Background()); err != nil {
		slog.Error("facade: send queue recovery failed", "err", err)
	}

	c.state = stateInitialized
	return nil
}

// registerPushHandlers binds inbound server-push routes (RequestID == 0
// frames) to Store persistence and EventBus fan-out, per SPEC_FULL.md §2's
// flow description ("Inbound frames from E are dispatched to H, B, and I").
func (c *Client) registerPushHandlers() {
	c.rpc.OnPush("message.push", func(f rpc.Frame) {
		var payload struct {
			ChannelID   uint64 `json:"channel_id"`
			ChannelType uint8  `json:"channel_type"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			slog.Error("facade: decode message.push failed", "err", err)
			return
		}
		c.syncEng.TriggerGap(payload.ChannelID, payload.ChannelType)
	})

	c.rpc.OnPush("typing.push", func(f rpc.Frame) {
		var wire struct {
			ChannelID uint64 `json:"channel_id"`
			UserID    uint64 `json:"user_id"`
			Typing    bool   `json:"typing"`
		}
		if err := json.Unmarshal(f.Data, &wire); err != nil {
			slog.Error("facade: decode typing.push failed", "err", err)
			return
		}
		c.hub.Typing.Publish(wire.ChannelID, events.TypingEvent{ChannelID: wire.ChannelID, UserID: wire.UserID, Typing: wire.Typing})
	})

	c.rpc.OnPush("receipt.push", func(f rpc.Frame) {
		var wire struct {
			ChannelID uint64 `json:"channel_id"`
			MessageID uint64 `json:"message_id"`
			UserID    uint64 `json:"user_id"`
			ReadAt    int64  `json:"read_at"`
		}
		if err := json.Unmarshal(f.Data, &wire); err != nil {
			slog.Error("facade: decode receipt.push failed", "err", err)
			return
		}
		if err := c.store.IncrementReadCount(context.Background(), wire.MessageID); err != nil {
			slog.Error("facade: increment read count failed", "message_id", wire.MessageID, "err", err)
		}
		c.hub.Receipts.Publish(wire.ChannelID, events.ReceiptEvent{ChannelID: wire.ChannelID, MessageID: wire.MessageID, UserID: wire.UserID, ReadAt: wire.ReadAt})
	})

	// mention.push has no dedicated typed event (SPEC_FULL.md §3's Mention
	// entity is a DAO-only supplement, not one of the EventBus's named
	// topics), so it rides the generic Delegate channel per SPEC_FULL.md
	// §4.I's "a generic event" kind.
	c.rpc.OnPush("mention.push", func(f rpc.Frame) {
		var wire struct {
			MessageID       uint64 `json:"message_id"`
			MentionedUserID uint64 `json:"mentioned_user_id"`
			IsAll           bool   `json:"is_all"`
		}
		if err := json.Unmarshal(f.Data, &wire); err != nil {
			slog.Error("facade: decode mention.push failed", "err", err)
			return
		}
		if err := c.store.UpsertMention(context.Background(), store.Mention{
			MessageID: wire.MessageID, MentionedUserID: wire.MentionedUserID, IsAll: wire.IsAll,
		}); err != nil {
			slog.Error("facade: upsert mention failed", "message_id", wire.MessageID, "err", err)
			return
		}
		c.hub.Delegate.Publish(events.DelegateEvent{
			Kind: events.DelegateGeneric,
			Name: "mention",
			Data: map[string]any{
				"message_id":        wire.MessageID,
				"mentioned_user_id": wire.MentionedUserID,
				"is_all":            wire.IsAll,
			},
		})
	})
}

// Connect dials the first reachable endpoint (SPEC_FULL.md §4.D), starts
// the send consumer and the connection-state forwarder, and kicks off an
// automatic bootstrap sync in the background (spec.md §4.H: "Bootstrap
// sync runs on connect() (auto)").
func (c *Client) Connect(ctx context.Context) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.mux.Connect(ctx, c.cfg.ServerConfig.Endpoints); err != nil {
		return errNetwork(0, fmt.Sprintf("connect: %v", err))
	}

	// Background work (drain workers, supervised sync) outlives the caller's
	// dial context — it runs until Shutdown, not until ctx is done.
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	go c.forwardConnectionState()
	c.consumer.Start(c.runCtx, defaultSendConsumerWorkers)
	c.syncEng.StartSupervised(c.runCtx)
	return nil
}

func (c *Client) forwardConnectionState() {
	for state := range c.mux.StateChanges() {
		mapped := mapConnectionState(state)
		c.hub.Delegate.Publish(events.DelegateEvent{
			Kind:            events.DelegateConnectionStateChanged,
			ConnectionState: mapped,
		})
		// A coarser online/offline signal derived from the same transition,
		// for observers that only care about reachability, not the full
		// Connecting/Connected/Reconnecting/Disconnected state machine.
		c.hub.Delegate.Publish(events.DelegateEvent{
			Kind:          events.DelegateNetworkStatusChanged,
			NetworkOnline: mapped == events.ConnConnected,
		})
	}
}

func mapConnectionState(s transport.ConnectionState) events.ConnectionState {
	switch s {
	case transport.StateConnecting:
		return events.ConnConnecting
	case transport.StateConnected:
		return events.ConnConnected
	case transport.StateReconnecting:
		return events.ConnReconnecting
	default:
		return events.ConnDisconnected
	}
}

// authResponse is the common reply shape for auth.login/auth.register.
type authResponse struct {
	UserID uint64 `json:"user_id"`
	Token  string `json:"token"`
}

// Login authenticates with previously-registered credentials. Requires a
// live connection.
func (c *Client) Login(ctx context.Context, credentials map[string]any) (userID uint64, token string, err error) {
	if err := c.requireConnected(); err != nil {
		return 0, "", err
	}
	var resp authResponse
	if err := c.rpc.Call(ctx, "auth.login", credentials, &resp); err != nil {
		return 0, "", translateRPCErr(err, KindAuthentication)
	}
	return resp.UserID, resp.Token, nil
}

// Register creates a new account. Requires a live connection.
func (c *Client) Register(ctx context.Context, params map[string]any) (userID uint64, token string, err error) {
	if err := c.requireConnected(); err != nil {
		return 0, "", err
	}
	var resp authResponse
	if err := c.rpc.Call(ctx, "auth.register", params, &resp); err != nil {
		return 0, "", translateRPCErr(err, KindAuthentication)
	}
	return resp.UserID, resp.Token, nil
}

func (c *Client) requireConnected() error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if c.mux.State() != transport.StateConnected {
		return errDisconnected()
	}
	return nil
}

func translateRPCErr(err error, fallback Kind) error {
	var netErr *rpc.NetworkError
	if errors.As(err, &netErr) {
		return errNetwork(netErr.Code, netErr.Message)
	}
	if errors.Is(err, rpc.ErrTimeout) {
		return errTimeout(0)
	}
	if errors.Is(err, rpc.ErrDisconnected) {
		return errDisconnected()
	}
	return newErr(fallback, err.Error(), err)
}

// Disconnect immediately cancels in-flight RPC calls and tears down the
// transport connection. Durable SendQueue entries are unaffected
// (spec.md §4.D: "pending tasks stay durable in SendQueue").
func (c *Client) Disconnect() {
	c.rpc.CancelAll()
	c.mux.Disconnect()
}

// Shutdown flushes in-flight work and releases every resource. Idempotent.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.state == stateShutdown {
		c.mu.Unlock()
		return nil
	}
	c.state = stateShutdown
	c.mu.Unlock()

	if c.runCancel != nil {
		c.runCancel()
	}
	c.consumer.Stop()
	c.syncEng.Stop()
	c.mux.Disconnect()
	if err := c.store.Close(); err != nil {
		return errDatabase("close store", err)
	}
	return nil
}

// Events exposes the EventBus for observer registration (SPEC_FULL.md
// §4.I). Subscribe/Unsubscribe are called directly on its Topics/ScopedBuses.
func (c *Client) Events() *events.Hub { return c.hub }
