package privchatsdk

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/privchat/privchat-sdk/internal/kv"
	"github.com/privchat/privchat-sdk/internal/rpc"
)

// typingDebounceWindow coalesces repeated SendTyping calls for the same
// channel (spec.md §10 supplemented feature: "sendTyping(channelId)
// coalesces repeated calls within a 3s window before dispatching over the
// transport").
const typingDebounceWindow = 3 * time.Second

type typingPushRequest struct {
	ChannelID uint64 `json:"channel_id"`
}

// SendTyping notifies the channel that the caller is typing, debounced to
// at most one wire send per 3s window per channel.
func (c *Client) SendTyping(channelID uint64) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if _, pending := c.typingTimers[channelID]; pending {
		return nil
	}
	c.typingTimers[channelID] = time.AfterFunc(typingDebounceWindow, func() {
		c.typingMu.Lock()
		delete(c.typingTimers, channelID)
		c.typingMu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()
	if err := c.rpc.Call(ctx, "typing.send", typingPushRequest{ChannelID: channelID}, nil); err != nil {
		slog.Warn("facade: send typing indicator failed", "channel_id", channelID, "err", err)
	}
	return nil
}

// presenceSnapshot mirrors the KV-cached presence value (spec.md §4.A:
// "device_flag" / presence: well-known keys).
type presenceSnapshot struct {
	Online       bool  `json:"online"`
	LastSeenUnix int64 `json:"last_seen_unix"`
}

// registerPresenceHandler binds the "presence.push" route to the
// KeyValueStore cache GetPresence reads from. Called once from Initialize.
func (c *Client) registerPresenceHandler() {
	c.rpc.OnPush("presence.push", func(f rpc.Frame) {
		var wire struct {
			UserID       uint64 `json:"user_id"`
			Online       bool   `json:"online"`
			LastSeenUnix int64  `json:"last_seen_unix"`
		}
		if err := json.Unmarshal(f.Data, &wire); err != nil {
			slog.Error("facade: decode presence.push failed", "err", err)
			return
		}
		snap := presenceSnapshot{Online: wire.Online, LastSeenUnix: wire.LastSeenUnix}
		if err := c.store.KV().PutJSON(context.Background(), kv.PresenceKey(wire.UserID), snap, wire.LastSeenUnix); err != nil {
			slog.Error("facade: persist presence snapshot failed", "user_id", wire.UserID, "err", err)
		}
	})
}

// GetPresence returns the last known presence snapshot cached locally for
// userID, as populated by the "presence.push" handler registered in
// registerPresenceHandler.
func (c *Client) GetPresence(ctx context.Context, userID uint64) (online bool, lastSeenUnix int64, found bool, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return false, 0, false, err
	}
	var snap presenceSnapshot
	found, err = c.store.KV().GetJSON(ctx, kv.PresenceKey(userID), &snap)
	if err != nil {
		return false, 0, false, errDatabase("get presence", err)
	}
	return snap.Online, snap.LastSeenUnix, found, nil
}
