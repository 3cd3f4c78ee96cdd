package privchatsdk

import (
	"context"
	"encoding/json"

	"github.com/privchat/privchat-sdk/internal/store"
)

// RunBootstrapSync drives a per-channel PTS sync for every known channel,
// bounded by a global concurrency limit, and blocks until it finishes
// (spec.md §4.H: "runBootstrapSync"/"runBootstrapSyncInBackground").
func (c *Client) RunBootstrapSync(ctx context.Context) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.syncEng.RunBootstrapSync(ctx); err != nil {
		return errNetwork(0, err.Error())
	}
	return nil
}

// RunBootstrapSyncInBackground is the non-blocking counterpart, used
// internally by Connect and also exposed for callers who want to re-trigger
// a full reconciliation without tearing down the connection.
func (c *Client) RunBootstrapSyncInBackground(ctx context.Context) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	c.syncEng.RunBootstrapSyncInBackground(ctx)
	return nil
}

// SyncChannel forces a targeted PTS reconciliation of one channel, the
// same path the SendConsumer's gap callback triggers.
func (c *Client) SyncChannel(ctx context.Context, channelID uint64, channelType uint8) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.syncEng.SyncChannel(ctx, channelID, channelType); err != nil {
		return errNetwork(0, err.Error())
	}
	return nil
}

// userSyncItem is the wire shape for the "user" entity-sync kind.
type userSyncItem struct {
	UserID    uint64 `json:"user_id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	UpdatedAt int64  `json:"updated_at"`
}

// friendSyncItem is the wire shape for the "friend" entity-sync kind.
type friendSyncItem struct {
	UserID    uint64 `json:"user_id"`
	Tags      string `json:"tags"`
	Pinned    bool   `json:"pinned"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// groupSyncItem is the wire shape for the "group" entity-sync kind.
type groupSyncItem struct {
	GroupID   uint64 `json:"group_id"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar"`
	OwnerID   uint64 `json:"owner_id"`
	Dismissed bool   `json:"dismissed"`
}

// robotSyncItem is the wire shape for the "robot" entity-sync kind
// (SPEC_FULL.md §10 supplemented Robot entity).
type robotSyncItem struct {
	RobotID   uint64 `json:"robot_id"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar"`
	UpdatedAt int64  `json:"updated_at"`
}

// registerEntitySyncAppliers wires the "user", "friend", "group", and
// "robot" entity-sync kinds named in spec.md §3's SyncCursor entity ("key =
// sync_cursor:<kind>[:<scope>]") into the Facade's own upsert operations —
// not directly into the store DAOs — so a friend/group picked up by sync
// gets its direct/group channel auto-created the same way UpsertFriend/
// UpsertGroup does when called interactively (spec.md §3: "accept friend →
// direct channel; join group → group channel"). Robots have no channel of
// their own and go straight to the store DAO. Called once from Initialize.
func (c *Client) registerEntitySyncAppliers() {
	c.syncEng.RegisterEntity("user", func(ctx context.Context, items []json.RawMessage) error {
		for _, raw := range items {
			var u userSyncItem
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			if err := c.store.UpsertUser(ctx, store.User{
				UserID: u.UserID, Username: u.Username, Nickname: u.Nickname,
				Avatar: u.Avatar, UpdatedAt: u.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	c.syncEng.RegisterEntity("friend", func(ctx context.Context, items []json.RawMessage) error {
		for _, raw := range items {
			var f friendSyncItem
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			if err := c.UpsertFriend(ctx, store.Friend{
				UserID: f.UserID, Tags: f.Tags, Pinned: f.Pinned,
				CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	c.syncEng.RegisterEntity("group", func(ctx context.Context, items []json.RawMessage) error {
		for _, raw := range items {
			var g groupSyncItem
			if err := json.Unmarshal(raw, &g); err != nil {
				return err
			}
			if err := c.UpsertGroup(ctx, store.Group{
				GroupID: g.GroupID, Name: g.Name, Avatar: g.Avatar,
				OwnerID: g.OwnerID, Dismissed: g.Dismissed,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	c.syncEng.RegisterEntity("robot", func(ctx context.Context, items []json.RawMessage) error {
		for _, raw := range items {
			var r robotSyncItem
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			if err := c.store.UpsertRobot(ctx, r.RobotID, r.Name, r.Avatar, r.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncEntities pulls one page-cursor entity kind ("user", "friend", ...)
// forward from its last synced version (spec.md §4.H "Entity sync").
func (c *Client) SyncEntities(ctx context.Context, kind, scope string) (applied int, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return 0, err
	}
	applied, err = c.syncEng.SyncEntities(ctx, kind, scope)
	if err != nil {
		return applied, errNetwork(0, err.Error())
	}
	return applied, nil
}
