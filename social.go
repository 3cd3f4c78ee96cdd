package privchatsdk

import (
	"context"
	"time"

	"github.com/privchat/privchat-sdk/internal/store"
)

// ListFriends returns the caller's friend list (spec.md §6, "Friends &
// Groups" operation group).
func (c *Client) ListFriends(ctx context.Context) ([]store.Friend, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	friends, err := c.store.ListFriends(ctx)
	if err != nil {
		return nil, errDatabase("list friends", err)
	}
	return friends, nil
}

// UpsertFriend creates or updates a friendship row, e.g. after an
// accept-friend-request push is applied locally, and ensures the friend's
// direct channel exists (spec.md §3: "accept friend → direct channel").
func (c *Client) UpsertFriend(ctx context.Context, f store.Friend) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.EnsureChannel(ctx, f.UserID, store.ChannelTypeDirect, ""); err != nil {
		return errDatabase("ensure direct channel", err)
	}
	if err := c.store.UpsertFriend(ctx, f); err != nil {
		return errDatabase("upsert friend", err)
	}
	return nil
}

// DeleteFriend removes a friendship without touching the underlying User
// row (spec.md §3: "deletion removes only the friendship, not the user").
func (c *Client) DeleteFriend(ctx context.Context, userID uint64) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.DeleteFriend(ctx, userID); err != nil {
		return errDatabase("delete friend", err)
	}
	return nil
}

// ListGroups returns every known group, including dismissed ones.
func (c *Client) ListGroups(ctx context.Context) ([]store.Group, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		return nil, errDatabase("list groups", err)
	}
	return groups, nil
}

// UpsertGroup creates or updates a group row, and ensures the group's
// channel exists (spec.md §3: "join group → group channel").
func (c *Client) UpsertGroup(ctx context.Context, g store.Group) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.EnsureChannel(ctx, g.GroupID, store.ChannelTypeGroup, g.Name); err != nil {
		return errDatabase("ensure group channel", err)
	}
	if err := c.store.UpsertGroup(ctx, g); err != nil {
		return errDatabase("upsert group", err)
	}
	return nil
}

// DismissGroup soft-deletes a group (spec.md §3: "existence outlives
// membership").
func (c *Client) DismissGroup(ctx context.Context, groupID uint64) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.DismissGroup(ctx, groupID); err != nil {
		return errDatabase("dismiss group", err)
	}
	return nil
}

// ToggleReaction adds or removes the caller's reaction to a message.
func (c *Client) ToggleReaction(ctx context.Context, messageID uint64, emoji string, channelID uint64) (added bool, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return false, err
	}
	added, err = c.store.ToggleReaction(ctx, messageID, c.userID, emoji, channelID, time.Now().Unix())
	if err != nil {
		return false, errDatabase("toggle reaction", err)
	}
	return added, nil
}

// ListReactions returns every reaction on a message.
func (c *Client) ListReactions(ctx context.Context, messageID uint64) ([]store.Reaction, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	reactions, err := c.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, errDatabase("list reactions", err)
	}
	return reactions, nil
}

// CreateReminder schedules a reminder against a message (spec.md §10
// supplemented Reminder DAO).
func (c *Client) CreateReminder(ctx context.Context, channelID, messageID uint64, remindAt int64, note string) (reminderID uint64, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return 0, err
	}
	id, err := c.store.CreateReminder(ctx, store.Reminder{ChannelID: channelID, MessageID: messageID, RemindAt: remindAt, Note: note})
	if err != nil {
		return 0, errDatabase("create reminder", err)
	}
	return id, nil
}

// ListReminders returns every reminder scheduled in one channel.
func (c *Client) ListReminders(ctx context.Context, channelID uint64) ([]store.Reminder, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	reminders, err := c.store.ListReminders(ctx, channelID)
	if err != nil {
		return nil, errDatabase("list reminders", err)
	}
	return reminders, nil
}

// DeleteReminder cancels a scheduled reminder.
func (c *Client) DeleteReminder(ctx context.Context, reminderID uint64) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.DeleteReminder(ctx, reminderID); err != nil {
		return errDatabase("delete reminder", err)
	}
	return nil
}
