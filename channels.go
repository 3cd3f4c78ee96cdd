package privchatsdk

import (
	"context"

	"github.com/privchat/privchat-sdk/internal/store"
)

// ListChannels returns every known channel (spec.md §6 external interface,
// "Channels" operation group).
func (c *Client) ListChannels(ctx context.Context) ([]store.Channel, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	chans, err := c.store.ListChannels(ctx)
	if err != nil {
		return nil, errDatabase("list channels", err)
	}
	return chans, nil
}

// GetChannel looks up one channel by id/type.
func (c *Client) GetChannel(ctx context.Context, channelID uint64, channelType uint8) (store.Channel, bool, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return store.Channel{}, false, err
	}
	ch, found, err := c.store.GetChannel(ctx, channelID, channelType)
	if err != nil {
		return store.Channel{}, false, errDatabase("get channel", err)
	}
	return ch, found, nil
}

// SetChannelFlags updates mute/pin/hide, leaving any nil field untouched.
func (c *Client) SetChannelFlags(ctx context.Context, channelID uint64, channelType uint8, muted, pinned, hidden *bool) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.SetChannelFlags(ctx, channelID, channelType, muted, pinned, hidden); err != nil {
		return errDatabase("set channel flags", err)
	}
	return nil
}

// MarkChannelRead clears a channel's local unread counter. It sends no read
// receipt to the server.
func (c *Client) MarkChannelRead(ctx context.Context, channelID uint64, channelType uint8) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.SetUnreadCount(ctx, channelID, channelType, 0); err != nil {
		return errDatabase("mark channel read", err)
	}
	return nil
}

// ListMembers returns a channel's membership, optionally including members
// who have left.
func (c *Client) ListMembers(ctx context.Context, channelID uint64, channelType uint8, includeLeft bool) ([]store.ChannelMember, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	members, err := c.store.ListMembers(ctx, channelID, channelType, includeLeft)
	if err != nil {
		return nil, errDatabase("list members", err)
	}
	return members, nil
}

// LeaveChannel soft-deletes the caller's own membership.
func (c *Client) LeaveChannel(ctx context.Context, channelID uint64, channelType uint8) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.LeaveMember(ctx, channelID, channelType, c.userID); err != nil {
		return errDatabase("leave channel", err)
	}
	return nil
}
