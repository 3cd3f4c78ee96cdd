package privchatsdk

import (
	"context"

	"github.com/privchat/privchat-sdk/internal/store"
)

// ListUnreadMentions returns the caller's unread @-mentions, populated by
// the "mention.push" handler registered in registerPushHandlers.
func (c *Client) ListUnreadMentions(ctx context.Context) ([]store.Mention, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	mentions, err := c.store.ListUnreadMentions(ctx, c.userID)
	if err != nil {
		return nil, errDatabase("list unread mentions", err)
	}
	return mentions, nil
}

// MarkMentionRead flips the read flag on one mention.
func (c *Client) MarkMentionRead(ctx context.Context, messageID uint64) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.MarkMentionRead(ctx, messageID, c.userID); err != nil {
		return errDatabase("mark mention read", err)
	}
	return nil
}
