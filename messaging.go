package privchatsdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/privchat/privchat-sdk/internal/media"
	"github.com/privchat/privchat-sdk/internal/sendqueue"
	"github.com/privchat/privchat-sdk/internal/store"
)

// AttachmentKind discriminates the three media.Pipeline upload paths.
type AttachmentKind int

const (
	AttachmentImage AttachmentKind = iota
	AttachmentVideo
	AttachmentFile
)

// priorityForMessageType maps a message type to its SendQueue priority
// level, per spec.md §4.F: "Critical (revoke, delete) > High (text,
// reaction) > Normal (image, audio) > Low (file, video) > Background (read
// receipts, status sync)".
func priorityForMessageType(messageType string) sendqueue.Priority {
	switch messageType {
	case "revoke", "delete":
		return sendqueue.PriorityCritical
	case "text", "reaction":
		return sendqueue.PriorityHigh
	case "image", "audio":
		return sendqueue.PriorityNormal
	case "file", "video":
		return sendqueue.PriorityLow
	default:
		return sendqueue.PriorityNormal
	}
}

// SendText enqueues a plain-text message (spec.md §8 scenario 1/2/4:
// `sendText(channelId, text)`). Returns the local id immediately; delivery
// happens asynchronously via the SendConsumer, even while disconnected.
func (c *Client) SendText(ctx context.Context, channelID uint64, channelType uint8, text string) (localMessageID uint64, clientNonce string, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return 0, "", err
	}
	localMessageID, clientNonce, err = c.queue.Enqueue(ctx, sendqueue.EnqueueParams{
		ChannelID:   channelID,
		ChannelType: channelType,
		SenderID:    c.userID,
		Content:     []byte(text),
		MessageType: "text",
		Priority:    sendqueue.PriorityHigh,
	})
	if err != nil {
		return 0, "", errDatabase("enqueue text message", err)
	}
	return localMessageID, clientNonce, nil
}

// attachmentContent is the message payload embedded for a media send.
type attachmentContent struct {
	FileID          string `json:"file_id"`
	URL             string `json:"url"`
	ContentType     string `json:"content_type"`
	SizeBytes       int64  `json:"size_bytes"`
	ThumbnailFileID string `json:"thumbnail_file_id,omitempty"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
}

// SendAttachmentFromPath uploads the file at path via the MediaPipeline
// (image thumbnail generation, or the registered VideoProcessHook /
// 1x1-PNG fallback for video) and enqueues a message embedding the
// resulting AttachmentInfo (spec.md §8 scenario 6).
func (c *Client) SendAttachmentFromPath(ctx context.Context, channelID uint64, channelType uint8, path string, kind AttachmentKind, progress media.ProgressObserver) (localMessageID uint64, clientNonce string, info media.AttachmentInfo, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return 0, "", media.AttachmentInfo{}, err
	}

	var messageType string
	switch kind {
	case AttachmentImage:
		messageType = "image"
		info, err = c.media.UploadImage(ctx, path, progress)
	case AttachmentVideo:
		messageType = "video"
		info, err = c.media.UploadVideo(ctx, path, "", progress)
	default:
		messageType = "file"
		info, err = c.media.UploadFile(ctx, path, progress)
	}
	if err != nil {
		return 0, "", media.AttachmentInfo{}, errUpload(fmt.Sprintf("upload %q", path), err)
	}

	content, err := json.Marshal(attachmentContent{
		FileID:          info.FileID,
		URL:             info.URL,
		ContentType:     info.ContentType,
		SizeBytes:       info.SizeBytes,
		ThumbnailFileID: info.ThumbnailFileID,
		ThumbnailURL:    info.ThumbnailURL,
	})
	if err != nil {
		return 0, "", media.AttachmentInfo{}, errGeneric("encode attachment content", err)
	}

	localMessageID, clientNonce, err = c.queue.Enqueue(ctx, sendqueue.EnqueueParams{
		ChannelID:   channelID,
		ChannelType: channelType,
		SenderID:    c.userID,
		Content:     content,
		MessageType: messageType,
		Priority:    priorityForMessageType(messageType),
	})
	if err != nil {
		return 0, "", media.AttachmentInfo{}, errDatabase("enqueue attachment message", err)
	}
	return localMessageID, clientNonce, info, nil
}

// RetryMessage re-submits a message stuck in Failed state under a fresh
// client nonce (spec.md §6: `retryMessage(local_message_id)`).
func (c *Client) RetryMessage(ctx context.Context, localMessageID uint64) (clientNonce string, err error) {
	if err := c.requireState(stateInitialized); err != nil {
		return "", err
	}
	msg, found, err := c.store.GetByLocalID(ctx, localMessageID)
	if err != nil {
		return "", errDatabase("load message", err)
	}
	if !found {
		return "", errInvalidParam("local_message_id", "no such message")
	}
	if msg.Status != store.StatusFailed {
		return "", errInvalidParam("local_message_id", "message is not in a Failed state")
	}
	nonce, err := c.queue.Resubmit(ctx, msg.LocalMessageID, msg.ChannelID, msg.ChannelType, priorityForMessageType(msg.MessageType))
	if err != nil {
		return "", errDatabase("resubmit message", err)
	}
	return nonce, nil
}

// ListMessages returns up to limit messages for one channel, most recent
// last.
func (c *Client) ListMessages(ctx context.Context, channelID uint64, channelType uint8, limit int) ([]store.Message, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return nil, err
	}
	msgs, err := c.store.ListByChannel(ctx, channelID, channelType, limit)
	if err != nil {
		return nil, errDatabase("list messages", err)
	}
	return msgs, nil
}

// EditMessage replaces a message's content (spec.md §10 supplemented
// operation).
func (c *Client) EditMessage(ctx context.Context, localMessageID uint64, newContent string) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.EditMessage(ctx, localMessageID, newContent); err != nil {
		return errDatabase("edit message", err)
	}
	return nil
}

// RevokeMessage marks a message revoked, optionally hard-deleting its row
// (spec.md §10 supplemented operation).
func (c *Client) RevokeMessage(ctx context.Context, localMessageID uint64, hard bool) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.RevokeMessage(ctx, localMessageID, hard); err != nil {
		return errDatabase("revoke message", err)
	}
	return nil
}

// PinMessage pins or unpins a message, lazily creating its MessageExtra row
// (SPEC_FULL.md §3 supplemented MessageExtra entity).
func (c *Client) PinMessage(ctx context.Context, messageID uint64, pinned bool) error {
	if err := c.requireState(stateInitialized); err != nil {
		return err
	}
	if err := c.store.SetPinned(ctx, messageID, pinned); err != nil {
		return errDatabase("set pinned", err)
	}
	return nil
}

// GetMessageExtra returns a message's lazily-created extra row (read count,
// revoked/edited/pinned flags).
func (c *Client) GetMessageExtra(ctx context.Context, messageID uint64) (store.MessageExtra, bool, error) {
	if err := c.requireState(stateInitialized); err != nil {
		return store.MessageExtra{}, false, err
	}
	extra, found, err := c.store.GetMessageExtra(ctx, messageID)
	if err != nil {
		return store.MessageExtra{}, false, errDatabase("get message extra", err)
	}
	return extra, found, nil
}
