package sync

import (
	"context"
	"fmt"

	"github.com/privchat/privchat-sdk/internal/events"
	"github.com/privchat/privchat-sdk/internal/store"
)

// channelPTSRequest/Response implement the "channel.pts" route: the
// server's current high-water mark for one channel.
type channelPTSRequest struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
}
type channelPTSResponse struct {
	ServerPTS uint64 `json:"server_pts"`
}

// channelHistoryRequest/Response implement the "channel.history" route: one
// ascending page of messages with pts in (FromPTS, ...], capped at Limit.
type channelHistoryRequest struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	FromPTS     uint64 `json:"from_pts"`
	Limit       int    `json:"limit"`
}
type wireMessage struct {
	ServerMessageID uint64 `json:"server_message_id"`
	ChannelID       uint64 `json:"channel_id"`
	ChannelType     uint8  `json:"channel_type"`
	SenderID        uint64 `json:"sender_id"`
	Content         string `json:"content"`
	MessageType     string `json:"message_type"`
	Timestamp       int64  `json:"timestamp"`
	PTS             uint64 `json:"pts"`
}
type channelHistoryResponse struct {
	Messages []wireMessage `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

const channelHistoryPageSize = 200

// channelSyncState mirrors the reconciliation states named in SPEC_FULL.md
// §4.H ("Synced, HasGap{local, server}, Syncing, Failed{error}").
type channelSyncState int

const (
	stateSynced channelSyncState = iota
	stateHasGap
	stateSyncing
	stateFailed
)

// syncChannel reconciles one channel's local_pts up to the server's current
// pts, applying pages in ascending order. Applying a page is idempotent
// (upsert by server_message_id), so re-running after a partial failure is
// safe — a later gap superset-absorbs an earlier one because both start
// from the same persisted local_pts.
func (e *Engine) syncChannel(ctx context.Context, channelID uint64, channelType uint8) error {
	channel, found, err := e.store.GetChannel(ctx, channelID, channelType)
	if err != nil {
		return fmt.Errorf("load channel %d/%d: %w", channelID, channelType, err)
	}
	if !found {
		return fmt.Errorf("sync channel %d/%d: not found locally", channelID, channelType)
	}

	var ptsResp channelPTSResponse
	if err := e.rpc.Call(ctx, "channel.pts", channelPTSRequest{ChannelID: channelID, ChannelType: channelType}, &ptsResp); err != nil {
		return fmt.Errorf("fetch server pts for channel %d/%d: %w", channelID, channelType, err)
	}
	if ptsResp.ServerPTS <= channel.LastPTS {
		return nil // already Synced
	}

	from := channel.LastPTS
	for {
		var page channelHistoryResponse
		err := e.rpc.Call(ctx, "channel.history", channelHistoryRequest{
			ChannelID: channelID, ChannelType: channelType, FromPTS: from, Limit: channelHistoryPageSize,
		}, &page)
		if err != nil {
			return fmt.Errorf("fetch history page for channel %d/%d from pts %d: %w", channelID, channelType, from, err)
		}

		for _, wm := range page.Messages {
			localID, err := e.store.UpsertFromSync(ctx, store.Message{
				ServerMessageID: wm.ServerMessageID,
				ChannelID:       wm.ChannelID,
				ChannelType:     wm.ChannelType,
				SenderID:        wm.SenderID,
				Content:         wm.Content,
				MessageType:     wm.MessageType,
				Timestamp:       wm.Timestamp,
				PTS:             wm.PTS,
			})
			if err != nil {
				return fmt.Errorf("apply synced message (server_message_id=%d): %w", wm.ServerMessageID, err)
			}

			selfAuthored := wm.SenderID == e.selfUserID
			if err := e.store.AdvancePTS(ctx, channelID, channelType, wm.PTS, localID, !selfAuthored); err != nil {
				return fmt.Errorf("advance pts for channel %d/%d to %d: %w", channelID, channelType, wm.PTS, err)
			}
			from = wm.PTS

			e.hub.Timeline.Publish(channelID, events.TimelineEvent{
				ChannelID:       channelID,
				LocalMessageID:  localID,
				ServerMessageID: wm.ServerMessageID,
				PTS:             wm.PTS,
				SelfAuthored:    selfAuthored,
			})

			if !selfAuthored {
				e.hub.Delegate.Publish(events.DelegateEvent{
					Kind:           events.DelegateMessageReceived,
					ChannelID:      channelID,
					LocalMessageID: localID,
				})
			}
		}

		if !page.HasMore {
			break
		}
	}
	return nil
}
