package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureChannel creates a channel row if absent (SPEC_FULL.md §3: "Created
// automatically on first interaction").
func (s *Store) EnsureChannel(ctx context.Context, channelID uint64, channelType uint8, name string) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channel(channel_id, channel_type, name) VALUES (?, ?, ?)
			ON CONFLICT(channel_id, channel_type) DO NOTHING`, channelID, channelType, name)
		if err != nil {
			return fmt.Errorf("ensure channel: %w", err)
		}
		return nil
	})
}

// GetChannel reads one channel.
func (s *Store) GetChannel(ctx context.Context, channelID uint64, channelType uint8) (Channel, bool, error) {
	var c Channel
	found := false
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT channel_id, channel_type, last_message_id, unread_count, last_pts, name, avatar, muted, pinned, hidden
			FROM channel WHERE channel_id = ? AND channel_type = ?`, channelID, channelType)
		if err := row.Scan(&c.ChannelID, &c.ChannelType, &c.LastMessageID, &c.UnreadCount, &c.LastPTS,
			&c.Name, &c.Avatar, &c.Muted, &c.Pinned, &c.Hidden); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("get channel: %w", err)
		}
		found = true
		return nil
	})
	return c, found, err
}

// ListChannels returns every channel, hidden ones included,
// most-recently-active first.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT channel_id, channel_type, last_message_id, unread_count, last_pts, name, avatar, muted, pinned, hidden
			FROM channel ORDER BY last_pts DESC`)
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Channel
			if err := rows.Scan(&c.ChannelID, &c.ChannelType, &c.LastMessageID, &c.UnreadCount, &c.LastPTS,
				&c.Name, &c.Avatar, &c.Muted, &c.Pinned, &c.Hidden); err != nil {
				return fmt.Errorf("scan channel: %w", err)
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// AdvancePTS raises last_pts to newPTS (no-op if newPTS <= current), and
// bumps unread_count unless the message was self-authored. Enforces the
// invariant "last pts ≥ every message.pts for that channel" (SPEC_FULL §3).
func (s *Store) AdvancePTS(ctx context.Context, channelID uint64, channelType uint8, newPTS, lastMessageID uint64, bumpUnread bool) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		delta := 0
		if bumpUnread {
			delta = 1
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE channel
			SET last_pts = MAX(last_pts, ?), last_message_id = ?, unread_count = unread_count + ?
			WHERE channel_id = ? AND channel_type = ?`,
			newPTS, lastMessageID, delta, channelID, channelType)
		if err != nil {
			return fmt.Errorf("advance pts: %w", err)
		}
		return nil
	})
}

// SetUnreadCount overwrites the unread counter, e.g. on mark-as-read.
func (s *Store) SetUnreadCount(ctx context.Context, channelID uint64, channelType uint8, count int64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE channel SET unread_count = ? WHERE channel_id = ? AND channel_type = ?`,
			count, channelID, channelType)
		if err != nil {
			return fmt.Errorf("set unread count: %w", err)
		}
		return nil
	})
}

// SetChannelFlags updates the display flags (mute/pin/hide).
func (s *Store) SetChannelFlags(ctx context.Context, channelID uint64, channelType uint8, muted, pinned, hidden *bool) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if muted != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE channel SET muted = ? WHERE channel_id = ? AND channel_type = ?`, *muted, channelID, channelType); err != nil {
				return fmt.Errorf("set muted: %w", err)
			}
		}
		if pinned != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE channel SET pinned = ? WHERE channel_id = ? AND channel_type = ?`, *pinned, channelID, channelType); err != nil {
				return fmt.Errorf("set pinned: %w", err)
			}
		}
		if hidden != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE channel SET hidden = ? WHERE channel_id = ? AND channel_type = ?`, *hidden, channelID, channelType); err != nil {
				return fmt.Errorf("set hidden: %w", err)
			}
		}
		return nil
	})
}

// UpsertMember creates or updates a ChannelMember row.
func (s *Store) UpsertMember(ctx context.Context, m ChannelMember) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channel_member(channel_id, channel_type, user_id, role, status, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, channel_type, user_id) DO UPDATE SET
				role = excluded.role, status = excluded.status, version = excluded.version`,
			m.ChannelID, m.ChannelType, m.UserID, int(m.Role), int(m.Status), m.Version)
		if err != nil {
			return fmt.Errorf("upsert channel member: %w", err)
		}
		return nil
	})
}

// LeaveMember soft-deletes a member by marking it Left (SPEC_FULL.md §3).
func (s *Store) LeaveMember(ctx context.Context, channelID uint64, channelType uint8, userID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE channel_member SET status = ? WHERE channel_id = ? AND channel_type = ? AND user_id = ?`,
			int(MemberLeft), channelID, channelType, userID)
		if err != nil {
			return fmt.Errorf("leave channel member: %w", err)
		}
		return nil
	})
}

// ListMembers returns active (and, if includeLeft, left) members of a channel.
func (s *Store) ListMembers(ctx context.Context, channelID uint64, channelType uint8, includeLeft bool) ([]ChannelMember, error) {
	var out []ChannelMember
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		q := `SELECT channel_id, channel_type, user_id, role, status, version FROM channel_member WHERE channel_id = ? AND channel_type = ?`
		if !includeLeft {
			q += ` AND status = 0`
		}
		rows, err := db.QueryContext(ctx, q, channelID, channelType)
		if err != nil {
			return fmt.Errorf("list channel members: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m ChannelMember
			var role, status int
			if err := rows.Scan(&m.ChannelID, &m.ChannelType, &m.UserID, &role, &status, &m.Version); err != nil {
				return fmt.Errorf("scan channel member: %w", err)
			}
			m.Role, m.Status = MemberRole(role), MemberStatus(status)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}
