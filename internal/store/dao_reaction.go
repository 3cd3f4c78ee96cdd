package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToggleReaction adds a reaction if absent, or flips its deletion flag if
// present, per SPEC_FULL.md §3's "add/remove toggles flag" invariant.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID uint64, emoji string, channelID uint64, now int64) (added bool, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var deleted bool
		row := tx.QueryRowContext(ctx, `
			SELECT deleted FROM message_reaction WHERE message_id = ? AND user_id = ? AND emoji = ?`,
			messageID, userID, emoji)
		switch err := row.Scan(&deleted); err {
		case nil:
			added = deleted // it existed but was removed; toggling re-adds it
			_, err := tx.ExecContext(ctx, `
				UPDATE message_reaction SET deleted = ?, updated_at = ?
				WHERE message_id = ? AND user_id = ? AND emoji = ?`,
				!deleted, now, messageID, userID, emoji)
			if err != nil {
				return fmt.Errorf("toggle reaction: %w", err)
			}
			return nil
		case sql.ErrNoRows:
			added = true
			_, err := tx.ExecContext(ctx, `
				INSERT INTO message_reaction(message_id, user_id, emoji, channel_id, created_at, updated_at, deleted)
				VALUES (?, ?, ?, ?, ?, ?, 0)`,
				messageID, userID, emoji, channelID, now, now)
			if err != nil {
				return fmt.Errorf("insert reaction: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("lookup reaction: %w", err)
		}
	})
	return added, err
}

// ListReactions returns the active (non-deleted) reactions on a message.
func (s *Store) ListReactions(ctx context.Context, messageID uint64) ([]Reaction, error) {
	var out []Reaction
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT message_id, user_id, emoji, channel_id, created_at, updated_at, deleted
			FROM message_reaction WHERE message_id = ? AND deleted = 0`, messageID)
		if err != nil {
			return fmt.Errorf("list reactions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r Reaction
			if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.ChannelID, &r.CreatedAt, &r.UpdatedAt, &r.Deleted); err != nil {
				return fmt.Errorf("scan reaction: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
