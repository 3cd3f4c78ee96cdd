package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetMessageExtra reads the lazily-created MessageExtra row for a message.
func (s *Store) GetMessageExtra(ctx context.Context, messageID uint64) (MessageExtra, bool, error) {
	var e MessageExtra
	found := false
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT message_id, read_count, revoked, edited, COALESCE(edited_text, ''), pinned
			FROM message_extra WHERE message_id = ?`, messageID)
		if err := row.Scan(&e.MessageID, &e.ReadCount, &e.Revoked, &e.Edited, &e.EditedText, &e.Pinned); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("get message extra: %w", err)
		}
		found = true
		return nil
	})
	return e, found, err
}

// SetPinned flips the pinned flag on a message's extra row, creating it if
// absent (SPEC_FULL.md §3: "Lazily created").
func (s *Store) SetPinned(ctx context.Context, messageID uint64, pinned bool) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_extra(message_id, pinned) VALUES (?, ?)
			ON CONFLICT(message_id) DO UPDATE SET pinned = excluded.pinned`, messageID, pinned)
		if err != nil {
			return fmt.Errorf("set pinned: %w", err)
		}
		return nil
	})
}

// IncrementReadCount bumps the read counter on a message's extra row.
func (s *Store) IncrementReadCount(ctx context.Context, messageID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_extra(message_id, read_count) VALUES (?, 1)
			ON CONFLICT(message_id) DO UPDATE SET read_count = read_count + 1`, messageID)
		if err != nil {
			return fmt.Errorf("increment read count: %w", err)
		}
		return nil
	})
}

// UpsertMention records a mention row on message ingest (SPEC_FULL.md §3).
func (s *Store) UpsertMention(ctx context.Context, m Mention) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mention(message_id, mentioned_user_id, is_all, read) VALUES (?, ?, ?, 0)
			ON CONFLICT(message_id, mentioned_user_id) DO UPDATE SET is_all = excluded.is_all`,
			m.MessageID, m.MentionedUserID, m.IsAll)
		if err != nil {
			return fmt.Errorf("upsert mention: %w", err)
		}
		return nil
	})
}

// MarkMentionRead flips a mention's read flag.
func (s *Store) MarkMentionRead(ctx context.Context, messageID, mentionedUserID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE mention SET read = 1 WHERE message_id = ? AND mentioned_user_id = ?`,
			messageID, mentionedUserID)
		if err != nil {
			return fmt.Errorf("mark mention read: %w", err)
		}
		return nil
	})
}

// ListUnreadMentions returns unread mentions for one user.
func (s *Store) ListUnreadMentions(ctx context.Context, userID uint64) ([]Mention, error) {
	var out []Mention
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT message_id, mentioned_user_id, is_all, read FROM mention
			WHERE mentioned_user_id = ? AND read = 0`, userID)
		if err != nil {
			return fmt.Errorf("list unread mentions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m Mention
			if err := rows.Scan(&m.MessageID, &m.MentionedUserID, &m.IsAll, &m.Read); err != nil {
				return fmt.Errorf("scan mention: %w", err)
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// CreateReminder inserts a new reminder row (SPEC_FULL.md §10).
func (s *Store) CreateReminder(ctx context.Context, r Reminder) (id uint64, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO reminder(channel_id, message_id, remind_at, note) VALUES (?, ?, ?, ?)`,
			r.ChannelID, r.MessageID, r.RemindAt, r.Note)
		if err != nil {
			return fmt.Errorf("create reminder: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read reminder id: %w", err)
		}
		id = uint64(rid)
		return nil
	})
	return id, err
}

// ListReminders returns every reminder for a channel.
func (s *Store) ListReminders(ctx context.Context, channelID uint64) ([]Reminder, error) {
	var out []Reminder
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT reminder_id, channel_id, message_id, remind_at, note FROM reminder WHERE channel_id = ?`, channelID)
		if err != nil {
			return fmt.Errorf("list reminders: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r Reminder
			if err := rows.Scan(&r.ReminderID, &r.ChannelID, &r.MessageID, &r.RemindAt, &r.Note); err != nil {
				return fmt.Errorf("scan reminder: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteReminder removes a reminder by id.
func (s *Store) DeleteReminder(ctx context.Context, reminderID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reminder WHERE reminder_id = ?`, reminderID); err != nil {
			return fmt.Errorf("delete reminder: %w", err)
		}
		return nil
	})
}

// UpsertRobot upserts a robot row during entity sync (kind "robot").
func (s *Store) UpsertRobot(ctx context.Context, robotID uint64, name, avatar string, updatedAt int64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO robot(robot_id, name, avatar, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(robot_id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar, updated_at = excluded.updated_at`,
			robotID, name, avatar, updatedAt)
		if err != nil {
			return fmt.Errorf("upsert robot: %w", err)
		}
		return nil
	})
}
