package store

import (
	"context"
	"crypto/cipher"
	"database/sql"
	"fmt"
)

// InsertSending creates a new message row with status=Sending and returns
// its freshly-assigned local_message_id. Part of the three-write enqueue
// transaction described in SPEC_FULL.md §4.F.
func (s *Store) InsertSending(ctx context.Context, channelID uint64, channelType uint8, senderID uint64, content []byte, messageType string, ts int64) (localID uint64, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		sealed, sErr := sealColumn(s.aead, content)
		if sErr != nil {
			return fmt.Errorf("seal content: %w", sErr)
		}
		res, eErr := tx.ExecContext(ctx, `
			INSERT INTO message(channel_id, channel_type, sender_id, content, message_type, status, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			channelID, channelType, senderID, sealed, messageType, int(StatusSending), ts)
		if eErr != nil {
			return fmt.Errorf("insert message: %w", eErr)
		}
		id, iErr := res.LastInsertId()
		if iErr != nil {
			return fmt.Errorf("read last insert id: %w", iErr)
		}
		localID = uint64(id)
		return nil
	})
	return localID, err
}

// MarkSent records the server-assigned identity and terminal Sent status
// (SPEC_FULL.md §4.G step 3).
func (s *Store) MarkSent(ctx context.Context, localID, serverMessageID uint64, ts int64, pts uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE message SET server_message_id = ?, ts = ?, pts = ?, status = ?
			WHERE local_message_id = ?`,
			serverMessageID, ts, pts, int(StatusSent), localID)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		return nil
	})
}

// MarkRetrying transitions a message to Retrying (SPEC_FULL.md §4.G step 4).
func (s *Store) MarkRetrying(ctx context.Context, localID uint64) error {
	return s.setStatus(ctx, localID, StatusRetrying)
}

// MarkFailed transitions a message to the terminal Failed status
// (SPEC_FULL.md §4.G steps 4-5).
func (s *Store) MarkFailed(ctx context.Context, localID uint64) error {
	return s.setStatus(ctx, localID, StatusFailed)
}

// MarkSending resets a message to Sending, used both on first dispatch and
// by retryMessage (SPEC_FULL.md §4.G).
func (s *Store) MarkSending(ctx context.Context, localID uint64) error {
	return s.setStatus(ctx, localID, StatusSending)
}

func (s *Store) setStatus(ctx context.Context, localID uint64, status MessageStatus) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE message SET status = ? WHERE local_message_id = ?`, int(status), localID)
		if err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		return nil
	})
}

// GetByLocalID reads one message by its local id.
func (s *Store) GetByLocalID(ctx context.Context, localID uint64) (Message, bool, error) {
	var m Message
	var found bool
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT local_message_id, COALESCE(server_message_id, 0), channel_id, channel_type,
			       sender_id, content, message_type, status, ts, pts,
			       searchable_text, revoked, view_once, view_once_viewed
			FROM message WHERE local_message_id = ?`, localID)
		ok, err := scanMessage(row, s.aead, &m)
		found = ok
		return err
	})
	return m, found, err
}

// ListByChannel returns messages for one channel in ascending pts order.
func (s *Store) ListByChannel(ctx context.Context, channelID uint64, channelType uint8, limit int) ([]Message, error) {
	var out []Message
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT local_message_id, COALESCE(server_message_id, 0), channel_id, channel_type,
			       sender_id, content, message_type, status, ts, pts,
			       searchable_text, revoked, view_once, view_once_viewed
			FROM message WHERE channel_id = ? AND channel_type = ? ORDER BY pts ASC LIMIT ?`,
			channelID, channelType, limit)
		if err != nil {
			return fmt.Errorf("list by channel: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m Message
			if _, err := scanMessage(rows, s.aead, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, aead cipher.AEAD, m *Message) (bool, error) {
	var sealed []byte
	var status int
	if err := row.Scan(&m.LocalMessageID, &m.ServerMessageID, &m.ChannelID, &m.ChannelType,
		&m.SenderID, &sealed, &m.MessageType, &status, &m.Timestamp, &m.PTS,
		&m.SearchableText, &m.Revoked, &m.ViewOnce, &m.ViewOnceViewed); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("scan message: %w", err)
	}
	m.Status = MessageStatus(status)
	plain, err := openColumn(aead, sealed)
	if err != nil {
		return true, fmt.Errorf("decrypt content: %w", err)
	}
	m.Content = string(plain)
	return true, nil
}

// DeleteMessage removes a message row outright. Used to compensate a failed
// enqueue: if the SendTask mirror write fails after InsertSending succeeded,
// the caller rolls back by deleting the row (SPEC_FULL.md §4.F).
func (s *Store) DeleteMessage(ctx context.Context, localID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE local_message_id = ?`, localID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// UpsertFromSync inserts or updates a message by server_message_id, the
// idempotent apply path used by the SyncEngine (SPEC_FULL.md §4.H).
func (s *Store) UpsertFromSync(ctx context.Context, m Message) (localID uint64, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		sealed, sErr := sealColumn(s.aead, []byte(m.Content))
		if sErr != nil {
			return fmt.Errorf("seal content: %w", sErr)
		}
		var existing uint64
		row := tx.QueryRowContext(ctx, `SELECT local_message_id FROM message WHERE server_message_id = ?`, m.ServerMessageID)
		switch err := row.Scan(&existing); err {
		case nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE message SET channel_id=?, channel_type=?, sender_id=?, content=?, message_type=?,
				       status=?, ts=?, pts=? WHERE local_message_id = ?`,
				m.ChannelID, m.ChannelType, m.SenderID, sealed, m.MessageType, int(StatusSent), m.Timestamp, m.PTS, existing); err != nil {
				return fmt.Errorf("update synced message: %w", err)
			}
			localID = existing
			return nil
		case sql.ErrNoRows:
			res, iErr := tx.ExecContext(ctx, `
				INSERT INTO message(server_message_id, channel_id, channel_type, sender_id, content, message_type, status, ts, pts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ServerMessageID, m.ChannelID, m.ChannelType, m.SenderID, sealed, m.MessageType, int(StatusSent), m.Timestamp, m.PTS)
			if iErr != nil {
				return fmt.Errorf("insert synced message: %w", iErr)
			}
			id, iErr := res.LastInsertId()
			if iErr != nil {
				return fmt.Errorf("read last insert id: %w", iErr)
			}
			localID = uint64(id)
			return nil
		default:
			return fmt.Errorf("lookup synced message: %w", err)
		}
	})
	return localID, err
}

// EditMessage overwrites a Sent message's content (SPEC_FULL.md §10).
func (s *Store) EditMessage(ctx context.Context, localID uint64, newContent string) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		sealed, err := sealColumn(s.aead, []byte(newContent))
		if err != nil {
			return fmt.Errorf("seal content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE message SET content = ? WHERE local_message_id = ?`, sealed, localID); err != nil {
			return fmt.Errorf("edit message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_extra(message_id, edited) VALUES (?, 1)
			ON CONFLICT(message_id) DO UPDATE SET edited = 1`, localID); err != nil {
			return fmt.Errorf("mark message edited: %w", err)
		}
		return nil
	})
}

// RevokeMessage marks a message revoked. hard=true additionally blanks its
// content, matching the "destroyed only by retention policy or Revoke(hard)"
// invariant in SPEC_FULL.md §3.
func (s *Store) RevokeMessage(ctx context.Context, localID uint64, hard bool) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if hard {
			sealed, err := sealColumn(s.aead, nil)
			if err != nil {
				return fmt.Errorf("seal empty content: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE message SET content = ?, revoked = 1 WHERE local_message_id = ?`, sealed, localID); err != nil {
				return fmt.Errorf("hard revoke message: %w", err)
			}
		} else if _, err := tx.ExecContext(ctx, `UPDATE message SET revoked = 1 WHERE local_message_id = ?`, localID); err != nil {
			return fmt.Errorf("soft revoke message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_extra(message_id, revoked) VALUES (?, 1)
			ON CONFLICT(message_id) DO UPDATE SET revoked = 1`, localID); err != nil {
			return fmt.Errorf("mark message revoked: %w", err)
		}
		return nil
	})
}
