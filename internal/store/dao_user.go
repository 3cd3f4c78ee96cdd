package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertUser writes the latest known snapshot of a user row, called from
// entity sync (SPEC_FULL.md §4.H) regardless of friendship status.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user(user_id, username, nickname, avatar, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				username = excluded.username, nickname = excluded.nickname,
				avatar = excluded.avatar, updated_at = excluded.updated_at`,
			u.UserID, u.Username, u.Nickname, u.Avatar, u.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// GetUser reads one user by id.
func (s *Store) GetUser(ctx context.Context, userID uint64) (User, bool, error) {
	var u User
	found := false
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT user_id, username, nickname, avatar, updated_at FROM user WHERE user_id = ?`, userID)
		if err := row.Scan(&u.UserID, &u.Username, &u.Nickname, &u.Avatar, &u.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("get user: %w", err)
		}
		found = true
		return nil
	})
	return u, found, err
}

// UpsertFriend creates or refreshes a Friend row on accept.
func (s *Store) UpsertFriend(ctx context.Context, f Friend) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO friend(user_id, tags, pinned, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				tags = excluded.tags, pinned = excluded.pinned, updated_at = excluded.updated_at`,
			f.UserID, f.Tags, f.Pinned, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert friend: %w", err)
		}
		return nil
	})
}

// DeleteFriend removes a friendship without touching the underlying User
// row (SPEC_FULL.md §3: "deletion removes only the friendship").
func (s *Store) DeleteFriend(ctx context.Context, userID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM friend WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete friend: %w", err)
		}
		return nil
	})
}

// ListFriends returns every friend row.
func (s *Store) ListFriends(ctx context.Context) ([]Friend, error) {
	var out []Friend
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT user_id, tags, pinned, created_at, updated_at FROM friend`)
		if err != nil {
			return fmt.Errorf("list friends: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f Friend
			if err := rows.Scan(&f.UserID, &f.Tags, &f.Pinned, &f.CreatedAt, &f.UpdatedAt); err != nil {
				return fmt.Errorf("scan friend: %w", err)
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}
