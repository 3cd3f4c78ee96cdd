package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertGroup creates or refreshes a Group row.
func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO "group"(group_id, name, avatar, owner_id, dismissed)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				name = excluded.name, avatar = excluded.avatar,
				owner_id = excluded.owner_id, dismissed = excluded.dismissed`,
			g.GroupID, g.Name, g.Avatar, g.OwnerID, g.Dismissed)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
		return nil
	})
}

// DismissGroup soft-deletes a group (SPEC_FULL.md §3: "existence outlives
// membership").
func (s *Store) DismissGroup(ctx context.Context, groupID uint64) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE "group" SET dismissed = 1 WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("dismiss group: %w", err)
		}
		return nil
	})
}

// ListGroups returns every non-dismissed group.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := s.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT group_id, name, avatar, owner_id, dismissed FROM "group" WHERE dismissed = 0`)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g Group
			if err := rows.Scan(&g.GroupID, &g.Name, &g.Avatar, &g.OwnerID, &g.Dismissed); err != nil {
				return fmt.Errorf("scan group: %w", err)
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}
