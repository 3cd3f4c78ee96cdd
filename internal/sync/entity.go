package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/privchat/privchat-sdk/internal/kv"
)

// entitySyncRequest/Response implement the "<kind>.sync" routes (one per
// entity kind named in SPEC_FULL.md §4.H: "friend, group, user…").
type entitySyncRequest struct {
	SinceVersion uint64 `json:"since_version"`
	Scope        string `json:"scope,omitempty"`
}
type entitySyncResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor uint64            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// EntityApplier upserts one page's worth of raw entity items into the
// local store. Registered per kind via Engine.RegisterEntity.
type EntityApplier func(ctx context.Context, items []json.RawMessage) error

// RegisterEntity binds an entity kind (e.g. "friend", "group", "user") to
// its upsert logic. Must be called before SyncEntities is used for that
// kind.
func (e *Engine) RegisterEntity(kind string, apply EntityApplier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entityAppliers[kind] = apply
}

// SyncEntities drives one entity kind's cursor loop to completion
// (SPEC_FULL.md §4.H "Entity sync"): page from the server starting at the
// persisted cursor, apply each page, advance the cursor, and loop while
// the server reports more. A cursor of 0 means "never synced" and yields a
// full pull. On failure the run aborts and the cursor is left untouched,
// so the next call resumes from the same point.
func (e *Engine) SyncEntities(ctx context.Context, kind, scope string) (applied int, err error) {
	e.mu.Lock()
	apply, ok := e.entityAppliers[kind]
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("sync entities: no applier registered for kind %q", kind)
	}

	cursorKey := kv.SyncCursorKey(kind, scope)
	var cursor uint64
	if _, err := e.store.KV().GetJSON(ctx, cursorKey, &cursor); err != nil {
		return 0, fmt.Errorf("load sync cursor %q: %w", cursorKey, err)
	}

	for {
		var page entitySyncResponse
		route := kind + ".sync"
		if err := e.rpc.Call(ctx, route, entitySyncRequest{SinceVersion: cursor, Scope: scope}, &page); err != nil {
			return applied, fmt.Errorf("fetch %s page (since_version=%d): %w", kind, cursor, err)
		}

		if len(page.Items) > 0 {
			if err := apply(ctx, page.Items); err != nil {
				return applied, fmt.Errorf("apply %s page: %w", kind, err)
			}
			applied += len(page.Items)
		}

		cursor = page.NextCursor
		if err := e.store.KV().PutJSON(ctx, cursorKey, cursor, e.now()); err != nil {
			return applied, fmt.Errorf("persist sync cursor %q: %w", cursorKey, err)
		}

		if !page.HasMore {
			break
		}
	}
	return applied, nil
}
