package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dataDir := t.TempDir()
	assetsDir := t.TempDir()
	// No .sql files: migrate.Run should still succeed with an empty assets dir.
	s, err := Open(dataDir, assetsDir, 1, "test", func() int64 { return 1 })
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDBFile(t *testing.T) {
	dataDir := t.TempDir()
	assetsDir := t.TempDir()
	s, err := Open(dataDir, assetsDir, 7, "test", func() int64 { return 1 })
	require.NoError(t, err)
	defer s.Close()
	_, err = os.Stat(filepath.Join(dataDir, "messages.db"))
	require.NoError(t, err)
}

func TestMessageRoundTripEncrypted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	localID, err := s.InsertSending(ctx, 42, 1, 100, []byte("hi"), "text", 1000)
	require.NoError(t, err)
	require.NotZero(t, localID)

	m, ok, err := s.GetByLocalID(ctx, localID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", m.Content)
	require.Equal(t, StatusSending, m.Status)

	// Content is stored sealed on disk: read raw bytes back and confirm they
	// are not the plaintext.
	var raw []byte
	require.NoError(t, s.db.QueryRow(`SELECT content FROM message WHERE local_message_id = ?`, localID).Scan(&raw))
	require.NotEqual(t, []byte("hi"), raw)
}

func TestMarkSentThenContentImmutableExceptEditRevoke(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	localID, err := s.InsertSending(ctx, 1, 1, 100, []byte("hello"), "text", 1000)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, localID, 999, 1001, 5))

	m, _, err := s.GetByLocalID(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, uint64(999), m.ServerMessageID)
	require.Equal(t, StatusSent, m.Status)
	require.Equal(t, "hello", m.Content)

	require.NoError(t, s.EditMessage(ctx, localID, "edited"))
	m, _, err = s.GetByLocalID(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, "edited", m.Content)
}

func TestAdvancePTSNeverDecreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannel(ctx, 5, 1, "chan"))

	require.NoError(t, s.AdvancePTS(ctx, 5, 1, 10, 1, false))
	c, _, err := s.GetChannel(ctx, 5, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), c.LastPTS)

	// A stale, smaller pts must not regress last_pts.
	require.NoError(t, s.AdvancePTS(ctx, 5, 1, 3, 1, false))
	c, _, err = s.GetChannel(ctx, 5, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), c.LastPTS)
}

func TestUpsertFromSyncIsIdempotentByServerMessageID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Message{ServerMessageID: 555, ChannelID: 1, ChannelType: 1, SenderID: 2, Content: "a", MessageType: "text", Timestamp: 1, PTS: 1}
	id1, err := s.UpsertFromSync(ctx, m)
	require.NoError(t, err)

	m.Content = "a-updated"
	id2, err := s.UpsertFromSync(ctx, m)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	got, ok, err := s.GetByLocalID(ctx, id1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a-updated", got.Content)
}

func TestToggleReactionAddRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	added, err := s.ToggleReaction(ctx, 1, 2, "👍", 5, 100)
	require.NoError(t, err)
	require.True(t, added)

	reactions, err := s.ListReactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reactions, 1)

	added, err = s.ToggleReaction(ctx, 1, 2, "👍", 5, 101)
	require.NoError(t, err)
	require.False(t, added)

	reactions, err = s.ListReactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reactions, 0)
}

func TestDeleteFriendKeepsUserRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, User{UserID: 9, Username: "bob"}))
	require.NoError(t, s.UpsertFriend(ctx, Friend{UserID: 9}))
	require.NoError(t, s.DeleteFriend(ctx, 9))

	_, found, err := s.GetUser(ctx, 9)
	require.NoError(t, err)
	require.True(t, found)

	friends, err := s.ListFriends(ctx)
	require.NoError(t, err)
	require.Len(t, friends, 0)
}
