package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/privchat/privchat-sdk/internal/kv"
	"github.com/privchat/privchat-sdk/internal/store/migrate"
	_ "modernc.org/sqlite"
)

// request is one queued write, processed serially by the actor goroutine.
// Grounded on rustyguts-bken/server/internal/store/store.go's single
// *sql.DB instance, generalized here from "one store, callers share it
// directly" to "one actor goroutine, callers submit work" to give the
// single-writer guarantee under concurrent callers (SPEC_FULL.md §4.B).
type request struct {
	fn   func(ctx context.Context, tx *sql.Tx) error
	done chan error
}

// Store is the per-user EncryptedRelationalStore.
type Store struct {
	db   *sql.DB
	kv   *kv.Store
	aead cipher.AEAD

	reqCh  chan request
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Open opens (or creates) the per-user database at dataDir, runs migrations
// from assetsDir, and starts the single-writer actor.
func Open(dataDir, assetsDir string, userID uint64, sdkVersion string, now func() int64) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create user data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "messages.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	saltPath := filepath.Join(dataDir, ".kdf_salt")
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load kdf salt: %w", err)
	}
	aead, err := newAEAD(deriveUserKey(userID, salt))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init column cipher: %w", err)
	}

	if _, err := db.Exec(kv.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure kv schema: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure entity schema: %w", err)
	}

	kvStore := kv.New(db)
	runner := migrate.New(db, kvStore, assetsDir, sdkVersion, now)
	if err := runner.Run(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:     db,
		kv:     kvStore,
		aead:   aead,
		reqCh:  make(chan request),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.actorLoop(ctx)

	slog.Info("store opened", "user_id", userID, "path", dbPath)
	return s, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// Close stops the actor and closes the database.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

// KV exposes the embedded KeyValueStore (SPEC_FULL.md §4.A lives inside the
// same encrypted database as the relational store).
func (s *Store) KV() *kv.Store { return s.kv }

// actorLoop is the single writer: every mutation is queued here and run
// inside its own transaction, serially.
func (s *Store) actorLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqCh:
			req.done <- s.runInTx(ctx, req.fn)
		}
	}
}

func (s *Store) runInTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback() //nolint:errcheck // best-effort rollback on already-failed tx
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// write submits fn to the actor and blocks until it completes. Every DAO
// mutation goes through this so writes are globally serialized.
func (s *Store) write(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	done := make(chan error, 1)
	select {
	case s.reqCh <- request{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// read runs fn directly against the pooled connection set, bypassing the
// actor: SPEC_FULL.md §4.B permits concurrent readers when the engine
// supports it, which WAL-mode SQLite does.
func (s *Store) read(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	return fn(ctx, s.db)
}

// Schema is the DDL for the entity tables, kept here (rather than only in
// migration files) so every opened store gets the full baseline schema even
// when assetsDir holds no .sql files. Open still requires assetsDir to exist,
// and always additionally runs the versioned migrations in it for schema
// evolution.
const Schema = `
CREATE TABLE IF NOT EXISTS message (
	local_message_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	server_message_id INTEGER,
	channel_id        INTEGER NOT NULL,
	channel_type      INTEGER NOT NULL,
	sender_id         INTEGER NOT NULL,
	content           BLOB NOT NULL,
	message_type      TEXT NOT NULL DEFAULT '',
	status            INTEGER NOT NULL,
	ts                INTEGER NOT NULL,
	pts               INTEGER NOT NULL DEFAULT 0,
	searchable_text   TEXT NOT NULL DEFAULT '',
	revoked           INTEGER NOT NULL DEFAULT 0,
	view_once         INTEGER NOT NULL DEFAULT 0,
	view_once_viewed  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_message_channel ON message(channel_id, channel_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_message_server_id ON message(server_message_id) WHERE server_message_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS channel (
	channel_id      INTEGER NOT NULL,
	channel_type    INTEGER NOT NULL,
	last_message_id INTEGER NOT NULL DEFAULT 0,
	unread_count    INTEGER NOT NULL DEFAULT 0,
	last_pts        INTEGER NOT NULL DEFAULT 0,
	name            TEXT NOT NULL DEFAULT '',
	avatar          TEXT NOT NULL DEFAULT '',
	muted           INTEGER NOT NULL DEFAULT 0,
	pinned          INTEGER NOT NULL DEFAULT 0,
	hidden          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, channel_type)
);

CREATE TABLE IF NOT EXISTS channel_member (
	channel_id   INTEGER NOT NULL,
	channel_type INTEGER NOT NULL,
	user_id      INTEGER NOT NULL,
	role         INTEGER NOT NULL DEFAULT 0,
	status       INTEGER NOT NULL DEFAULT 0,
	version      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, channel_type, user_id)
);

CREATE TABLE IF NOT EXISTS user (
	user_id    INTEGER PRIMARY KEY,
	username   TEXT NOT NULL DEFAULT '',
	nickname   TEXT NOT NULL DEFAULT '',
	avatar     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS friend (
	user_id    INTEGER PRIMARY KEY,
	tags       TEXT NOT NULL DEFAULT '',
	pinned     INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS "group" (
	group_id  INTEGER PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	avatar    TEXT NOT NULL DEFAULT '',
	owner_id  INTEGER NOT NULL DEFAULT 0,
	dismissed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS group_member (
	group_id INTEGER NOT NULL,
	user_id  INTEGER NOT NULL,
	role     INTEGER NOT NULL DEFAULT 0,
	status   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS message_reaction (
	message_id INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	emoji      TEXT NOT NULL,
	channel_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, user_id, emoji)
);
CREATE INDEX IF NOT EXISTS idx_reaction_msg_user_emoji ON message_reaction(message_id, user_id, emoji);

CREATE TABLE IF NOT EXISTS message_extra (
	message_id  INTEGER PRIMARY KEY,
	read_count  INTEGER NOT NULL DEFAULT 0,
	revoked     INTEGER NOT NULL DEFAULT 0,
	edited      INTEGER NOT NULL DEFAULT 0,
	edited_text BLOB,
	pinned      INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_message_extra_message ON message_extra(message_id);

CREATE TABLE IF NOT EXISTS reminder (
	reminder_id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id  INTEGER NOT NULL,
	message_id  INTEGER NOT NULL DEFAULT 0,
	remind_at   INTEGER NOT NULL,
	note        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reminder_id ON reminder(reminder_id);

CREATE TABLE IF NOT EXISTS channel_extra (
	channel_id   INTEGER NOT NULL,
	channel_type INTEGER NOT NULL,
	draft        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (channel_id, channel_type)
);

CREATE TABLE IF NOT EXISTS mention (
	message_id        INTEGER NOT NULL,
	mentioned_user_id INTEGER NOT NULL,
	is_all            INTEGER NOT NULL DEFAULT 0,
	read              INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, mentioned_user_id)
);

CREATE TABLE IF NOT EXISTS robot (
	robot_id   INTEGER PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	avatar     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS robot_menu (
	robot_id INTEGER NOT NULL,
	menu_id  TEXT NOT NULL,
	label    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (robot_id, menu_id)
);
`
