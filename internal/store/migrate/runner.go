// Package migrate implements the MigrationRunner (SPEC_FULL.md §4.C): it
// applies ordered SQL files from an assets directory and caches a fingerprint
// of that directory in the KeyValueStore so unchanged installs skip the
// filesystem scan entirely.
//
// Grounded on rustyguts-bken/server/internal/store/store.go's migrate(),
// generalized from one inline schema string to external timestamp-named
// files, with the fingerprint-cache behavior layered on top.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/privchat/privchat-sdk/internal/kv"
)

// Clock is overridden in tests; production callers use time.Now().Unix().
type Clock func() int64

var versionPattern = regexp.MustCompile(`^(\d{8}|\d{14})`)

// Fingerprint captures everything that, if changed, should trigger a
// re-scan of the assets directory (SPEC_FULL.md §4.C step 1).
type Fingerprint struct {
	AssetsPath string           `json:"assets_path"`
	SDKVersion string           `json:"sdk_version"`
	Files      map[string]int64 `json:"files"` // filename -> mtime unix
}

func (f Fingerprint) equal(other Fingerprint) bool {
	if f.AssetsPath != other.AssetsPath || f.SDKVersion != other.SDKVersion {
		return false
	}
	if len(f.Files) != len(other.Files) {
		return false
	}
	for name, mtime := range f.Files {
		if other.Files[name] != mtime {
			return false
		}
	}
	return true
}

// Runner applies SQL migrations from assetsDir against db, tracking applied
// versions in a `schema_version` table and caching the directory fingerprint
// in kvStore.
type Runner struct {
	db         *sql.DB
	kvStore    *kv.Store
	assetsDir  string
	sdkVersion string
	now        Clock
}

// New constructs a Runner. sdkVersion participates in the fingerprint so an
// SDK upgrade that changes bundled migrations forces a re-scan even if the
// assets directory's mtimes happen to be unchanged.
func New(db *sql.DB, kvStore *kv.Store, assetsDir, sdkVersion string, now Clock) *Runner {
	return &Runner{db: db, kvStore: kvStore, assetsDir: assetsDir, sdkVersion: sdkVersion, now: now}
}

// Run executes the algorithm in SPEC_FULL.md §4.C. The database is left at
// the last successfully applied migration on any error.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	fp, err := r.computeFingerprint()
	if err != nil {
		return fmt.Errorf("compute fingerprint: %w", err)
	}

	var cached Fingerprint
	hasCache, err := r.kvStore.GetJSON(ctx, kv.AssetsCacheKey, &cached)
	if err != nil {
		return fmt.Errorf("read fingerprint cache: %w", err)
	}
	if hasCache && cached.equal(fp) {
		return nil // declared DB version already applied; skip scan
	}

	files, err := r.orderedFiles()
	if err != nil {
		return err
	}

	currentMax, err := r.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		if f.version <= currentMax {
			continue
		}
		if err := r.applyOne(ctx, f); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
	}

	if err := r.kvStore.PutJSON(ctx, kv.AssetsCacheKey, fp, r.now()); err != nil {
		return fmt.Errorf("write fingerprint cache: %w", err)
	}
	return nil
}

type migrationFile struct {
	name    string
	path    string
	version int64
}

func (r *Runner) orderedFiles() ([]migrationFile, error) {
	entries, err := os.ReadDir(r.assetsDir)
	if err != nil {
		return nil, fmt.Errorf("list assets dir: %w", err)
	}
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := versionPattern.FindString(e.Name())
		if m == "" {
			continue
		}
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{name: e.Name(), path: filepath.Join(r.assetsDir, e.Name()), version: v})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func (r *Runner) currentVersion(ctx context.Context) (int64, error) {
	row := r.db.QueryRowContext(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read current schema version: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", v, err)
	}
	return n, nil
}

func (r *Runner) applyOne(ctx context.Context, f migrationFile) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("exec sql: %w", err)
	}
	versionStr := strconv.FormatInt(f.version, 10)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version(version, applied_at) VALUES (?, ?)`,
		versionStr, r.now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (r *Runner) computeFingerprint() (Fingerprint, error) {
	entries, err := os.ReadDir(r.assetsDir)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("list assets dir: %w", err)
	}
	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return Fingerprint{}, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files[e.Name()] = info.ModTime().Unix()
	}
	return Fingerprint{AssetsPath: r.assetsDir, SDKVersion: r.sdkVersion, Files: files}, nil
}

// marshalFingerprint serializes a Fingerprint as JSON, the encoding the KV
// cache stores it in.
func marshalFingerprint(fp Fingerprint) ([]byte, error) { return json.Marshal(fp) }
