// Package store is the transactional sqlite persistence layer for
// directories, conversations, repositories, tasks, project settings,
// automation policies, and GitHub synchronization records (spec §3,
// §4.1, §6's persistent schema).
//
// The teacher's generated sqlc Queries layer was not part of the
// retrieval pack (no schema.sql/queries.sql.go were retrieved), so
// every method here is hand-written directly against database/sql,
// following the style of the teacher's own raw-SQL methods.
package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsh/controlplane/internal/ctlerr"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store wraps the underlying *sql.DB with the write-serialization and
// recovery discipline spec'd in §3/§5: WAL mode, foreign keys on, a
// short busy timeout, and a single logical writer.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes immediate transactions, mirroring §5's single logical owner
}

// Open opens (creating if absent) the sqlite database at dbPath and
// applies the embedded schema.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := openAndPrepare(dbPath)
	if err != nil {
		return nil, err
	}

	if err := applySchema(db); err != nil {
		if isCorruption(err) && dbPath != ":memory:" {
			log.Printf("[store] schema apply failed (%v), recreating database at %s", err, dbPath)
			db.Close()
			removeDBFiles(dbPath)

			fresh, openErr := openAndPrepare(dbPath)
			if openErr != nil {
				return nil, fmt.Errorf("reopen after recovery: %w", openErr)
			}
			if err := applySchema(fresh); err != nil {
				return nil, fmt.Errorf("apply schema after recovery: %w", err)
			}
			return fresh, nil
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func openAndPrepare(dbPath string) (*sql.DB, error) {
	connStr := dbPath
	if dbPath != ":memory:" {
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_txlock=immediate", dbPath)
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	return db, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	return checkSchemaVersion(db)
}

func checkSchemaVersion(db *sql.DB) error {
	var onDisk int
	if err := db.QueryRow("PRAGMA user_version").Scan(&onDisk); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if onDisk == 0 {
		_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion))
		return err
	}
	if onDisk > schemaVersion {
		return fmt.Errorf("on-disk schema version %d is newer than supported version %d", onDisk, schemaVersion)
	}
	return nil
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "sql logic error") ||
		strings.Contains(msg, "malformed")
}

func removeDBFiles(dbPath string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(dbPath + suffix)
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside an immediate (write-reserving) transaction,
// committing on success and rolling back otherwise, matching spec
// §4.1's "all mutations occur inside an immediate transaction" rule.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read-only callers that don't
// need a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// --- helpers mirroring internal/db/store.go's null-conversion style ---

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func toNullInt64(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func ptrIntFromNullInt64(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func toNullFloat64(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func ptrFloatFromNullFloat64(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func ptrTimeFromNullString(n sql.NullString) *time.Time {
	if !n.Valid || n.String == "" {
		return nil
	}
	t, err := parseTime(n.String)
	if err != nil {
		return nil
	}
	return &t
}

// now mirrors db.Now(): UTC, monotonic reading stripped.
func now() time.Time {
	return time.Now().UTC().Round(0)
}

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTime(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// missingAfter implements the integrity-recovery rule from spec §4.1.
func missingAfter(kind, op string) error {
	return ctlerr.MissingAfterKind(kind, op)
}
