// Package store is the transactional gateway over the shared sqlite file.
// The database runs in WAL mode so readers are never blocked by an
// in-progress writer; every worker owns a private connection (Session) and
// the journal serializes cross-connection writes.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// FatalError marks an unrecoverable storage failure (disk, permissions,
// schema). Workers treat it as a permanent failure for the item in hand
// without crashing the pool.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// Store owns the sqlite handle. Use Session for per-worker connections;
// the Store-level helpers are for the single-threaded driver.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if needed) the database at path with WAL journaling
// and a busy timeout, so concurrent writers back off instead of erroring.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fatal("open", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_fk=1"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fatal("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fatal("open", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return fatal("init_schema", err)
}

// Session checks a private connection out of the pool for one worker.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fatal("session", err)
	}
	return &Session{conn: conn}, nil
}

// ListCodes returns the crawl universe from stock_list, ordered by code.
func (s *Store) ListCodes(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.db.SelectContext(ctx, &codes, `SELECT code FROM stock_list ORDER BY code`)
	if err != nil {
		return nil, fatal("list_codes", err)
	}
	return codes, nil
}

// SeedCodes inserts codes into stock_list, ignoring ones already present.
func (s *Store) SeedCodes(ctx context.Context, codes []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fatal("seed_codes", err)
	}
	defer tx.Rollback()
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stock_list (code) VALUES (?)`, code); err != nil {
			return fatal("seed_codes", err)
		}
	}
	return fatal("seed_codes", tx.Commit())
}

// CleanDate deletes every price row for one date ahead of a full re-crawl
// and returns how many rows went away.
func (s *Store) CleanDate(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM merged_stocks WHERE date = ?`, date)
	if err != nil {
		return 0, fatal("clean_date", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Coverage reports how much of the universe has a row for date.
func (s *Store) Coverage(ctx context.Context, date string) (total, updated int64, err error) {
	if err = s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM stock_list`); err != nil {
		return 0, 0, fatal("coverage", err)
	}
	if err = s.db.GetContext(ctx, &updated, `SELECT COUNT(*) FROM merged_stocks WHERE date = ?`, date); err != nil {
		return 0, 0, fatal("coverage", err)
	}
	return total, updated, nil
}

const createdAtLayout = "2006-01-02 15:04:05"

func nowStamp() string { return time.Now().UTC().Format(createdAtLayout) }
