package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/riching/hystock/internal/sources"
)

// Session is one worker's private connection. Never share a Session across
// goroutines; check one out per worker and close it when the worker exits.
type Session struct {
	conn *sqlx.Conn
}

func (s *Session) Close() error { return s.conn.Close() }

// runner lets the upsert statements run either directly on the connection or
// inside a transaction.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// The update arm touches only the fields this pipeline produces: indicator
// columns stay as they are, and COALESCE keeps values a previous source
// already filled when the new record carries NULL there.
const upsertSQL = `
INSERT INTO merged_stocks (created_at, code, date, open, high, low, close, volume, amount, name, source, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
ON CONFLICT (code, date) DO UPDATE SET
	open       = COALESCE(excluded.open, open),
	high       = COALESCE(excluded.high, high),
	low        = COALESCE(excluded.low, low),
	close      = excluded.close,
	volume     = COALESCE(excluded.volume, volume),
	amount     = COALESCE(excluded.amount, amount),
	name       = COALESCE(excluded.name, name),
	source     = excluded.source,
	fetched_at = excluded.fetched_at
`

func upsert(ctx context.Context, r runner, rec *sources.Record) (created bool, err error) {
	var existing int64
	if err := r.GetContext(ctx, &existing, `SELECT COUNT(*) FROM merged_stocks WHERE code = ? AND date = ?`, rec.Code, rec.Date); err != nil {
		return false, fatal("upsert", err)
	}
	_, err = r.ExecContext(ctx, upsertSQL,
		nowStamp(), rec.Code, rec.Date,
		rec.Open, rec.High, rec.Low, rec.Close, rec.Volume, rec.Amount,
		rec.Name, rec.Source, rec.FetchedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return false, fatal("upsert", err)
	}
	return existing == 0, nil
}

// Upsert inserts or updates one record keyed on (code, date). The insert-or-
// update is a single atomic statement, so a race with another worker's insert
// lands on the update arm instead of erroring. Reports whether a new row was
// created.
func (s *Session) Upsert(ctx context.Context, rec *sources.Record) (bool, error) {
	return upsert(ctx, s.conn, rec)
}

// UpsertBatch writes records in one transaction: all of them commit or none
// do. Returns how many records were applied.
func (s *Session) UpsertBatch(ctx context.Context, recs []*sources.Record) (int, error) {
	n := 0
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range recs {
			if _, err := upsert(ctx, tx, rec); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CommitRecord upserts the record and refreshes the security's data_status
// row in the same transaction.
func (s *Session) CommitRecord(ctx context.Context, rec *sources.Record) (created bool, err error) {
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		created, txErr = upsert(ctx, tx, rec)
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.ExecContext(ctx, `
			INSERT INTO data_status (code, last_updated, record_count, status)
			VALUES (?, ?, (SELECT COUNT(*) FROM merged_stocks WHERE code = ?), 'success')
			ON CONFLICT (code) DO UPDATE SET
				last_updated = excluded.last_updated,
				record_count = excluded.record_count,
				status       = excluded.status
		`, rec.Code, nowStamp(), rec.Code)
		return fatal("commit_record", txErr)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// MarkNoData records a deliberate non-insert for a closed-market day.
func (s *Session) MarkNoData(ctx context.Context, code string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO data_status (code, last_updated, record_count, status)
		VALUES (?, ?, 0, 'no_data')
		ON CONFLICT (code) DO UPDATE SET
			last_updated = excluded.last_updated,
			status       = excluded.status
	`, code, nowStamp())
	return fatal("mark_no_data", err)
}

// MarkStatus sets the status string for a security, keeping its counters.
func (s *Session) MarkStatus(ctx context.Context, code, status string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO data_status (code, last_updated, record_count, status)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (code) DO UPDATE SET
			last_updated = excluded.last_updated,
			status       = excluded.status
	`, code, nowStamp(), status)
	return fatal("mark_status", err)
}

// Exists reports whether a row is already committed for (code, date).
func (s *Session) Exists(ctx context.Context, code, date string) (bool, error) {
	var n int64
	if err := s.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM merged_stocks WHERE code = ? AND date = ?`, code, date); err != nil {
		return false, fatal("exists", err)
	}
	return n > 0, nil
}

// WithTx runs fn in a transaction: commit on nil, rollback on error.
func (s *Session) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fatal("begin_tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return fatal("commit_tx", tx.Commit())
}

type priceRow struct {
	Code      string          `db:"code"`
	Date      string          `db:"date"`
	Open      sql.NullFloat64 `db:"open"`
	High      sql.NullFloat64 `db:"high"`
	Low       sql.NullFloat64 `db:"low"`
	Close     sql.NullFloat64 `db:"close"`
	Volume    sql.NullInt64   `db:"volume"`
	Amount    sql.NullFloat64 `db:"amount"`
	Name      sql.NullString  `db:"name"`
	Source    sql.NullString  `db:"source"`
	FetchedAt sql.NullString  `db:"fetched_at"`
}

func (r priceRow) record() sources.Record {
	rec := sources.Record{Code: r.Code, Date: r.Date}
	if r.Open.Valid {
		v := r.Open.Float64
		rec.Open = &v
	}
	if r.High.Valid {
		v := r.High.Float64
		rec.High = &v
	}
	if r.Low.Valid {
		v := r.Low.Float64
		rec.Low = &v
	}
	if r.Close.Valid {
		rec.Close = r.Close.Float64
	}
	if r.Volume.Valid {
		v := r.Volume.Int64
		rec.Volume = &v
	}
	if r.Amount.Valid {
		v := r.Amount.Float64
		rec.Amount = &v
	}
	rec.Name = r.Name.String
	rec.Source = r.Source.String
	return rec
}

// Query returns committed records, newest first. code narrows to one
// security; from/to bound the date range; all three are optional.
func (s *Session) Query(ctx context.Context, code, from, to string) ([]sources.Record, error) {
	var conds []string
	var args []interface{}
	if code != "" {
		conds = append(conds, "code = ?")
		args = append(args, code)
	}
	if from != "" {
		conds = append(conds, "date >= ?")
		args = append(args, from)
	}
	if to != "" {
		conds = append(conds, "date <= ?")
		args = append(args, to)
	}

	q := `SELECT code, date, open, high, low, close, volume, amount, name, source, fetched_at FROM merged_stocks`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY date DESC, code"

	var rows []priceRow
	if err := s.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fatal("query", err)
	}
	out := make([]sources.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Status is the per-security bookkeeping row downstream reporting reads.
type Status struct {
	Code        string `db:"code"`
	LastUpdated string `db:"last_updated"`
	RecordCount int64  `db:"record_count"`
	Status      string `db:"status"`
}

// GetStatus returns the data_status row for one security, or nil when the
// security has never been touched.
func (s *Session) GetStatus(ctx context.Context, code string) (*Status, error) {
	var st Status
	err := s.conn.GetContext(ctx, &st, `SELECT code, last_updated, record_count, status FROM data_status WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fatal("get_status", err)
	}
	return &st, nil
}
