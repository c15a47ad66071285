// Package crashdb indexes written crash reports in a local SQLite database
// so they can be listed after the process that produced them is gone.
package crashdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/oslayer/internal/crash"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown GUID.
var ErrNotFound = errors.New("crash report not found")

// Record is one indexed report.
type Record struct {
	GUID         string    `json:"guid"`
	Kind         string    `json:"kind"`
	Signal       int       `json:"signal,omitempty"`
	Description  string    `json:"description"`
	ThreadID     uint64    `json:"thread_id"`
	ThreadName   string    `json:"thread_name,omitempty"`
	CallstackCRC uint32    `json:"callstack_crc"`
	Dir          string    `json:"dir"`
	Bundle       string    `json:"bundle,omitempty"`
	Time         time.Time `json:"time"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Kind  string
	Since *time.Time
	Limit int
	Asc   bool
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("crashdb path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS reports (
			guid TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			kind TEXT NOT NULL,
			signal INTEGER,
			description TEXT NOT NULL,
			thread_id INTEGER NOT NULL,
			thread_name TEXT,
			callstack_crc INTEGER NOT NULL,
			dir TEXT NOT NULL,
			bundle TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_kind_ts ON reports(kind, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("crashdb migrate: %w", err)
		}
	}
	return nil
}

// Put inserts or replaces the report with the same GUID. A bundle path
// already recorded for that GUID is kept.
func (s *Store) Put(ctx context.Context, r crash.Report) error {
	if r.GUID == "" {
		return fmt.Errorf("report missing guid")
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			guid, ts_unix_ns, kind, signal, description,
			thread_id, thread_name, callstack_crc, dir
		) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(guid) DO UPDATE SET
			ts_unix_ns=excluded.ts_unix_ns,
			kind=excluded.kind,
			signal=excluded.signal,
			description=excluded.description,
			thread_id=excluded.thread_id,
			thread_name=excluded.thread_name,
			callstack_crc=excluded.callstack_crc,
			dir=excluded.dir;`,
		r.GUID,
		r.Time.UTC().UnixNano(),
		r.Kind.String(),
		nullableInt(r.Signal),
		r.Description,
		int64(r.ThreadID),
		nullable(r.ThreadName),
		int64(r.CallstackCRC),
		r.Dir,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// SetBundle records the archive written for guid.
func (s *Store) SetBundle(ctx context.Context, guid, bundle string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET bundle = ? WHERE guid = ?`, nullable(bundle), guid)
	if err != nil {
		return fmt.Errorf("update bundle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `guid, ts_unix_ns, kind, signal, description, thread_id, thread_name, callstack_crc, dir, bundle`

func (s *Store) Get(ctx context.Context, guid string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reports WHERE guid = ?`, guid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	where := []string{"1=1"}
	var args []any

	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM reports WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec        Record
		ts         int64
		signal     sql.NullInt64
		tid, crc   int64
		threadName sql.NullString
		bundle     sql.NullString
	)
	if err := sc.Scan(&rec.GUID, &ts, &rec.Kind, &signal, &rec.Description, &tid, &threadName, &crc, &rec.Dir, &bundle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan report: %w", err)
	}
	rec.Time = time.Unix(0, ts).UTC()
	rec.Signal = int(signal.Int64)
	rec.ThreadID = uint64(tid)
	rec.ThreadName = threadName.String
	rec.CallstackCRC = uint32(crc)
	rec.Bundle = bundle.String
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
