package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// sqlite driver
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores usage state in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps transactions serialized on a single file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS key_usage (
		api_key        TEXT PRIMARY KEY,
		total_requests INTEGER NOT NULL DEFAULT 0,
		today_requests INTEGER NOT NULL DEFAULT 0,
		last_used      TEXT,
		last_reset     TEXT,
		next_reset     TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load reads every row. Returns ErrNoState if the table is empty.
func (b *SQLiteBackend) Load(ctx context.Context) (map[string]*Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT api_key, total_requests, today_requests,
		last_used, last_reset, next_reset FROM key_usage`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	records := make(map[string]*Record)
	for rows.Next() {
		var (
			key                            string
			rec                            Record
			lastUsed, lastReset, nextReset sql.NullString
		)
		if err := rows.Scan(&key, &rec.TotalRequests, &rec.TodayRequests, &lastUsed, &lastReset, &nextReset); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.TodayRequests = max(rec.TodayRequests, 0)
		rec.LastUsed, _ = parseTimestamp(nullString(lastUsed))
		rec.LastReset, _ = parseTimestamp(nullString(lastReset))
		var ok bool
		rec.NextReset, ok = parseTimestamp(nullString(nextReset))
		rec.resetInvalid = !ok
		records[key] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoState
	}
	return records, nil
}

// Save replaces the table contents in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, records map[string]*Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_usage`); err != nil {
		return fmt.Errorf("clear usage: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO key_usage
		(api_key, total_requests, today_requests, last_used, last_reset, next_reset)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for key, rec := range records {
		if _, err := stmt.ExecContext(ctx, key, rec.TotalRequests, rec.TodayRequests,
			toNullString(formatTimestamp(rec.LastUsed)),
			toNullString(formatTimestamp(rec.LastReset)),
			toNullString(formatTimestamp(rec.NextReset)),
		); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
