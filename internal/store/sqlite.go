package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	name      TEXT    NOT NULL,
	value     REAL    NOT NULL DEFAULT 0,
	str_value TEXT    NOT NULL DEFAULT '',
	is_str    INTEGER NOT NULL DEFAULT 0,
	ts_ms     INTEGER NOT NULL,
	labels    TEXT    NOT NULL DEFAULT '',
	unit      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_samples_name_ts ON samples(name, ts_ms);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_ms);
`

// SQLiteStore is the persistent backend: a single database file in WAL mode.
// Insertion order is the implicit rowid, which breaks ties between samples
// with equal timestamps.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read user_version: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set user_version: %w", err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Store(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (name, value, str_value, is_str, ts_ms, labels, unit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sm := range samples {
		isStr := 0
		if sm.IsString {
			isStr = 1
		}
		if _, err := stmt.ExecContext(ctx, sm.Name, sm.Value, sm.StrValue, isStr,
			sm.Timestamp.UnixMilli(), encodeLabels(sm.Labels), sm.Unit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// scanRows reads sample rows (name, value, str_value, is_str, ts_ms, labels,
// unit) into Samples, filtering by the label subset in Go.
func scanRows(rows *sql.Rows, want map[string]string) ([]Sample, error) {
	var out []Sample
	for rows.Next() {
		var sm Sample
		var isStr int
		var tsMs int64
		var labels string
		if err := rows.Scan(&sm.Name, &sm.Value, &sm.StrValue, &isStr, &tsMs, &labels, &sm.Unit); err != nil {
			return nil, err
		}
		sm.IsString = isStr != 0
		sm.Timestamp = time.UnixMilli(tsMs)
		sm.Labels = decodeLabels(labels)
		if !labelsMatch(sm.Labels, want) {
			continue
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Sample, error) {
	query := `SELECT name, value, str_value, is_str, ts_ms, labels, unit FROM samples WHERE 1=1`
	var args []any
	if q.Name != "" {
		query += ` AND name = ?`
		args = append(args, q.Name)
	}
	if !q.Start.IsZero() {
		query += ` AND ts_ms >= ?`
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		query += ` AND ts_ms <= ?`
		args = append(args, q.End.UnixMilli())
	}
	query += ` ORDER BY ts_ms, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanRows(rows, q.Labels)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *SQLiteStore) QueryLatest(ctx context.Context, name string, labels map[string]string) (*Sample, error) {
	// Label filters are subset matches, so they cannot be pushed into SQL on
	// the encoded column. Walk newest-first and stop at the first match; the
	// (name, ts_ms) index keeps the scan incremental.
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, str_value, is_str, ts_ms, labels, unit FROM samples
		 WHERE name = ? ORDER BY ts_ms DESC, rowid DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sm Sample
		var isStr int
		var tsMs int64
		var enc string
		if err := rows.Scan(&sm.Name, &sm.Value, &sm.StrValue, &isStr, &tsMs, &enc, &sm.Unit); err != nil {
			return nil, err
		}
		sm.IsString = isStr != 0
		sm.Timestamp = time.UnixMilli(tsMs)
		sm.Labels = decodeLabels(enc)
		if !labelsMatch(sm.Labels, labels) {
			continue
		}
		return &sm, nil
	}
	return nil, rows.Err()
}

func (s *SQLiteStore) QueryRange(ctx context.Context, name string, start, end time.Time, step time.Duration, labels map[string]string, agg Aggregation) ([]RangePoint, error) {
	samples, err := s.Query(ctx, Query{Name: name, Start: start, End: end, Labels: labels})
	if err != nil {
		return nil, err
	}
	return bucketize(samples, start, end, step, agg), nil
}

func (s *SQLiteStore) MetricNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM samples ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) distinctLabels(ctx context.Context, name string) ([]map[string]string, error) {
	query := `SELECT DISTINCT labels FROM samples`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var enc string
		if err := rows.Scan(&enc); err != nil {
			return nil, err
		}
		out = append(out, decodeLabels(enc))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LabelKeys(ctx context.Context, name string) ([]string, error) {
	sets, err := s.distinctLabels(ctx, name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, labels := range sets {
		for k := range labels {
			seen[k] = true
		}
	}
	return sortedKeys(seen), nil
}

func (s *SQLiteStore) LabelValues(ctx context.Context, key, name string) ([]string, error) {
	sets, err := s.distinctLabels(ctx, name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, labels := range sets {
		if v, ok := labels[key]; ok {
			seen[v] = true
		}
	}
	return sortedKeys(seen), nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context, name string, agg Aggregation, start, end time.Time, interval time.Duration, labels map[string]string) ([]AggPoint, error) {
	points, err := s.QueryRange(ctx, name, start, end, interval, labels, agg)
	if err != nil {
		return nil, err
	}
	var out []AggPoint
	for _, p := range points {
		if p.Value != nil {
			out = append(out, AggPoint{Timestamp: p.Timestamp, Value: *p.Value})
		}
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, f DeleteFilter) (int, error) {
	// Label filters and per-series keep counts need series granularity, so
	// deletion walks the distinct (name, labels) pairs.
	if len(f.Labels) > 0 || f.KeepAtLeast > 0 {
		return s.deletePerSeries(ctx, f)
	}

	query := `DELETE FROM samples WHERE ts_ms < ?`
	args := []any{f.Before.UnixMilli()}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) deletePerSeries(ctx context.Context, f DeleteFilter) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name, labels FROM samples`)
	if err != nil {
		return 0, err
	}
	type key struct{ name, labels string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.name, &k.labels); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, k := range keys {
		if f.Name != "" && k.name != f.Name {
			continue
		}
		if !labelsMatch(decodeLabels(k.labels), f.Labels) {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM samples WHERE name = ? AND labels = ? AND ts_ms < ?
			 AND rowid NOT IN (
				SELECT rowid FROM samples WHERE name = ? AND labels = ?
				ORDER BY ts_ms DESC, rowid DESC LIMIT ?
			 )`,
			k.name, k.labels, f.Before.UnixMilli(), k.name, k.labels, f.KeepAtLeast)
		if err != nil {
			return deleted, fmt.Errorf("delete series %s: %w", k.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT name), COALESCE(MIN(ts_ms), 0), COALESCE(MAX(ts_ms), 0) FROM samples`)
	var oldest, newest int64
	if err := row.Scan(&st.Points, &st.Metrics, &oldest, &newest); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT DISTINCT name, labels FROM samples)`).Scan(&st.Series); err != nil {
		return st, err
	}
	if oldest > 0 {
		st.OldestTime = time.UnixMilli(oldest)
	}
	if newest > 0 {
		st.NewestTime = time.UnixMilli(newest)
	}
	return st, nil
}
