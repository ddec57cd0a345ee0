package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qtoggle/qtoggleserver/errors"
)

func init() {
	RegisterDriver("sqlite", func(params map[string]any, logger *slog.Logger) (Driver, error) {
		path, _ := params["path"].(string)
		if path == "" {
			path = "qtoggleserver.db"
		}
		return NewSqliteDriver(path, logger)
	})
}

// SqliteDriver stores records as JSON documents and samples in a
// dedicated time-indexed table. WAL mode keeps the single writer from
// blocking API readers.
type SqliteDriver struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSqliteDriver opens (or creates) the database at path and
// initializes the schema.
func NewSqliteDriver(path string, logger *slog.Logger) (*SqliteDriver, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SqliteDriver", "New", "open database")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	d := &SqliteDriver{db: db, logger: logger}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SqliteDriver", "New", "migrate schema")
	}
	return d, nil
}

func (d *SqliteDriver) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		coll TEXT NOT NULL,
		id   TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (coll, id)
	);

	CREATE TABLE IF NOT EXISTS samples (
		coll         TEXT NOT NULL,
		port_id      TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		value        REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_lookup
		ON samples(coll, port_id, timestamp_ms);
	`
	_, err := d.db.Exec(schema)
	return err
}

// GetValue implements Driver.
func (d *SqliteDriver) GetValue(ctx context.Context, key string) (any, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SetValue implements Driver.
func (d *SqliteDriver) SetValue(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	return err
}

// RemoveValue implements Driver.
func (d *SqliteDriver) RemoveValue(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Get implements Driver.
func (d *SqliteDriver) Get(ctx context.Context, coll, id string) (Record, error) {
	var raw string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE coll = ? AND id = ?`, coll, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Insert implements Driver.
func (d *SqliteDriver) Insert(ctx context.Context, coll string, record Record) (string, error) {
	id, _ := record["id"].(string)
	if id == "" {
		id = newRecordID()
	}
	stored := cloneRecord(record)
	stored["id"] = id

	raw, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO records (coll, id, data) VALUES (?, ?, ?)`, coll, id, string(raw))
	if err != nil {
		return "", err
	}
	return id, nil
}

// Replace implements Driver (upsert).
func (d *SqliteDriver) Replace(ctx context.Context, coll, id string, record Record) error {
	stored := cloneRecord(record)
	stored["id"] = id
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO records (coll, id, data) VALUES (?, ?, ?)
		 ON CONFLICT(coll, id) DO UPDATE SET data = excluded.data`, coll, id, string(raw))
	return err
}

// Query implements Driver. Filtering happens on the decoded documents;
// collections here are small (ports, slaves, panels), the heavy data
// lives in the samples table.
func (d *SqliteDriver) Query(ctx context.Context, coll string, filter map[string]any, fields []string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT data FROM records WHERE coll = ? ORDER BY id`, coll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		if filter != nil && !matchFilter(record, filter) {
			continue
		}
		results = append(results, projectRecord(record, fields))
	}
	return results, rows.Err()
}

// Remove implements Driver.
func (d *SqliteDriver) Remove(ctx context.Context, coll string, filter map[string]any) (int, error) {
	if filter == nil {
		res, err := d.db.ExecContext(ctx, `DELETE FROM records WHERE coll = ?`, coll)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	matching, err := d.Query(ctx, coll, filter, []string{"id"})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range matching {
		id, _ := record["id"].(string)
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM records WHERE coll = ? AND id = ?`, coll, id)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// SaveSample implements SamplesDriver.
func (d *SqliteDriver) SaveSample(ctx context.Context, coll, portID string, timestampMS int64, value float64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO samples (coll, port_id, timestamp_ms, value) VALUES (?, ?, ?, ?)`,
		coll, portID, timestampMS, value)
	return err
}

// GetSamplesSlice implements SamplesDriver.
func (d *SqliteDriver) GetSamplesSlice(ctx context.Context, coll, portID string,
	fromMS, toMS *int64, limit int, desc bool) ([]Sample, error) {

	query := `SELECT timestamp_ms, value FROM samples WHERE coll = ? AND port_id = ?`
	args := []any{coll, portID}
	if fromMS != nil {
		query += ` AND timestamp_ms >= ?`
		args = append(args, *fromMS)
	}
	if toMS != nil {
		query += ` AND timestamp_ms <= ?`
		args = append(args, *toMS)
	}
	if desc {
		query += ` ORDER BY timestamp_ms DESC`
	} else {
		query += ` ORDER BY timestamp_ms ASC`
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Timestamp, &s.Value); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// GetSamplesByTimestamp implements SamplesDriver.
func (d *SqliteDriver) GetSamplesByTimestamp(ctx context.Context, coll, portID string,
	timestamps []int64) ([]*float64, error) {

	results := make([]*float64, len(timestamps))
	for i, ts := range timestamps {
		var value float64
		err := d.db.QueryRowContext(ctx,
			`SELECT value FROM samples WHERE coll = ? AND port_id = ? AND timestamp_ms <= ?
			 ORDER BY timestamp_ms DESC LIMIT 1`, coll, portID, ts).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		v := value
		results[i] = &v
	}
	return results, nil
}

// RemoveSamples implements SamplesDriver.
func (d *SqliteDriver) RemoveSamples(ctx context.Context, coll string, portIDs []string,
	fromMS, toMS *int64) (int, error) {

	query := `DELETE FROM samples WHERE coll = ?`
	args := []any{coll}
	if portIDs != nil {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(portIDs)), ",")
		query += ` AND port_id IN (` + placeholders + `)`
		for _, id := range portIDs {
			args = append(args, id)
		}
	}
	if fromMS != nil {
		query += ` AND timestamp_ms >= ?`
		args = append(args, *fromMS)
	}
	if toMS != nil {
		query += ` AND timestamp_ms <= ?`
		args = append(args, *toMS)
	}

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EnsureIndex implements SamplesDriver; the lookup index is created at
// migration time.
func (d *SqliteDriver) EnsureIndex(_ context.Context, _ string) error {
	return nil
}

// Close implements Driver.
func (d *SqliteDriver) Close() error {
	return d.db.Close()
}
