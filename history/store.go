// Package history keeps a SQLite record of flash jobs and the last settings
// used on each port.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	diagterm "github.com/Pupariaa/DiagTerm"
)

var ErrNotFound = errors.New("not found")

var _ diagterm.JobRecorder = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// jobMetadata holds the request fields that are never queried on.
type jobMetadata struct {
	Adapter  diagterm.AdapterChip `json:"adapter,omitempty"`
	Address  string               `json:"address,omitempty"`
	BaudRate int                  `json:"baud_rate,omitempty"`
}

// RecordStart inserts a job row. It implements diagterm.JobRecorder.
func (s *Store) RecordStart(ctx context.Context, rec diagterm.JobRecord) error {
	meta, err := json.Marshal(jobMetadata{Adapter: rec.Adapter, Address: rec.Address, BaudRate: rec.BaudRate})
	if err != nil {
		return fmt.Errorf("encode job metadata: %w", err)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO flash_jobs(job_id, port, file, family, state, exit_code, metadata_json, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.Port, rec.File, string(rec.Family), string(rec.State), rec.ExitCode, string(meta), ts(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("insert flash job: %w", err)
	}
	return nil
}

// RecordFinish stores the terminal state of a job started with RecordStart.
func (s *Store) RecordFinish(ctx context.Context, rec diagterm.JobRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE flash_jobs SET
	state = ?,
	success = ?,
	exit_code = ?,
	progress = ?,
	attempts = ?,
	output_size = ?,
	error = ?,
	warning = ?,
	finished_at = ?
WHERE job_id = ?
`, string(rec.State), boolToInt(rec.Success), rec.ExitCode, rec.Progress, rec.Attempts, rec.OutputSize,
		nullableStr(rec.Error), nullableStr(rec.Warning), ts(rec.FinishedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update flash job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update flash job rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("flash job %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

const jobColumns = `job_id, port, file, family, state, success, exit_code, progress, attempts, output_size, error, warning, metadata_json, started_at, finished_at`

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (diagterm.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM flash_jobs WHERE job_id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return diagterm.JobRecord{}, fmt.Errorf("flash job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListJobs returns the newest jobs first. An empty port lists every port;
// limit <= 0 means 50.
func (s *Store) ListJobs(ctx context.Context, port string, limit int) ([]diagterm.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if port == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM flash_jobs ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM flash_jobs WHERE port = ? ORDER BY started_at DESC LIMIT ?`, port, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list flash jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []diagterm.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flash jobs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (diagterm.JobRecord, error) {
	var (
		rec                    diagterm.JobRecord
		family, state, started string
		success                int
		errText, warning, meta sql.NullString
		finished               sql.NullString
	)
	if err := sc.Scan(&rec.ID, &rec.Port, &rec.File, &family, &state, &success, &rec.ExitCode, &rec.Progress,
		&rec.Attempts, &rec.OutputSize, &errText, &warning, &meta, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan flash job: %w", err)
	}
	rec.Family = diagterm.DeviceFamily(family)
	rec.State = diagterm.FlashState(state)
	rec.Success = success != 0
	rec.Error = errText.String
	rec.Warning = warning.String

	if meta.Valid && meta.String != "" {
		var m jobMetadata
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return rec, fmt.Errorf("decode job metadata: %w", err)
		}
		rec.Adapter, rec.Address, rec.BaudRate = m.Adapter, m.Address, m.BaudRate
	}

	var err error
	if rec.StartedAt, err = parseTS(started); err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		if rec.FinishedAt, err = parseTS(finished.String); err != nil {
			return rec, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return rec, nil
}

// PortPreference is the last rate and target picked for a port.
type PortPreference struct {
	Path      string                `json:"path"`
	BaudRate  int                   `json:"baud_rate"`
	Family    diagterm.DeviceFamily `json:"family,omitempty"`
	Adapter   diagterm.AdapterChip  `json:"adapter,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (s *Store) SavePortPreference(ctx context.Context, p PortPreference) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO port_preferences(path, baud_rate, family, adapter, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	baud_rate=excluded.baud_rate,
	family=CASE WHEN excluded.family = '' THEN port_preferences.family ELSE excluded.family END,
	adapter=CASE WHEN excluded.adapter = '' THEN port_preferences.adapter ELSE excluded.adapter END,
	updated_at=excluded.updated_at
`, p.Path, p.BaudRate, string(p.Family), string(p.Adapter), ts(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert port preference: %w", err)
	}
	return nil
}

func (s *Store) PortPreference(ctx context.Context, path string) (PortPreference, error) {
	var (
		p               PortPreference
		family, adapter string
		updated         string
	)
	err := s.db.QueryRowContext(ctx, `SELECT path, baud_rate, family, adapter, updated_at FROM port_preferences WHERE path = ?`, path).
		Scan(&p.Path, &p.BaudRate, &family, &adapter, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return PortPreference{}, fmt.Errorf("port preference %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return PortPreference{}, fmt.Errorf("get port preference: %w", err)
	}
	p.Family = diagterm.DeviceFamily(family)
	p.Adapter = diagterm.AdapterChip(adapter)
	if p.UpdatedAt, err = parseTS(updated); err != nil {
		return PortPreference{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
