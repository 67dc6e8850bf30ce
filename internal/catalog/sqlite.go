package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the catalog in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it. Use
// ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: open: %w", err)
	}
	// One writer; for ":memory:" this also keeps every query on the same
	// database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite catalog: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite catalog: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Begin implements [Store].
func (s *SQLiteStore) Begin(ctx context.Context, r Recording) error {
	const q = `
		INSERT INTO recordings
		    (id, path, started_at, sample_rate, bits_per_sample, channels, frame_size, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.Path, r.StartedAt.UnixNano(),
		r.SampleRate, r.BitsPerSample, r.Channels, r.FrameSize,
		string(OutcomeRecording),
	)
	if err != nil {
		return fmt.Errorf("sqlite catalog: begin %s: %w", r.ID, err)
	}
	return nil
}

// Finish implements [Store].
func (s *SQLiteStore) Finish(ctx context.Context, id string, sum Summary) error {
	const q = `
		UPDATE recordings
		SET    ended_at = ?, frames = ?, bytes = ?, overruns = ?, faults = ?, outcome = ?, error = ?
		WHERE  id = ?`
	res, err := s.db.ExecContext(ctx, q,
		sum.EndedAt.UnixNano(), int64(sum.Frames), sum.Bytes, int64(sum.Overruns),
		sum.Faults, string(sum.Outcome), sum.Error, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite catalog: finish %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteColumns = `id, path, started_at, sample_rate, bits_per_sample, channels, frame_size,
	ended_at, frames, bytes, overruns, faults, outcome, error`

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM recordings WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("sqlite catalog: get %s: %w", id, err)
	}
	return r, nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM recordings ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite catalog: list: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements [Store].
func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc scanner) (Recording, error) {
	var (
		r                Recording
		started, ended   int64
		frames, overruns int64
		outcome          string
	)
	err := sc.Scan(
		&r.ID, &r.Path, &started, &r.SampleRate, &r.BitsPerSample, &r.Channels, &r.FrameSize,
		&ended, &frames, &r.Bytes, &overruns, &r.Faults, &outcome, &r.Error,
	)
	if err != nil {
		return Recording{}, err
	}
	r.StartedAt = time.Unix(0, started)
	if ended != 0 {
		r.EndedAt = time.Unix(0, ended)
	}
	r.Frames = uint64(frames)
	r.Overruns = uint64(overruns)
	r.Outcome = Outcome(outcome)
	return r, nil
}
