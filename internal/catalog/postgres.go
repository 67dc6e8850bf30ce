package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps the catalog in a PostgreSQL database shared by several
// recorders. All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, checks the connection and runs
// [MigratePostgres].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres creates the recordings table if it does not exist.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		return fmt.Errorf("postgres catalog: migrate: %w", err)
	}
	return nil
}

// Begin implements [Store].
func (s *PostgresStore) Begin(ctx context.Context, r Recording) error {
	const q = `
		INSERT INTO recordings
		    (id, path, started_at, sample_rate, bits_per_sample, channels, frame_size, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.Path, r.StartedAt,
		r.SampleRate, r.BitsPerSample, r.Channels, r.FrameSize,
		string(OutcomeRecording),
	)
	if err != nil {
		return fmt.Errorf("postgres catalog: begin %s: %w", r.ID, err)
	}
	return nil
}

// Finish implements [Store].
func (s *PostgresStore) Finish(ctx context.Context, id string, sum Summary) error {
	const q = `
		UPDATE recordings
		SET    ended_at = $1, frames = $2, bytes = $3, overruns = $4, faults = $5, outcome = $6, error = $7
		WHERE  id = $8`
	tag, err := s.pool.Exec(ctx, q,
		sum.EndedAt, int64(sum.Frames), sum.Bytes, int64(sum.Overruns),
		sum.Faults, string(sum.Outcome), sum.Error, id,
	)
	if err != nil {
		return fmt.Errorf("postgres catalog: finish %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgColumns = `id, path, started_at, sample_rate, bits_per_sample, channels, frame_size,
	ended_at, frames, bytes, overruns, faults, outcome, error`

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Recording, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM recordings WHERE id = $1`, id)
	if err != nil {
		return Recording{}, fmt.Errorf("postgres catalog: get %s: %w", id, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanPostgres)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("postgres catalog: get %s: %w", id, err)
	}
	return r, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Recording, error) {
	q := `SELECT ` + pgColumns + ` FROM recordings ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanPostgres)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: list: %w", err)
	}
	return recs, nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.CollectableRow) (Recording, error) {
	var (
		r                Recording
		ended            *time.Time
		frames, overruns int64
		outcome          string
	)
	err := row.Scan(
		&r.ID, &r.Path, &r.StartedAt, &r.SampleRate, &r.BitsPerSample, &r.Channels, &r.FrameSize,
		&ended, &frames, &r.Bytes, &overruns, &r.Faults, &outcome, &r.Error,
	)
	if err != nil {
		return Recording{}, err
	}
	if ended != nil {
		r.EndedAt = *ended
	}
	r.Frames = uint64(frames)
	r.Overruns = uint64(overruns)
	r.Outcome = Outcome(outcome)
	return r, nil
}
