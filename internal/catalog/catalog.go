// Package catalog records one entry per recording session: where the audio
// went, how it was captured and how the session ended.
//
// Three [Store] implementations are provided: [MemStore] for tests and
// diskless units, [SQLiteStore] for an on-device database next to the
// recordings, and [PostgresStore] for units that report to a shared server.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("catalog: recording not found")

// Outcome is how a recording session ended.
type Outcome string

const (
	// OutcomeRecording marks a session that has not finished yet.
	OutcomeRecording Outcome = "recording"

	// OutcomeComplete marks a session that was stopped normally.
	OutcomeComplete Outcome = "complete"

	// OutcomeFaulted marks a session ended by a fatal fault.
	OutcomeFaulted Outcome = "faulted"
)

// Recording is one catalog entry.
type Recording struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	StartedAt     time.Time `json:"started_at"`
	SampleRate    int       `json:"sample_rate"`
	BitsPerSample int       `json:"bits_per_sample"`
	Channels      int       `json:"channels"`
	FrameSize     int       `json:"frame_size"`

	// Fields below are filled in by Finish.
	EndedAt  time.Time `json:"ended_at,omitzero"`
	Frames   uint64    `json:"frames"`
	Bytes    int64     `json:"bytes"`
	Overruns uint64    `json:"overruns"`
	Faults   int       `json:"faults"`
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// Summary is what is known about a session when it ends.
type Summary struct {
	EndedAt  time.Time
	Frames   uint64
	Bytes    int64
	Overruns uint64
	Faults   int
	Outcome  Outcome
	Error    string
}

// Store persists recordings. Implementations must be safe for concurrent use.
type Store interface {
	// Begin adds r with outcome [OutcomeRecording].
	Begin(ctx context.Context, r Recording) error

	// Finish applies s to the recording with the given id.
	Finish(ctx context.Context, id string, s Summary) error

	// Get returns the recording with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Recording, error)

	// List returns up to limit recordings, newest first. A limit <= 0 means
	// no limit.
	List(ctx context.Context, limit int) ([]Recording, error)

	// Close releases the store's resources.
	Close() error
}

// apply copies s onto r.
func (s Summary) apply(r *Recording) {
	r.EndedAt = s.EndedAt
	r.Frames = s.Frames
	r.Bytes = s.Bytes
	r.Overruns = s.Overruns
	r.Faults = s.Faults
	r.Outcome = s.Outcome
	r.Error = s.Error
}
