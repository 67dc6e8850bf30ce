// Package storage appends captured audio frames to a file on the SD card's
// FAT volume.
//
// The [Writer] owns the SD bus token for the lifetime of a [FileSession]. It
// batches frames in memory and issues one physical write per batch, rejects
// frames that arrive out of sequence, and reports media failures as [ErrIO]
// so the session coordinator can run its recovery policy.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrSequence matches every [SequenceError].
	ErrSequence = errors.New("storage: frame out of sequence")

	// ErrIO reports a failed physical write, sync, create or reopen.
	ErrIO = errors.New("storage: media i/o failure")

	// ErrClosed is returned when no file session is open.
	ErrClosed = errors.New("storage: no open session")

	// ErrOpen is returned by Open while a session is already open.
	ErrOpen = errors.New("storage: session already open")
)

// SequenceError reports a frame whose sequence number does not exceed the last
// accepted one.
type SequenceError struct {
	Last uint64
	Got  uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("storage: frame out of sequence: got %d after %d", e.Got, e.Last)
}

// Is makes errors.Is(err, ErrSequence) match.
func (e *SequenceError) Is(target error) bool { return target == ErrSequence }

// File is one open output file on the volume.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Volume is the FAT volume behind the SD host.
type Volume interface {
	// Create creates or truncates path.
	Create(path string) (File, error)

	// OpenAppend opens an existing path for appending.
	OpenAppend(path string) (File, error)
}

// OSVolume maps volume paths below Root on the host filesystem.
type OSVolume struct {
	Root string
}

var _ Volume = OSVolume{}

// Create implements [Volume]. Missing parent directories are created.
func (v OSVolume) Create(path string) (File, error) {
	full, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// OpenAppend implements [Volume].
func (v OSVolume) OpenAppend(path string) (File, error) {
	full, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_APPEND|os.O_WRONLY, 0)
}

func (v OSVolume) resolve(path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("storage: path %q escapes the volume", path)
	}
	return filepath.Join(v.Root, path), nil
}
