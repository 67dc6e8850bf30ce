// Package mock provides an in-memory [storage.Volume] with fault injection for
// use in unit tests.
//
// Files live in a map keyed by path. Each fault counter makes the next N calls
// of that kind fail with [ErrInjected] and then decrements; a negative value
// fails forever. Fault counters may be changed while a test runs.
//
// Typical usage:
//
//	vol := mock.NewVolume()
//	w := storage.NewWriter(storage.WriterConfig{Volume: vol, Guard: guard})
//	vol.SetFailSyncs(1)
//	err := w.Flush() // errors.Is(err, storage.ErrIO)
package mock

import (
	"errors"
	"os"
	"sync"

	"github.com/MrWong99/fieldrec/internal/storage"
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("mock volume: injected fault")

// Volume is an in-memory volume. It is safe for concurrent use.
type Volume struct {
	mu    sync.Mutex
	files map[string][]byte

	failCreates int
	failAppends int
	failWrites  int
	failSyncs   int

	// CallCountCreate records how many times Create was called.
	CallCountCreate int

	// CallCountOpenAppend records how many times OpenAppend was called.
	CallCountOpenAppend int

	// CallCountWrite records how many physical writes reached any file.
	CallCountWrite int

	// CallCountSync records how many times Sync was called on any file.
	CallCountSync int
}

var _ storage.Volume = (*Volume)(nil)

// NewVolume returns an empty volume.
func NewVolume() *Volume {
	return &Volume{files: make(map[string][]byte)}
}

// SetFailCreates makes the next n Create calls fail.
func (v *Volume) SetFailCreates(n int) { v.set(&v.failCreates, n) }

// SetFailAppends makes the next n OpenAppend calls fail.
func (v *Volume) SetFailAppends(n int) { v.set(&v.failAppends, n) }

// SetFailWrites makes the next n writes fail without writing anything.
func (v *Volume) SetFailWrites(n int) { v.set(&v.failWrites, n) }

// SetFailSyncs makes the next n syncs fail.
func (v *Volume) SetFailSyncs(n int) { v.set(&v.failSyncs, n) }

func (v *Volume) set(field *int, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	*field = n
}

// Counts returns the call counters under the volume lock.
func (v *Volume) Counts() (creates, appends, writes, syncs int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.CallCountCreate, v.CallCountOpenAppend, v.CallCountWrite, v.CallCountSync
}

// consume reports whether an injected fault fires. Caller holds v.mu.
func consume(field *int) bool {
	switch {
	case *field < 0:
		return true
	case *field > 0:
		*field--
		return true
	default:
		return false
	}
}

// Data returns a copy of the bytes stored at path and whether it exists.
func (v *Volume) Data(path string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.files[path]
	return append([]byte(nil), b...), ok
}

// Create implements [storage.Volume].
func (v *Volume) Create(path string) (storage.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountCreate++
	if consume(&v.failCreates) {
		return nil, ErrInjected
	}
	v.files[path] = nil
	return &file{vol: v, path: path}, nil
}

// OpenAppend implements [storage.Volume].
func (v *Volume) OpenAppend(path string) (storage.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountOpenAppend++
	if consume(&v.failAppends) {
		return nil, ErrInjected
	}
	if _, ok := v.files[path]; !ok {
		return nil, os.ErrNotExist
	}
	return &file{vol: v, path: path}, nil
}

type file struct {
	vol    *Volume
	path   string
	closed bool
}

func (f *file) Write(p []byte) (int, error) {
	v := f.vol
	v.mu.Lock()
	defer v.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if consume(&v.failWrites) {
		return 0, ErrInjected
	}
	v.CallCountWrite++
	v.files[f.path] = append(v.files[f.path], p...)
	return len(p), nil
}

func (f *file) Sync() error {
	v := f.vol
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountSync++
	if f.closed {
		return os.ErrClosed
	}
	if consume(&v.failSyncs) {
		return ErrInjected
	}
	return nil
}

func (f *file) Close() error {
	v := f.vol
	v.mu.Lock()
	defer v.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}
