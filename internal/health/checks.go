package health

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/pkg/bus"
)

// Recorder is the part of the session coordinator that readiness reads.
type Recorder interface {
	State() coordinator.State
	Err() error
	Owner() string
}

var _ Recorder = (*coordinator.Coordinator)(nil)

// NotFaulted fails while the recorder is in the Faulted state.
func NotFaulted(r Recorder) Checker {
	return Checker{
		Name: "coordinator",
		Check: func(context.Context) error {
			if r.State() != coordinator.Faulted {
				return nil
			}
			if err := r.Err(); err != nil {
				return fmt.Errorf("faulted: %w", err)
			}
			return errors.New("faulted")
		},
	}
}

// Buses fails when a bus is held by anyone other than the recorder's
// current session or one of the named owners, which points at a leaked
// token.
func Buses(s *bus.Set, r Recorder, owners ...string) Checker {
	return Checker{
		Name: "buses",
		Check: func(context.Context) error {
			session := r.Owner()
			for _, id := range bus.All {
				holder := s.Guard(id).Holder()
				if holder == "" || holder == session || slices.Contains(owners, holder) {
					continue
				}
				return fmt.Errorf("%s held by %q", id, holder)
			}
			return nil
		},
	}
}
