package coordinator

import (
	"math"
	"time"
)

// Status is a snapshot of the coordinator and its current or most recent
// session.
type Status struct {
	State      State             `json:"state"`
	SessionID  string            `json:"session_id,omitempty"`
	Path       string            `json:"path,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	Elapsed    time.Duration     `json:"elapsed"`
	Frames     uint64            `json:"frames"`
	Bytes      int64             `json:"bytes"`
	Buffered   int               `json:"buffered_bytes"`
	Reopens    int               `json:"reopens"`
	Overruns   uint64            `json:"overruns"`
	Faults     int               `json:"faults"`
	Recoveries int               `json:"recoveries"`
	Level      float64           `json:"level"`
	LastError  string            `json:"last_error,omitempty"`
	Buses      map[string]string `json:"buses,omitempty"`
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	st := Status{
		State:      c.State(),
		Level:      math.Float64frombits(c.level.Load()),
		Overruns:   c.overruns.Load(),
		Faults:     c.faults.Faults(),
		Recoveries: c.faults.Recoveries(),
	}

	c.mu.Lock()
	s, lastErr := c.sess, c.lastErr
	c.mu.Unlock()
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if s != nil {
		st.SessionID = s.id
		st.Path = s.path
		st.StartedAt = s.started
		end := c.now()
		if n := s.ended.Load(); n != 0 {
			end = time.Unix(0, n)
		}
		st.Elapsed = end.Sub(s.started)

		fs := c.storage.Session()
		st.Frames = fs.Frames
		st.Bytes = fs.Durable
		st.Buffered = fs.Buffered
		st.Reopens = fs.Reopens
	}

	if c.buses != nil {
		holders := c.buses.Holders()
		st.Buses = make(map[string]string, len(holders))
		for id, owner := range holders {
			st.Buses[id.String()] = owner
		}
	}
	return st
}

// Subscribe returns a channel that receives a [Status] after every state
// change, and a function that unsubscribes and closes the channel. The
// channel buffers up to buf snapshots; a subscriber that falls further
// behind misses updates.
func (c *Coordinator) Subscribe(buf int) (<-chan Status, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan Status, buf)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Coordinator) notify(st Status) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
