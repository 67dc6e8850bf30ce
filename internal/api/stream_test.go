package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/fieldrec/internal/coordinator"
)

func dialStream(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) coordinator.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var st coordinator.Status
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read: %v", err)
	}
	return st
}

func TestStream_PushesStateChanges(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{status: coordinator.Status{State: coordinator.Idle}}
	conn := dialStream(t, newServer(t, rec, nil, time.Hour))

	if st := readStatus(t, conn); st.State != coordinator.Idle {
		t.Fatalf("initial state = %s, want idle", st.State)
	}

	// The handler subscribes before sending the initial snapshot.
	if rec.subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", rec.subscribers())
	}
	rec.publish(coordinator.Status{State: coordinator.Starting})
	rec.publish(coordinator.Status{State: coordinator.Running, SessionID: "abc"})

	if st := readStatus(t, conn); st.State != coordinator.Starting {
		t.Errorf("state = %s, want starting", st.State)
	}
	st := readStatus(t, conn)
	if st.State != coordinator.Running || st.SessionID != "abc" {
		t.Errorf("status = %+v, want running abc", st)
	}
}

func TestStream_PeriodicPush(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{status: coordinator.Status{State: coordinator.Running, Frames: 3}}
	conn := dialStream(t, newServer(t, rec, nil, 10*time.Millisecond))

	for range 3 {
		if st := readStatus(t, conn); st.Frames != 3 {
			t.Errorf("frames = %d, want 3", st.Frames)
		}
	}
}
