package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/pkg/bus"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode(t, rec)
	if body.Status != "ok" || body.Uptime == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("boom") }

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{"no checkers", nil, http.StatusOK, nil},
		{
			"all pass",
			[]Checker{{"a", ok}, {"b", ok}},
			http.StatusOK,
			map[string]string{"a": "ok", "b": "ok"},
		},
		{
			"one fails",
			[]Checker{{"a", fail}, {"b", ok}},
			http.StatusServiceUnavailable,
			map[string]string{"a": "fail: boom", "b": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			for name, want := range tt.want {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CheckerHasDeadline(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

type fakeRecorder struct {
	state coordinator.State
	err   error
	owner string
}

func (f *fakeRecorder) State() coordinator.State { return f.state }
func (f *fakeRecorder) Err() error               { return f.err }
func (f *fakeRecorder) Owner() string            { return f.owner }

func TestNotFaulted(t *testing.T) {
	t.Parallel()
	r := &fakeRecorder{state: coordinator.Running}
	c := NotFaulted(r)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("running: %v", err)
	}

	r.state = coordinator.Faulted
	r.err = coordinator.ErrFaulted
	err := c.Check(context.Background())
	if !errors.Is(err, coordinator.ErrFaulted) {
		t.Errorf("faulted: err = %v, want ErrFaulted", err)
	}

	r.err = nil
	if err := c.Check(context.Background()); err == nil {
		t.Error("faulted without error passed")
	}
}

func TestBuses(t *testing.T) {
	t.Parallel()
	set := bus.NewSet(10 * time.Millisecond)
	r := &fakeRecorder{owner: "session/abcd1234"}
	c := Buses(set, r, "display")

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("all free: %v", err)
	}

	sd, err := set.Acquire(context.Background(), bus.SD, "session/abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	spi, err := set.Acquire(context.Background(), bus.SPI, "display")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("expected owners: %v", err)
	}
	sd.Release()
	spi.Release()

	leak, err := set.Acquire(context.Background(), bus.I2S, "session/deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	defer leak.Release()
	err = c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "session/deadbeef") {
		t.Errorf("leaked token: err = %v", err)
	}
}
