package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/observe"
	"github.com/MrWong99/fieldrec/internal/resilience"
	"github.com/MrWong99/fieldrec/internal/wifi/mock"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// collector accepts connections and forwards decoded messages.
func collector(t *testing.T, msgs chan<- Message, accepted *atomic.Int32, maxPerConn int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		accepted.Add(1)
		for i := 0; maxPerConn <= 0 || i < maxPerConn; i++ {
			var m Message
			if err := wsjson.Read(r.Context(), conn, &m); err != nil {
				return
			}
			select {
			case msgs <- m:
			default:
			}
		}
		conn.Close(websocket.StatusNormalClosure, "enough")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, u *Uplink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func next(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message within timeout")
		return Message{}
	}
}

func snapshot() coordinator.Status {
	return coordinator.Status{State: coordinator.Running, SessionID: "abc", Frames: 42}
}

func TestUplink_SendsSnapshots(t *testing.T) {
	t.Parallel()
	msgs := make(chan Message, 16)
	var accepted atomic.Int32
	srv := collector(t, msgs, &accepted, 0)

	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	radio := &mock.Radio{}
	radio.SetUp(true)
	u := New(Config{
		URL:      wsURL(srv),
		DeviceID: "rec-01",
		Interval: 10 * time.Millisecond,
		Radio:    radio,
		Snapshot: snapshot,
		Metrics:  met,
	})
	run(t, u)

	first := next(t, msgs)
	second := next(t, msgs)
	if first.Type != "status" || first.DeviceID != "rec-01" {
		t.Errorf("first message = %+v", first)
	}
	if first.Status.State != coordinator.Running || first.Status.Frames != 42 {
		t.Errorf("status = %+v", first.Status)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq %d then %d, want increasing", first.Seq, second.Seq)
	}
	if !first.Link.Up() {
		t.Errorf("link = %+v, want connected", first.Link)
	}
	if accepted.Load() != 1 {
		t.Errorf("accepted %d connections, want 1", accepted.Load())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var sends int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "fieldrec.telemetry.sends" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				sends += dp.Value
			}
		}
	}
	if sends < 1 {
		t.Errorf("telemetry sends metric = %d, want >= 1", sends)
	}
}

func TestUplink_WaitsForLink(t *testing.T) {
	t.Parallel()
	msgs := make(chan Message, 16)
	var accepted atomic.Int32
	srv := collector(t, msgs, &accepted, 0)

	radio := &mock.Radio{ConnectError: errors.New("no ap")}
	u := New(Config{
		URL:      wsURL(srv),
		Interval: 10 * time.Millisecond,
		Radio:    radio,
		SSID:     "field",
		Snapshot: snapshot,
		Backoff:  resilience.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})
	run(t, u)

	time.Sleep(50 * time.Millisecond)
	if accepted.Load() != 0 {
		t.Fatalf("dialed %d times without a link", accepted.Load())
	}

	radio.SetUp(true)
	next(t, msgs)
}

func TestUplink_JoinsConfiguredNetwork(t *testing.T) {
	t.Parallel()
	msgs := make(chan Message, 16)
	var accepted atomic.Int32
	srv := collector(t, msgs, &accepted, 0)

	radio := &mock.Radio{}
	u := New(Config{
		URL:      wsURL(srv),
		Interval: 10 * time.Millisecond,
		Radio:    radio,
		SSID:     "field",
		Password: "secret",
		Snapshot: snapshot,
	})
	run(t, u)

	m := next(t, msgs)
	if m.Link.SSID != "field" {
		t.Errorf("link ssid = %q, want field", m.Link.SSID)
	}
}

func TestUplink_ReconnectsAfterClose(t *testing.T) {
	t.Parallel()
	msgs := make(chan Message, 16)
	var accepted atomic.Int32
	srv := collector(t, msgs, &accepted, 1)

	radio := &mock.Radio{}
	radio.SetUp(true)
	u := New(Config{
		URL:      wsURL(srv),
		Interval: 5 * time.Millisecond,
		Radio:    radio,
		Snapshot: snapshot,
		Backoff:  resilience.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})
	run(t, u)

	next(t, msgs)
	next(t, msgs)
	if got := accepted.Load(); got < 2 {
		t.Errorf("accepted %d connections, want >= 2", got)
	}
	if got := u.Stats().Connects; got < 2 {
		t.Errorf("Stats().Connects = %d, want >= 2", got)
	}
}

func TestUplink_SetInterval(t *testing.T) {
	t.Parallel()
	msgs := make(chan Message, 16)
	var accepted atomic.Int32
	srv := collector(t, msgs, &accepted, 0)

	radio := &mock.Radio{}
	radio.SetUp(true)
	u := New(Config{URL: wsURL(srv), Interval: time.Hour, Radio: radio, Snapshot: snapshot})
	run(t, u)

	next(t, msgs)
	u.SetInterval(5 * time.Millisecond)
	next(t, msgs)
	next(t, msgs)
	if u.Interval() != 5*time.Millisecond {
		t.Errorf("Interval() = %v", u.Interval())
	}
}

func TestUplink_DialFailureIsCounted(t *testing.T) {
	t.Parallel()
	radio := &mock.Radio{}
	radio.SetUp(true)
	u := New(Config{
		URL:          "ws://127.0.0.1:1/ingest",
		Radio:        radio,
		Snapshot:     snapshot,
		WriteTimeout: 100 * time.Millisecond,
		Backoff:      resilience.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})
	run(t, u)

	deadline := time.Now().Add(2 * time.Second)
	for u.Stats().Failed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dial failure never counted")
		}
		time.Sleep(time.Millisecond)
	}
}
