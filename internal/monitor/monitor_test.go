package monitor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/framesync/internal/monitor"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/meter"
	"github.com/MrWong99/framesync/pkg/frameclock"
	"github.com/MrWong99/framesync/pkg/notify"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type recordingFeeder struct {
	mu      sync.Mutex
	packets [][]byte
}

func (f *recordingFeeder) Feed(pkt []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, pkt)
	return true
}

func (f *recordingFeeder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	hub    *monitor.Hub
	srv    *monitor.Server
	http   *httptest.Server
	feeder *recordingFeeder
}

func startServer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{feeder: &recordingFeeder{}}
	f.hub = monitor.NewHub(monitor.WithQueueSize(8), monitor.WithMetrics(testMetrics(t)))
	f.srv = monitor.NewServer(f.hub,
		func(node string) (monitor.Feeder, bool) {
			if node == "dec" {
				return f.feeder, true
			}
			return nil, false
		},
		func() any { return map[string]int64{"frame_count": 7} },
		testMetrics(t),
	)
	mux := http.NewServeMux()
	f.srv.Register(mux)
	f.http = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.srv.Close()
		f.hub.Close()
		f.http.Close()
	})
	return f
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) monitor.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var m monitor.Message
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("wsjson.Read: %v", err)
	}
	return m
}

// ── Telemetry ─────────────────────────────────────────────────────────────────

func TestTelemetry_StreamsMessages(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/telemetry"))
	waitFor(t, func() bool { return f.hub.Clients() == 1 })

	f.hub.Publish(monitor.FromLevel(meter.Level{Node: "vu", FrameCount: 3, DBFS: -6}))

	m := readMessage(t, conn)
	if m.Type != monitor.TypeLevel || m.Level == nil {
		t.Fatalf("message = %+v, want level", m)
	}
	if m.Level.Node != "vu" || m.Level.FrameCount != 3 || m.Level.DBFS != -6 {
		t.Errorf("level = %+v", *m.Level)
	}
}

func TestTelemetry_TypeFilter(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/telemetry?types=clock"))
	waitFor(t, func() bool { return f.hub.Clients() == 1 })

	f.hub.Publish(monitor.FromLevel(meter.Level{Node: "vu"}))
	f.hub.Publish(monitor.FromClockEvent(frameclock.Event{
		Type: frameclock.EventFrame,
		Info: frameclock.FrameInfo{FrameCount: 12, AbsoluteTimeMs: 1000, PreciseTime: time.Now()},
	}))

	m := readMessage(t, conn)
	if m.Type != monitor.TypeClock || m.Clock == nil {
		t.Fatalf("message = %+v, want clock (level filtered out)", m)
	}
	if m.Clock.Event != "frame" || m.Clock.FrameCount != 12 || m.Clock.AbsoluteTimeMs != 1000 {
		t.Errorf("clock = %+v", *m.Clock)
	}
}

func TestTelemetry_HubCloseEndsStream(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/telemetry"))
	waitFor(t, func() bool { return f.hub.Clients() == 1 })

	f.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v (err %v), want StatusGoingAway", got, err)
	}
}

func TestTelemetry_ClientDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/telemetry"))
	waitFor(t, func() bool { return f.hub.Clients() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return f.hub.Clients() == 0 })
}

// ── Ingest ────────────────────────────────────────────────────────────────────

func TestIngest_FeedsPackets(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/ingest/dec"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, pkt := range [][]byte{{1, 2, 3}, {4, 5}} {
		if err := conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitFor(t, func() bool { return f.feeder.count() == 2 })

	f.feeder.mu.Lock()
	defer f.feeder.mu.Unlock()
	if string(f.feeder.packets[1]) != string([]byte{4, 5}) {
		t.Errorf("second packet = %v", f.feeder.packets[1])
	}
}

func TestIngest_TextRejected(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/ingest/dec"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusUnsupportedData {
		t.Fatalf("close status = %v (err %v), want StatusUnsupportedData", got, err)
	}
}

func TestIngest_UnknownNode(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	resp, err := http.Get(f.http.URL + "/ws/ingest/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestServerClose_EndsIngest(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	conn := dial(t, wsURL(f.http, "/ws/ingest/dec"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, func() bool { return f.feeder.count() == 1 })

	f.srv.Close()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the connection to end after Close")
	}
}

// ── Status and conversion ─────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	t.Parallel()
	f := startServer(t)

	resp, err := http.Get(f.http.URL + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestForward(t *testing.T) {
	t.Parallel()

	hub := monitor.NewHub()
	defer hub.Close()
	client := hub.Subscribe()

	buf := ringbuf.New(4, ringbuf.WithName("noise:0"))
	src := buf.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Forward(ctx, hub, src, monitor.FromFrameWritten)
		close(done)
	}()

	buf.Push(audio.AudioFrame{
		Data:          audio.Int16sToBytes([]int16{1, 2, 3}),
		SampleRate:    48000,
		Channels:      1,
		BitsPerSample: 16,
		Timestamp:     9,
	})

	select {
	case m := <-client.C():
		if m.Type != monitor.TypeBuffer || m.Buffer.Buffer != "noise:0" || m.Buffer.Timestamp != 9 || m.Buffer.Samples != 3 {
			t.Fatalf("message = %+v / %+v", m, m.Buffer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message forwarded")
	}

	cancel()
	<-done
}

func TestForward_SourceClosed(t *testing.T) {
	t.Parallel()

	hub := monitor.NewHub()
	defer hub.Close()
	src := notify.New[int]()
	sub := src.Subscribe(1)

	done := make(chan struct{})
	go func() {
		monitor.Forward(context.Background(), hub, sub, func(int) monitor.Message { return monitor.Message{} })
		close(done)
	}()
	src.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Forward did not return after its source closed")
	}
}
