package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHealthSource struct {
	snap HealthSnapshot
}

func (f *fakeHealthSource) Snapshot() HealthSnapshot { return f.snap }

type recordingServer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.calls = append(r.calls, req.URL.Path)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (r *recordingServer) pathCalls(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == path {
			n++
		}
	}
	return n
}

func TestPublishHealth_PostsSnapshot(t *testing.T) {
	var received HealthSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	health := &fakeHealthSource{snap: HealthSnapshot{
		DetectorState: "IDLE",
		Devices:       []DeviceHealth{{DeviceNumber: 1, State: "READY"}},
	}}

	p := New(Config{HealthURL: srv.URL, RequestTimeout: time.Second}, testLogger(), health, nil)
	p.PublishHealth(context.Background())

	if received.DetectorState != "IDLE" {
		t.Fatalf("expected detector state IDLE, got %q", received.DetectorState)
	}
	if len(received.Devices) != 1 || received.Devices[0].DeviceNumber != 1 {
		t.Fatalf("unexpected devices in payload: %+v", received.Devices)
	}
}

func TestPublishHealth_FailureIncrementsCounter(t *testing.T) {
	health := &fakeHealthSource{}
	p := New(Config{HealthURL: "http://127.0.0.1:0", RequestTimeout: 100 * time.Millisecond}, testLogger(), health, nil)

	p.PublishHealth(context.Background())

	if got := p.Counters().HealthFailures; got != 1 {
		t.Fatalf("expected 1 health failure, got %d", got)
	}
}

func TestPublishEventStartEndDeviceSummary(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	p := New(Config{
		EventBaseURL:    srv.URL,
		EventStartPath:  "/start",
		EventEndPath:    "/end",
		EventDevicePath: "/device",
		RequestTimeout:  time.Second,
	}, testLogger(), nil, nil)

	ctx := context.Background()
	p.PublishEventStart(ctx, "evt1", 1, time.Now())
	p.PublishEventDeviceSummary(ctx, "evt1", 1)
	p.PublishEventDeviceSummary(ctx, "evt1", 2)
	p.PublishEventEnd(ctx, WrittenEvent{EventID: "evt1", DeviceNumberList: []int{1, 2}})

	if rec.pathCalls("/start") != 1 {
		t.Fatalf("expected 1 call to /start, got %d", rec.pathCalls("/start"))
	}
	if rec.pathCalls("/device") != 2 {
		t.Fatalf("expected 2 calls to /device, got %d", rec.pathCalls("/device"))
	}
	if rec.pathCalls("/end") != 1 {
		t.Fatalf("expected 1 call to /end, got %d", rec.pathCalls("/end"))
	}
}

type countingArchiver struct {
	calls int32
}

func (a *countingArchiver) Upload(ctx context.Context, eventID, dir string) error {
	atomic.AddInt32(&a.calls, 1)
	return nil
}

func TestPublishEventEnd_TriggersArchiveAfterSettleDelay(t *testing.T) {
	arch := &countingArchiver{}
	p := New(Config{ArchiveSettleDelay: 10 * time.Millisecond, RequestTimeout: time.Second}, testLogger(), nil, arch)

	p.PublishEventEnd(context.Background(), WrittenEvent{EventID: "evt1", Path: "/tmp/unused"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&arch.calls) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected archive upload to be triggered after settle delay")
}

func TestLocalArchiver_WritesArchiveFile(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "device_1.csv"), []byte("timestamp,AccX\n"), 0644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	destDir := t.TempDir()
	a := NewLocalArchiver(destDir)

	if err := a.Upload(context.Background(), "evt1", srcDir); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destDir, "evt1.tar.gz")); err != nil {
		t.Fatalf("expected archive file to exist: %v", err)
	}
}

func TestStart_RunsImmediateHealthPublish(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{HealthURL: srv.URL, HealthInterval: time.Hour, RequestTimeout: time.Second}, testLogger(), &fakeHealthSource{}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one immediate health publish, got %d", calls)
	}
}
