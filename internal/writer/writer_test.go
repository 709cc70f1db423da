package writer

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []StoreRecord
	existing map[string]bool
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[string]bool)}
}

func (f *fakeStore) Exists(eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[eventID], nil
}

func (f *fakeStore) Insert(r StoreRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, r)
	f.existing[r.EventID] = true
	return nil
}

func sampleRecording(eventID string, base time.Time) Recording {
	return Recording{
		EventID:          eventID,
		TriggerDevice:    1,
		TriggerTime:      base,
		TriggerMagnitude: 3.0,
		Duration:         2 * time.Second,
		DeviceNumberList: []int{1, 2},
		Snapshot: map[int][]sample.Sample{
			1: {
				{Time: base, AccX: 0, AccY: 0, AccZ: 3.0},
				{Time: base.Add(10 * time.Millisecond), AccX: 0, AccY: 0, AccZ: 1.0},
			},
			2: {
				{Time: base, AccX: 0, AccY: 0, AccZ: 1.0},
			},
		},
	}
}

func TestWrite_CreatesCSVsAndMetadataAndStoreRow(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	w := New(dir, 2.0, store, testLogger())

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	out, err := w.Write(t.Context(), sampleRecording("20260731_120000_000", base))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.EventID != "20260731_120000_000" {
		t.Fatalf("unexpected event id: %s", out.EventID)
	}
	if out.MaxAcceleration != 3.0 {
		t.Fatalf("expected max acceleration 3.0, got %v", out.MaxAcceleration)
	}

	eventDir := filepath.Join(dir, "event_20260731_120000_000")
	for _, dev := range []string{"device_1.csv", "device_2.csv", "metadata.json"} {
		if _, err := os.Stat(filepath.Join(eventDir, dev)); err != nil {
			t.Fatalf("expected %s to exist: %v", dev, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(eventDir, "metadata.json"))
	if err != nil {
		t.Fatalf("reading metadata.json: %v", err)
	}
	var meta eventMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("unmarshaling metadata: %v", err)
	}
	if len(meta.Devices) != 2 {
		t.Fatalf("expected 2 devices in metadata, got %d", len(meta.Devices))
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected one store insert, got %d", len(store.inserted))
	}
	if store.inserted[0].NumDevices != 2 {
		t.Fatalf("expected 2 devices recorded in store, got %d", store.inserted[0].NumDevices)
	}

	// Session log is removed after a successful write.
	if _, err := os.Stat(filepath.Join(eventDir, "session.log")); !os.IsNotExist(err) {
		t.Fatalf("expected session.log to be removed after success")
	}
}

func TestWrite_SkipsEmptyDeviceSnapshots(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	w := New(dir, 2.0, store, testLogger())

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rec := sampleRecording("20260731_120001_000", base)
	rec.Snapshot[3] = nil // a ready-but-empty device must not get a csv file

	out, err := w.Write(t.Context(), rec)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(out.DeviceNumberList) != 2 {
		t.Fatalf("expected empty device 3 to be excluded, got %v", out.DeviceNumberList)
	}

	eventDir := filepath.Join(dir, "event_"+out.EventID)
	if _, err := os.Stat(filepath.Join(eventDir, "device_3.csv")); !os.IsNotExist(err) {
		t.Fatalf("expected no csv for empty device 3")
	}
}

func TestResolveEventID_CollisionSuffix(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	w := New(dir, 2.0, store, testLogger())

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	first, err := w.Write(t.Context(), sampleRecording("20260731_120002_000", base))
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	second, err := w.Write(t.Context(), sampleRecording("20260731_120002_000", base))
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}

	if first.EventID == second.EventID {
		t.Fatalf("expected a collision suffix, both got %s", first.EventID)
	}
	if second.EventID != "20260731_120002_000_2" {
		t.Fatalf("expected _2 suffix, got %s", second.EventID)
	}
}
