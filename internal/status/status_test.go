package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStore_GetReturnsLatestUpdate(t *testing.T) {
	s := NewStore()
	s.Update(Snapshot{
		DetectorState: "RECORDING",
		Devices:       []DeviceSnapshot{{DeviceNumber: 1, State: "READY"}},
	})

	got := s.Get()
	if got.DetectorState != "RECORDING" {
		t.Fatalf("expected RECORDING, got %q", got.DetectorState)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be filled in")
	}
}

func TestRouter_StatusAndHealth(t *testing.T) {
	s := NewStore()
	s.Update(Snapshot{DetectorState: "IDLE", Devices: []DeviceSnapshot{{DeviceNumber: 2, State: "CONNECTING"}}})

	srv := httptest.NewServer(NewRouter(s))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding /status response: %v", err)
	}
	if snap.DetectorState != "IDLE" || len(snap.Devices) != 1 {
		t.Fatalf("unexpected snapshot from /status: %+v", snap)
	}

	resp2, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp2.StatusCode)
	}
	var hr healthResponse
	if err := json.NewDecoder(resp2.Body).Decode(&hr); err != nil {
		t.Fatalf("decoding /health response: %v", err)
	}
	if hr.Status != "ok" {
		t.Fatalf("expected status ok, got %q", hr.Status)
	}
}

func TestStore_DefaultTimestampIsFilledOnlyWhenZero(t *testing.T) {
	s := NewStore()
	fixed := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	s.Update(Snapshot{Timestamp: fixed, DetectorState: "IDLE"})

	got := s.Get()
	if !got.Timestamp.Equal(fixed) {
		t.Fatalf("expected explicit timestamp to be preserved, got %v", got.Timestamp)
	}
}
