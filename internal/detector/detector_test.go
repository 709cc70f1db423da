package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAt(t time.Time, z float64) sample.Sample {
	return sample.Sample{Time: t, AccZ: z}
}

// TestDetector_GlobalTriggerPreRoll covers spec.md §8 scenario C: any one
// device crossing threshold must pre-roll-snapshot every ready device's
// ring buffer, not just the triggering one.
func TestDetector_GlobalTriggerPreRoll(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	preRoll := map[int][]sample.Sample{
		1: {sampleAt(base.Add(-time.Second), 0.98)},
		2: {sampleAt(base.Add(-time.Second), 1.01)},
	}

	cfg := DefaultConfig()
	det := New(cfg, testLogger(),
		func() []int { return []int{1, 2} },
		func(device int) float64 { return 0 },
		func(device int) []sample.Sample { return preRoll[device] },
		func(ev Event) {},
	)

	det.OnSample(1, sampleAt(base, 3.0))

	if det.State() != StateRecording {
		t.Fatalf("expected RECORDING after threshold crossing, got %s", det.State())
	}
	if len(det.snapshot[1]) != 1 || len(det.snapshot[2]) != 1 {
		t.Fatalf("expected both ready devices pre-rolled into the snapshot, got %v", det.snapshot)
	}
	if det.triggerDevice != 1 {
		t.Fatalf("expected triggering device 1, got %d", det.triggerDevice)
	}

	// A concurrent second trigger during RECORDING must be ignored.
	det.OnSample(2, sampleAt(base.Add(10*time.Millisecond), 5.0))
	if det.triggerDevice != 1 {
		t.Fatalf("second trigger during RECORDING must be ignored, trigger device changed to %d", det.triggerDevice)
	}
}

// TestDetector_MaxDurationCap covers spec.md §8 scenario D: recording must
// stop at max_record_seconds even if devices never go quiescent.
func TestDetector_MaxDurationCap(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cfg := DefaultConfig()
	cfg.MaxRecordSeconds = 1

	var captured *Event
	det := New(cfg, testLogger(),
		func() []int { return []int{1} },
		func(device int) float64 { return 0 },
		func(device int) []sample.Sample { return nil },
		func(ev Event) { captured = &ev },
	)

	det.OnSample(1, sampleAt(base, 3.0))
	if det.State() != StateRecording {
		t.Fatal("expected RECORDING after trigger")
	}

	// Keep the signal well above the quiescence threshold the whole time so
	// only the hard cap can stop the recording, but below the trigger
	// threshold so the samples after the cap do not start a new recording.
	for i := 1; i <= 20; i++ {
		at := base.Add(time.Duration(i) * 100 * time.Millisecond)
		det.OnSample(1, sampleAt(at, 1.0))
	}

	if det.State() != StateIdle {
		t.Fatalf("expected IDLE after max_record_seconds elapsed, got %s", det.State())
	}
	if captured == nil {
		t.Fatal("expected an event to be handed to the callback")
	}
	if captured.Duration < time.Second {
		t.Fatalf("expected duration >= max_record_seconds, got %v", captured.Duration)
	}
}

// TestDetector_QuiescenceStopsEarly verifies stop condition 2: once every
// ready device's stop window drops below stop_threshold_g, recording ends
// before the hard cap.
func TestDetector_QuiescenceStopsEarly(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cfg := DefaultConfig()
	cfg.StopWindowSize = 3
	cfg.MaxRecordSeconds = 60

	var captured *Event
	det := New(cfg, testLogger(),
		func() []int { return []int{1} },
		func(device int) float64 { return 0 },
		func(device int) []sample.Sample { return nil },
		func(ev Event) { captured = &ev },
	)

	det.OnSample(1, sampleAt(base, 3.0))

	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * 100 * time.Millisecond)
		det.OnSample(1, sampleAt(at, 0.1))
	}

	if det.State() != StateIdle {
		t.Fatalf("expected quiescence to stop the recording before the hard cap, got %s", det.State())
	}
	if captured == nil {
		t.Fatal("expected an event to be handed to the callback")
	}
}

// TestDetector_NoReadyDevicesNeverStopsOnQuiescence verifies that an empty
// ready set cannot satisfy stop condition 2 (cannot safely stop with zero
// evidence).
func TestDetector_NoReadyDevicesNeverStopsOnQuiescence(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cfg := DefaultConfig()
	cfg.MaxRecordSeconds = 60

	det := New(cfg, testLogger(),
		func() []int { return nil },
		func(device int) float64 { return 0 },
		func(device int) []sample.Sample { return nil },
		func(ev Event) {},
	)

	det.OnSample(1, sampleAt(base, 3.0))
	det.OnSample(1, sampleAt(base.Add(100*time.Millisecond), 0.0))

	if det.State() != StateRecording {
		t.Fatalf("expected recording to continue with no ready devices, got %s", det.State())
	}
}
