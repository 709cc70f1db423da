package calibrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_ComputesBiasFromQuietSamples(t *testing.T) {
	cfg := Config{IntervalHours: 6, Samples: 5, DurationS: 0.05, VibrationThreshold: 0.3}

	var mu sync.Mutex
	biases := make(map[int]float64)

	c := New(cfg, testLogger(),
		func() []int { return []int{1} },
		func(dev int, bias float64) {
			mu.Lock()
			biases[dev] = bias
			mu.Unlock()
		},
		func() bool { return true },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Feed quiet samples (z close to 1.0g) steadily until Run finishes.
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			mu.Lock()
			bias, ok := biases[1]
			mu.Unlock()
			if !ok {
				t.Fatalf("expected bias to be set for device 1")
			}
			if bias < 0.95 || bias > 1.05 {
				t.Fatalf("expected bias near 1.0g, got %v", bias)
			}
			return
		case <-ticker.C:
			c.OnSample(1, sample.Sample{AccZ: 1.0})
		case <-ctx.Done():
			t.Fatal("calibration did not complete in time")
		}
	}
}

func TestRun_SkipsWhenDetectorRecording(t *testing.T) {
	cfg := DefaultConfig()
	calledSetBias := false

	c := New(cfg, testLogger(),
		func() []int { return []int{1} },
		func(dev int, bias float64) { calledSetBias = true },
		func() bool { return false }, // detector is RECORDING
	)

	c.Run(context.Background())

	if calledSetBias {
		t.Fatalf("expected calibration to be skipped while recording")
	}
}

func TestRun_SkipsWhenNoReadyDevices(t *testing.T) {
	cfg := DefaultConfig()
	calledSetBias := false

	c := New(cfg, testLogger(),
		func() []int { return nil },
		func(dev int, bias float64) { calledSetBias = true },
		func() bool { return true },
	)

	c.Run(context.Background())

	if calledSetBias {
		t.Fatalf("expected calibration to be skipped with no ready devices")
	}
}

func TestRun_RejectsNoisyDeviceAndSchedulesRetry(t *testing.T) {
	cfg := Config{IntervalHours: 6, Samples: 5, DurationS: 0.05, VibrationThreshold: 0.01}

	c := New(cfg, testLogger(),
		func() []int { return []int{1} },
		func(dev int, bias float64) {
			t.Fatalf("bias should not be set when calibration is rejected")
		},
		func() bool { return true },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	z := 0.0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			z += 0.5 // noisy signal, large swings, exceeds vibration threshold
			c.OnSample(1, sample.Sample{AccZ: z})
		case <-ctx.Done():
			t.Fatal("calibration did not complete in time")
		}
	}
}

func TestCronSpec(t *testing.T) {
	cfg := Config{IntervalHours: 6}
	if got := cfg.CronSpec(); got != "@every 6h0m0s" {
		t.Fatalf("unexpected cron spec: %q", got)
	}
}
