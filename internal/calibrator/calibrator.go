// Package calibrator periodically recomputes each device's quiescent
// Z-axis bias, the value the Detector subtracts from every AccZ reading
// before comparing it against the trigger threshold (spec.md §4.7).
package calibrator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

// Config bundles the Calibrator's timing and rejection knobs (spec.md §4.7, §6).
type Config struct {
	IntervalHours      float64
	Samples            int     // calibration_samples, default 100
	DurationS          float64 // calibration_duration, default 1
	VibrationThreshold float64 // default 0.3g
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		IntervalHours:      6,
		Samples:            100,
		DurationS:          1,
		VibrationThreshold: 0.3,
	}
}

// ReadyDevices reports which device numbers are currently READY.
type ReadyDevices func() []int

// BiasSetter stores the newly computed bias for one device.
type BiasSetter func(device int, bias float64)

// DetectorIdle reports whether the Detector is currently IDLE. The
// Calibrator never runs while a recording is in progress.
type DetectorIdle func() bool

const quiescenceWindow = time.Second
const retryAfterRejection = 5 * time.Minute

type phase int

const (
	phaseInactive phase = iota
	phaseQuiescenceCheck
	phaseSampling
)

// Calibrator implements the two-phase protocol of spec.md §4.7: a 1s
// quiescence check (reject if too noisy), then collection of up to
// Samples readings per ready device, capped at 2x DurationS wall time.
//
// Calibrator.OnSample is wired into the same per-sample callback path as
// the Detector; outside an active collection window it is a single
// atomic-free lock/check and returns immediately.
type Calibrator struct {
	cfg    Config
	logger *slog.Logger

	ready        ReadyDevices
	setBias      BiasSetter
	detectorIdle DetectorIdle

	mu         sync.Mutex
	ph         phase
	collecting map[int][]float64

	lastCalibration time.Time
}

// New creates an idle Calibrator.
func New(cfg Config, logger *slog.Logger, ready ReadyDevices, setBias BiasSetter, detectorIdle DetectorIdle) *Calibrator {
	return &Calibrator{
		cfg:          cfg,
		logger:       logger.With("component", "calibrator"),
		ready:        ready,
		setBias:      setBias,
		detectorIdle: detectorIdle,
	}
}

// OnSample feeds one device's sample into the active collection window, if
// any. It is safe to call unconditionally from the shared sample-callback
// fan-out; when the Calibrator is not collecting this is a no-op.
func (c *Calibrator) OnSample(device int, s sample.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ph == phaseInactive {
		return
	}
	c.collecting[device] = append(c.collecting[device], s.AccZ)
}

// LastCalibration returns the timestamp of the most recently completed
// (non-rejected) calibration pass.
func (c *Calibrator) LastCalibration() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCalibration
}

// CronSpec returns the robfig/cron @every expression for this Calibrator's
// configured interval.
func (c *Config) CronSpec() string {
	return "@every " + time.Duration(c.IntervalHours*float64(time.Hour)).String()
}

// Run executes one full calibration pass: the quiescence check, then (on
// success) the sampling phase. On rejection it schedules a single retry in
// 5 minutes and returns without touching any bias. Never runs while the
// Detector is RECORDING; a call made during RECORDING is skipped entirely
// and not retried (the next scheduled tick will try again).
func (c *Calibrator) Run(ctx context.Context) {
	if c.detectorIdle != nil && !c.detectorIdle() {
		c.logger.Debug("calibration skipped: detector is recording")
		return
	}

	devices, zStdDev := c.collectQuiescenceWindow(ctx)
	if len(devices) == 0 {
		c.logger.Debug("calibration skipped: no ready devices")
		return
	}

	rejected := false
	for dev, std := range zStdDev {
		if std > c.cfg.VibrationThreshold {
			c.logger.Warn("calibration rejected: device too noisy", "device", dev, "z_stddev", std)
			rejected = true
		}
	}
	if rejected {
		c.scheduleRetry(ctx)
		return
	}

	means := c.collectSamplingWindow(ctx, devices)
	for dev, mean := range means {
		c.setBias(dev, mean)
		c.logger.Info("bias updated", "device", dev, "bias_g", mean)
	}

	c.mu.Lock()
	c.lastCalibration = time.Now()
	c.mu.Unlock()
}

func (c *Calibrator) scheduleRetry(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(retryAfterRejection):
			c.Run(ctx)
		}
	}()
}

// collectQuiescenceWindow collects 1s of Z samples per currently-ready
// device and returns the device list plus each device's Z standard
// deviation.
func (c *Calibrator) collectQuiescenceWindow(ctx context.Context) ([]int, map[int]float64) {
	devices := c.ready()
	if len(devices) == 0 {
		return nil, nil
	}

	c.beginCollection(phaseQuiescenceCheck)
	c.waitFor(ctx, quiescenceWindow)
	collected := c.endCollection()

	stdDevs := make(map[int]float64, len(devices))
	for _, dev := range devices {
		stdDevs[dev] = stdDev(collected[dev])
	}
	return devices, stdDevs
}

// collectSamplingWindow collects up to cfg.Samples readings per device,
// capped at 2x cfg.DurationS wall time, and returns each device's mean.
func (c *Calibrator) collectSamplingWindow(ctx context.Context, devices []int) map[int]float64 {
	c.beginCollection(phaseSampling)

	window := time.Duration(2 * c.cfg.DurationS * float64(time.Second))
	deadline := time.Now().Add(window)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if c.samplingSatisfied(devices) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			goto done
		case <-poll.C:
		}
	}
done:
	collected := c.endCollection()

	means := make(map[int]float64, len(devices))
	for _, dev := range devices {
		vals := collected[dev]
		if len(vals) == 0 {
			continue
		}
		means[dev] = mean(vals)
	}
	return means
}

func (c *Calibrator) samplingSatisfied(devices []int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range devices {
		if len(c.collecting[dev]) < c.cfg.Samples {
			return false
		}
	}
	return true
}

func (c *Calibrator) beginCollection(p phase) {
	c.mu.Lock()
	c.ph = p
	c.collecting = make(map[int][]float64)
	c.mu.Unlock()
}

func (c *Calibrator) endCollection() map[int][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	collected := c.collecting
	c.ph = phaseInactive
	c.collecting = nil
	return collected
}

func (c *Calibrator) waitFor(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stdDev(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	m := mean(vs)
	var sq float64
	for _, v := range vs {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vs)))
}
