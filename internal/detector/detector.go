// Package detector implements the trigger/stop state machine that turns
// live per-sample callbacks into a fleet-wide recorded event.
package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

const (
	StateIdle      = "idle"
	StateRecording = "recording"
)

// Config bundles the Detector's threshold and timing knobs (spec.md §4.6, §6).
type Config struct {
	ThresholdG       float64 // trigger threshold on |AccZ - bias|, default 2g
	StopThresholdG   float64 // quiescence threshold, default 0.5g
	StopWindowSize   int     // per-device stop-window sample count, default 50
	MaxRecordSeconds float64 // hard cap, default 60
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdG:       2.0,
		StopThresholdG:   0.5,
		StopWindowSize:   50,
		MaxRecordSeconds: 60,
	}
}

// Event is the completed recording handed to the Event Writer by move
// semantics: the Detector never touches it again after EventReady fires.
type Event struct {
	EventID          string
	TriggerDevice    int
	TriggerTime      time.Time
	TriggerMagnitude float64
	Duration         time.Duration
	Snapshot         map[int][]sample.Sample
	DeviceNumberList []int
}

// ReadyDevices reports which device numbers are currently READY, queried
// fresh by the Detector at trigger time and on every stop-condition check.
type ReadyDevices func() []int

// BiasLookup returns the calibrated Z bias for a device (0 if uncalibrated).
type BiasLookup func(device int) float64

// RingSnapshot returns a chronological copy of a device's ring buffer.
type RingSnapshot func(device int) []sample.Sample

// EventReady is invoked exactly once per completed recording, off the
// sample-callback path's timing budget — the Detector hands over the event
// synchronously but the callee must not block meaningfully.
type EventReady func(ev Event)

// Detector runs the IDLE/RECORDING state machine described in spec.md §4.6.
// OnSample is called from every supervisor's consumer goroutine; a single
// mutex serialises it with State.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	ready    ReadyDevices
	bias     BiasLookup
	ringSnap RingSnapshot
	onEvent  EventReady

	mu sync.Mutex

	state            string
	triggerDevice    int
	triggerTime      time.Time
	triggerMagnitude float64
	snapshot         map[int][]sample.Sample
	stopWindows      map[int][]float64
	nextEventSeq     int
}

// New creates an IDLE Detector.
func New(cfg Config, logger *slog.Logger, ready ReadyDevices, bias BiasLookup, ringSnap RingSnapshot, onEvent EventReady) *Detector {
	return &Detector{
		cfg:      cfg,
		logger:   logger.With("component", "detector"),
		ready:    ready,
		bias:     bias,
		ringSnap: ringSnap,
		onEvent:  onEvent,
		state:    StateIdle,
	}
}

// State returns the current detector state (IDLE or RECORDING).
func (d *Detector) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnSample is the per-sample callback driving the entire state machine. It
// has no suspension points: synchronous start-to-finish (spec.md §5).
func (d *Detector) OnSample(device int, s sample.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	z := s.AccZ - d.bias(device)

	switch d.state {
	case StateIdle:
		if math.Abs(z) > d.cfg.ThresholdG {
			d.trigger(device, s.Time, math.Abs(z))
		}
	case StateRecording:
		d.record(device, s, z)
	}
}

// trigger performs the global pre-roll snapshot and clears per-device stop
// windows. Must be called with mu held.
func (d *Detector) trigger(device int, at time.Time, magnitude float64) {
	d.state = StateRecording
	d.triggerDevice = device
	d.triggerTime = at
	d.triggerMagnitude = magnitude

	d.snapshot = make(map[int][]sample.Sample)
	d.stopWindows = make(map[int][]float64)

	for _, dev := range d.ready() {
		d.snapshot[dev] = append([]sample.Sample(nil), d.ringSnap(dev)...)
		d.stopWindows[dev] = nil
	}
	if _, ok := d.snapshot[device]; !ok {
		d.snapshot[device] = append([]sample.Sample(nil), d.ringSnap(device)...)
	}

	d.logger.Info("event triggered", "device", device, "magnitude_g", magnitude)
}

// record appends the sample to the live EventSnapshot and pushes the
// deviation into the triggering axis's stop window, then evaluates the
// two stop conditions. Must be called with mu held.
func (d *Detector) record(device int, s sample.Sample, z float64) {
	d.snapshot[device] = append(d.snapshot[device], s)

	win := d.stopWindows[device]
	win = append(win, math.Abs(z))
	if len(win) > d.cfg.StopWindowSize {
		win = win[len(win)-d.cfg.StopWindowSize:]
	}
	d.stopWindows[device] = win

	if s.Time.Sub(d.triggerTime).Seconds() >= d.cfg.MaxRecordSeconds {
		d.stop(s.Time)
		return
	}

	if d.allReadyQuiescent() {
		d.stop(s.Time)
	}
}

// allReadyQuiescent implements stop condition 2: every currently-ready
// device must have a non-empty stop window whose max is below threshold.
// An empty ready set is never quiescent (spec.md §4.6).
func (d *Detector) allReadyQuiescent() bool {
	readyDevices := d.ready()
	if len(readyDevices) == 0 {
		return false
	}
	for _, dev := range readyDevices {
		win := d.stopWindows[dev]
		if len(win) == 0 {
			return false
		}
		if maxOf(win) >= d.cfg.StopThresholdG {
			return false
		}
	}
	return true
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// stop finalizes the recording and hands the EventSnapshot to the caller by
// move semantics. Must be called with mu held.
func (d *Detector) stop(at time.Time) {
	devices := make([]int, 0, len(d.snapshot))
	for dev := range d.snapshot {
		devices = append(devices, dev)
	}

	ev := Event{
		EventID:          d.nextEventID(d.triggerTime),
		TriggerDevice:    d.triggerDevice,
		TriggerTime:      d.triggerTime,
		TriggerMagnitude: d.triggerMagnitude,
		Duration:         at.Sub(d.triggerTime),
		Snapshot:         d.snapshot,
		DeviceNumberList: devices,
	}

	d.snapshot = nil
	d.stopWindows = nil
	d.state = StateIdle

	d.logger.Info("event recorded", "device", ev.TriggerDevice, "duration_s", ev.Duration.Seconds())

	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

// nextEventID renders spec.md §6's YYYYMMDD_HHMMSS_mmm format. time.Format's
// fractional-second verb requires a leading '.'/',' to be recognized, so the
// millisecond component is appended by hand rather than folded into the
// layout string.
func (d *Detector) nextEventID(at time.Time) string {
	d.nextEventSeq++
	return fmt.Sprintf("%s_%03d", at.Format("20060102_150405"), at.Nanosecond()/1e6)
}
