// Package supervisor implements the per-device state machine that owns one
// wireless link, its raw-byte queue, frame assembler, ring buffer and health
// window.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trainwatch/imu-gateway/internal/link"
	"github.com/trainwatch/imu-gateway/internal/protocol"
	"github.com/trainwatch/imu-gateway/internal/sample"
)

// State constants for the Device Supervisor (spec.md §4.3).
const (
	StateDisconnected        = "disconnected"
	StateConnecting          = "connecting"
	StateDiscovering         = "discovering"
	StateAwaitingFirstSample = "awaiting_first_sample"
	StateReady               = "ready"
	StateReconnecting        = "reconnecting"
	StateFailed              = "failed"
)

// Wireless service/characteristic UUIDs. Informational/implementation
// specific per spec.md §6; any Link implementation is free to ignore them.
const (
	ServiceUUID   = "0000ffe5-0000-1000-8000-00805f9a34fb"
	ReadCharUUID  = "0000ffe4-0000-1000-8000-00805f9a34fb"
	WriteCharUUID = "0000ffe9-0000-1000-8000-00805f9a34fb"
)

// rawQueueCapacity is the bounded radio-callback queue size (spec.md §4.3).
const rawQueueCapacity = 100

// SampleCallback is invoked synchronously, in arrival order, for every
// parsed Sample once the consumer is running, including the samples that
// arrive while the device is still AWAITING_FIRST_SAMPLE. It must not
// block or suspend.
type SampleCallback func(deviceNumber int, s sample.Sample)

// Config bundles the timeouts and policy knobs a Supervisor needs. All
// fields map directly to spec.md §6's timeout/health tables.
type Config struct {
	ConnectTimeout     time.Duration
	DiscoverTimeout    time.Duration
	FirstSampleTimeout time.Duration
	CleanupTimeout     time.Duration

	DataTimeout            time.Duration
	SlidingWindowSize      int
	TriggerPercentage      float64 // 0-100
	MaxConsecutiveFailures int

	RingBufferCapacity int
}

type rawSlice struct {
	data []byte
	at   time.Time
}

// Supervisor is the per-device state machine. It owns exactly one Link,
// the raw-byte queue, the Frame Codec, the Ring Buffer and the Health
// Window. State is stored atomically and Connect serializes on connMu.
// Reconnect and Shutdown run cleanup without taking connMu; the Fleet
// Coordinator calls Reconnect and Connect only while holding its
// fleet-wide connect lock, but Shutdown is not serialized with Connect.
type Supervisor struct {
	DeviceNumber int
	Name         string
	RadioAddress string

	cfg    Config
	link   link.Link
	logger *slog.Logger

	state atomic.Value // string

	connMu    sync.Mutex // per-supervisor exclusion token (re-entrant attempts return immediately)
	inConnect atomic.Bool

	lastSampleTime atomic.Value // time.Time
	lastMagnitude  atomic.Value // float64, sqrt(x^2+y^2+z^2) of the last parsed sample
	failures       atomic.Int64
	zBias          atomic.Value // float64

	ring   *sample.RingBuffer
	health *sample.HealthWindow

	rawQueue chan rawSlice
	codec    *protocol.Codec

	onSample SampleCallback

	consumerDone chan struct{}
	consumerWG   sync.WaitGroup
}

// New creates a Supervisor for one device in the DISCONNECTED state.
func New(deviceNumber int, name, radioAddress string, l link.Link, cfg Config, logger *slog.Logger, onSample SampleCallback) *Supervisor {
	s := &Supervisor{
		DeviceNumber: deviceNumber,
		Name:         name,
		RadioAddress: radioAddress,
		cfg:          cfg,
		link:         l,
		logger:       logger.With("device", deviceNumber, "name", name),
		ring:         sample.NewRingBuffer(cfg.RingBufferCapacity),
		health:       sample.NewHealthWindow(cfg.SlidingWindowSize),
		rawQueue:     make(chan rawSlice, rawQueueCapacity),
		codec:        protocol.NewCodec(),
		onSample:     onSample,
	}
	s.state.Store(StateDisconnected)
	s.zBias.Store(0.0)
	s.lastSampleTime.Store(time.Time{})
	s.lastMagnitude.Store(0.0)
	return s
}

// State returns the current supervisor state.
func (s *Supervisor) State() string { return s.state.Load().(string) }

// Failures returns the consecutive-failure count.
func (s *Supervisor) Failures() int64 { return s.failures.Load() }

// ZBias returns the current calibration bias.
func (s *Supervisor) ZBias() float64 { return s.zBias.Load().(float64) }

// SetZBias sets the calibration bias (called by the Calibrator).
func (s *Supervisor) SetZBias(v float64) { s.zBias.Store(v) }

// LastSampleTime returns the timestamp of the most recent parsed sample.
func (s *Supervisor) LastSampleTime() time.Time { return s.lastSampleTime.Load().(time.Time) }

// LastMagnitudeG returns sqrt(x^2+y^2+z^2) of the most recently parsed
// sample, the "current sample" / "recent acceleration" figure spec.md
// §4.9 and §7 require in the health-snapshot POST and status reports.
func (s *Supervisor) LastMagnitudeG() float64 { return s.lastMagnitude.Load().(float64) }

// UnhealthyFraction returns the sliding health window's unhealthy fraction
// as of now (spec.md §4.3, §7's "health-window percentage").
func (s *Supervisor) UnhealthyFraction(now time.Time) float64 { return s.health.UnhealthyFraction(now) }

// Ring exposes the device's ring buffer (read-only use expected).
func (s *Supervisor) Ring() *sample.RingBuffer { return s.ring }

// IsReady reports whether the supervisor is currently READY.
func (s *Supervisor) IsReady() bool { return s.State() == StateReady }

// Connect performs the full serial connect protocol (spec.md §4.3):
// create link (already injected) → connect → discover → best-effort rate
// config → subscribe → wait for first sample. Re-entrant calls while a
// connect is already in flight return immediately with nil.
func (s *Supervisor) Connect(ctx context.Context) error {
	if !s.inConnect.CompareAndSwap(false, true) {
		return nil // re-entrant: a connect is already in flight
	}
	defer s.inConnect.Store(false)

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.state.Store(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := s.link.Connect(connectCtx)
	cancel()
	if err != nil {
		s.logger.Warn("connect failed", "error", err)
		s.failOrRetry()
		s.cleanup(ctx)
		return err
	}

	s.state.Store(StateDiscovering)
	discoverCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoverTimeout)
	err = s.link.DiscoverCharacteristics(discoverCtx, ServiceUUID, ReadCharUUID, WriteCharUUID)
	cancel()
	if err != nil {
		s.logger.Warn("discovery failed", "error", err)
		s.failOrRetry()
		s.cleanup(ctx)
		return err
	}

	// Best-effort 50Hz output-rate config write. A timeout is logged, not fatal.
	s.configureOutputRate(ctx)

	s.state.Store(StateAwaitingFirstSample)
	s.lastSampleTime.Store(time.Time{}) // waitFirstSample must see a sample from this connection
	s.startConsumer()

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoverTimeout)
	err = s.link.Subscribe(subCtx, s.onNotify)
	cancel()
	if err != nil {
		s.logger.Warn("subscribe failed", "error", err)
		s.stopConsumer()
		s.failOrRetry()
		s.cleanup(ctx)
		return err
	}

	if !s.waitFirstSample(ctx) {
		s.logger.Warn("no data received before timeout")
		s.failOrRetry()
		s.cleanup(ctx)
		return context.DeadlineExceeded
	}

	s.state.Store(StateReady)
	s.failures.Store(0)
	s.health.Clear()
	s.logger.Info("device ready")
	return nil
}

func (s *Supervisor) configureOutputRate(ctx context.Context) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.link.Write(writeCtx, protocol.UnlockPacket()); err != nil {
		s.logger.Debug("unlock write failed (non-fatal)", "error", err)
		return
	}
	if err := s.link.Write(writeCtx, protocol.OutputRatePacket(50)); err != nil {
		s.logger.Debug("output rate write failed (non-fatal)", "error", err)
		return
	}
	if err := s.link.Write(writeCtx, protocol.SavePacket()); err != nil {
		s.logger.Debug("save write failed (non-fatal)", "error", err)
	}
}

func (s *Supervisor) waitFirstSample(ctx context.Context) bool {
	deadline := time.NewTimer(s.cfg.FirstSampleTimeout)
	defer deadline.Stop()

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
			if !s.LastSampleTime().IsZero() {
				return true
			}
		}
	}
}

// onNotify is the radio callback: it does exactly one thing, a non-blocking
// enqueue, and never touches business-logic state (spec.md §4.3, §5).
func (s *Supervisor) onNotify(data []byte) {
	slice := rawSlice{data: append([]byte(nil), data...), at: time.Now()}
	select {
	case s.rawQueue <- slice:
	default:
		// queue full: drop oldest, then push
		select {
		case <-s.rawQueue:
		default:
		}
		select {
		case s.rawQueue <- slice:
		default:
		}
	}
}

func (s *Supervisor) startConsumer() {
	s.consumerDone = make(chan struct{})
	s.consumerWG.Add(1)
	go s.consume()
}

func (s *Supervisor) stopConsumer() {
	if s.consumerDone == nil {
		return
	}
	close(s.consumerDone)
	s.consumerWG.Wait()
	s.consumerDone = nil
}

// consume pops raw slices and drives the Frame Codec; for every emitted
// Sample it updates the Health Window, last-sample time and the Ring
// Buffer, and invokes the sample callback. Runs on its own goroutine, not
// the radio callback thread.
func (s *Supervisor) consume() {
	defer s.consumerWG.Done()

	for {
		select {
		case <-s.consumerDone:
			return
		case sl := <-s.rawQueue:
			samples := s.codec.FeedBytes(sl.data, sl.at)
			for _, sm := range samples {
				s.recordHealthPoint(sm.Time)
				s.lastSampleTime.Store(sm.Time)
				s.lastMagnitude.Store(sm.Magnitude())
				s.ring.Append(sm)
				if s.onSample != nil {
					s.onSample(s.DeviceNumber, sm)
				}
			}
		}
	}
}

func (s *Supervisor) recordHealthPoint(sampleTime time.Time) {
	prev := s.LastSampleTime()
	healthy := true
	if !prev.IsZero() {
		healthy = sampleTime.Sub(prev) < s.cfg.DataTimeout
	}
	s.health.Record(sampleTime, healthy)
}

// CheckHealth reports whether this READY supervisor is stale or whose
// sliding health window has tripped the unhealthy-fraction threshold
// (spec.md §4.3). Non-READY supervisors are always considered healthy
// (nothing to check).
func (s *Supervisor) CheckHealth(now time.Time) (healthy bool, reason string) {
	if s.State() != StateReady {
		return true, "not ready"
	}

	last := s.LastSampleTime()
	if !last.IsZero() && now.Sub(last) > s.cfg.DataTimeout {
		return false, "stale: no sample within data_timeout"
	}

	frac := s.health.UnhealthyFraction(now)
	if frac*100 >= s.cfg.TriggerPercentage {
		return false, "sliding window unhealthy"
	}
	return true, "healthy"
}

// Reconnect transitions READY -> RECONNECTING, runs cleanup, and returns so
// the Fleet Coordinator can re-drive Connect respecting the global throttle.
func (s *Supervisor) Reconnect(ctx context.Context) {
	s.state.Store(StateReconnecting)
	s.cleanup(ctx)
}

// cleanup is idempotent: cancel consumer -> await exit -> unsubscribe (<=2s)
// -> disconnect (<=2s) -> drain queue -> DISCONNECTED. Errors are logged,
// never re-raised. The link is always torn down, but the terminal state
// assignment is conditional on the calling state, mirroring the Python
// original's _cleanup(old_state) guard: a supervisor already escalated to
// FAILED stays FAILED (only fleet-level host-radio recovery, spec.md §4.5,
// moves it out), and one mid-Reconnect stays RECONNECTING, since spec.md
// §4.3's transition table has no RECONNECTING -> DISCONNECTED row — its only
// exit is RECONNECTING -> CONNECTING once Connect is re-driven.
func (s *Supervisor) cleanup(ctx context.Context) {
	s.stopConsumer()

	unsubCtx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
	if err := s.link.Unsubscribe(unsubCtx); err != nil {
		s.logger.Debug("unsubscribe error during cleanup", "error", err)
	}
	cancel()

	disconnCtx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
	if err := s.link.Disconnect(disconnCtx); err != nil {
		s.logger.Debug("disconnect error during cleanup", "error", err)
	}
	cancel()

drain:
	for {
		select {
		case <-s.rawQueue:
		default:
			break drain
		}
	}

	switch s.State() {
	case StateFailed, StateReconnecting:
		// FAILED awaits fleet-level recovery; RECONNECTING's next transition
		// is CONNECTING (driven by the Fleet Coordinator's follow-up Connect
		// call), never DISCONNECTED.
	default:
		s.state.Store(StateDisconnected)
	}
}

func (s *Supervisor) failOrRetry() {
	n := s.failures.Add(1)
	if int(n) >= s.cfg.MaxConsecutiveFailures {
		s.state.Store(StateFailed)
	}
}

// IsFailed reports whether the supervisor has escalated to FAILED and
// awaits fleet-level host-radio recovery.
func (s *Supervisor) IsFailed() bool { return s.State() == StateFailed }

// ResetFailures clears the consecutive-failure counter, used by the Fleet
// Coordinator after a successful host-radio recovery cycle.
func (s *Supervisor) ResetFailures() { s.failures.Store(0) }

// Shutdown disconnects the device as part of gateway shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.cleanup(ctx)
}
