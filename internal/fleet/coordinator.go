// Package fleet implements the Fleet Coordinator: serial initial connect,
// the global reconnect throttle, connect exclusion, host-radio recovery
// escalation, and periodic health polling across all Device Supervisors.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trainwatch/imu-gateway/internal/supervisor"
)

// Config bundles the Fleet Coordinator's policy knobs (spec.md §4.5, §6).
type Config struct {
	InitialConnectGap       time.Duration // >= 1s pause between successful initial connects
	GlobalReconnectCooldown time.Duration
	HealthCheckInterval     time.Duration

	OSRecoveryPerDeviceCooldown time.Duration
	OSRecoveryGlobalCooldown    time.Duration
	OSRecoveryPauseSettle       time.Duration // 2s settle after pausing
	OSRecoveryPostResetSettle   time.Duration // 10s after a hard reset
	OSRecoveryFinalWait         time.Duration // 5s before clearing pause
}

// DefaultConfig returns the spec.md §5/§6 default timings.
func DefaultConfig() Config {
	return Config{
		InitialConnectGap:           time.Second,
		GlobalReconnectCooldown:     5 * time.Second,
		HealthCheckInterval:         2 * time.Second,
		OSRecoveryPerDeviceCooldown: 600 * time.Second,
		OSRecoveryGlobalCooldown:    300 * time.Second,
		OSRecoveryPauseSettle:       2 * time.Second,
		OSRecoveryPostResetSettle:   10 * time.Second,
		OSRecoveryFinalWait:         5 * time.Second,
	}
}

// Coordinator owns every Device Supervisor and enforces the fleet-wide
// policies no single supervisor can enforce alone. Run polls health on its
// own goroutine and starts each reconnect or host-radio recovery on a new
// goroutine; connectMu and pausedMu guard the state those goroutines share.
type Coordinator struct {
	cfg         Config
	logger      *slog.Logger
	osRadio     OSRadioController
	supervisors []*supervisor.Supervisor

	connectMu sync.Mutex // fleet-wide connect lock; supervisor lock nests inside it

	reconnectLimiter *rate.Limiter

	pausedMu sync.Mutex
	paused   bool

	lastPerDeviceRecovery map[int]time.Time
	lastGlobalRecovery    time.Time
}

// New creates a Coordinator for the given supervisors, sorted ascending by
// device number for the initial serial connect.
func New(cfg Config, osRadio OSRadioController, logger *slog.Logger, supervisors []*supervisor.Supervisor) *Coordinator {
	sorted := append([]*supervisor.Supervisor(nil), supervisors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DeviceNumber < sorted[j].DeviceNumber })

	return &Coordinator{
		cfg:                   cfg,
		logger:                logger.With("component", "fleet_coordinator"),
		osRadio:               osRadio,
		supervisors:           sorted,
		reconnectLimiter:      rate.NewLimiter(rate.Every(cfg.GlobalReconnectCooldown), 1),
		lastPerDeviceRecovery: make(map[int]time.Time),
	}
}

// Supervisors returns the coordinator's supervisors in device-number order.
func (c *Coordinator) Supervisors() []*supervisor.Supervisor { return c.supervisors }

// ConnectAll performs the mandatory serial initial connect: one supervisor
// at a time in ascending device_number order, with >=1s pause between
// successful connects. Failures are logged and do not block the rest of
// the fleet from attempting to connect.
func (c *Coordinator) ConnectAll(ctx context.Context) {
	for _, sv := range c.supervisors {
		c.connectMu.Lock()
		err := sv.Connect(ctx)
		c.connectMu.Unlock()

		if err != nil {
			c.logger.Warn("initial connect failed", "device", sv.DeviceNumber, "error", err)
			continue
		}

		c.logger.Info("initial connect succeeded", "device", sv.DeviceNumber, "name", sv.Name)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.InitialConnectGap):
		}
	}
}

// Run drives health polling and host-radio recovery until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollHealth(ctx)
		}
	}
}

func (c *Coordinator) pollHealth(ctx context.Context) {
	if c.isPaused() {
		return
	}

	for _, sv := range c.supervisors {
		if sv.IsFailed() {
			go c.recoverFailedDevice(ctx, sv)
			continue
		}
		if !sv.IsReady() {
			continue
		}
		healthy, reason := sv.CheckHealth(time.Now())
		if !healthy {
			c.logger.Warn("supervisor unhealthy, requesting reconnect", "device", sv.DeviceNumber, "reason", reason)
			go c.reconnect(ctx, sv)
		}
	}
}

// reconnect waits for a slot on the global reconnect throttle, then runs the
// reconnect cycle for one supervisor, respecting the fleet -> supervisor
// lock order.
func (c *Coordinator) reconnect(ctx context.Context, sv *supervisor.Supervisor) {
	if err := c.reconnectLimiter.Wait(ctx); err != nil {
		return
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	sv.Reconnect(ctx)
	if err := sv.Connect(ctx); err != nil {
		c.logger.Warn("reconnect failed", "device", sv.DeviceNumber, "error", err)
	}
}

func (c *Coordinator) isPaused() bool {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	return c.paused
}

func (c *Coordinator) setPaused(v bool) {
	c.pausedMu.Lock()
	c.paused = v
	c.pausedMu.Unlock()
}

// recoverFailedDevice implements the host-radio recovery escalation of
// spec.md §4.5. It is a no-op (deferred) if either cooldown is active.
func (c *Coordinator) recoverFailedDevice(ctx context.Context, sv *supervisor.Supervisor) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	now := time.Now()
	if last, ok := c.lastPerDeviceRecovery[sv.DeviceNumber]; ok && now.Sub(last) < c.cfg.OSRecoveryPerDeviceCooldown {
		c.logger.Debug("host-radio recovery deferred: per-device cooldown active", "device", sv.DeviceNumber)
		return
	}
	if !c.lastGlobalRecovery.IsZero() && now.Sub(c.lastGlobalRecovery) < c.cfg.OSRecoveryGlobalCooldown {
		c.logger.Debug("host-radio recovery deferred: global cooldown active", "device", sv.DeviceNumber)
		return
	}

	c.logger.Warn("escalating to host-radio recovery", "device", sv.DeviceNumber)
	c.setPaused(true)
	defer c.setPaused(false)

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.OSRecoveryPauseSettle):
	}

	c.lastPerDeviceRecovery[sv.DeviceNumber] = now
	c.lastGlobalRecovery = now

	softCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := c.osRadio.SoftRemove(softCtx, sv.RadioAddress)
	cancel()

	if err != nil {
		c.logger.Warn("soft radio remove failed, attempting hard reset", "device", sv.DeviceNumber, "error", err)
		hardCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		hardErr := c.osRadio.HardReset(hardCtx)
		cancel()
		if hardErr != nil {
			c.logger.Error("hard radio reset failed", "error", hardErr)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.OSRecoveryPostResetSettle):
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.OSRecoveryFinalWait):
	}

	sv.ResetFailures()
	if err := sv.Connect(ctx); err != nil {
		c.logger.Warn("post-recovery reconnect failed", "device", sv.DeviceNumber, "error", err)
	}
}

// Shutdown disconnects every supervisor in ascending device_number order
// with a 0.5s gap, per spec.md §5's cancellation semantics. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, sv := range c.supervisors {
		sv.Shutdown(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
