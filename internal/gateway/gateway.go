// Package gateway wires the Link Driver, Device Supervisors, Fleet
// Coordinator, Detector, Calibrator, Event Writer, Telemetry Publisher and
// status surface into one running process. Grounded on the teacher's
// internal/agent/daemon.go: a single RunDaemon-shaped entry point that
// starts everything, blocks on OS signals, and tears everything down in
// order on shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trainwatch/imu-gateway/internal/calibrator"
	"github.com/trainwatch/imu-gateway/internal/config"
	"github.com/trainwatch/imu-gateway/internal/detector"
	"github.com/trainwatch/imu-gateway/internal/fleet"
	"github.com/trainwatch/imu-gateway/internal/link"
	"github.com/trainwatch/imu-gateway/internal/sample"
	"github.com/trainwatch/imu-gateway/internal/status"
	"github.com/trainwatch/imu-gateway/internal/store"
	"github.com/trainwatch/imu-gateway/internal/supervisor"
	"github.com/trainwatch/imu-gateway/internal/telemetry"
	"github.com/trainwatch/imu-gateway/internal/writer"
)

// Gateway owns every long-lived component for one configured fleet of IMU
// devices plus their supporting infrastructure.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *store.Store
	writer *writer.Writer

	supervisors   []*supervisor.Supervisor
	byDevice      map[int]*supervisor.Supervisor
	coordinator   *fleet.Coordinator
	detector      *detector.Detector
	calibrator    *calibrator.Calibrator
	calibCron     *cron.Cron
	calibCronSpec string
	telemetry     *telemetry.Publisher
	statusStore   *status.Store
	statusServer  *http.Server

	reportCron *cron.Cron

	wg sync.WaitGroup
}

// New builds a Gateway from a validated Config. linkFactory constructs the
// Link implementation for one device; production deployments inject a real
// radio binding, tests and the default `-sim` runtime mode pass a
// link.SimLink factory (spec.md §4.2: no BLE radio library is in the
// example corpus, so the Link Driver ships only the interface plus a
// simulated implementation).
func New(cfg *config.Config, logger *slog.Logger, linkFactory func(deviceNumber int) link.Link, osRadio fleet.OSRadioController) (*Gateway, error) {
	g := &Gateway{
		cfg:         cfg,
		logger:      logger,
		byDevice:    make(map[int]*supervisor.Supervisor),
		statusStore: status.NewStore(),
	}

	dbPath := filepath.Join(cfg.Output.Directory, cfg.Output.DatabaseFilename)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	g.store = st

	g.writer = writer.New(cfg.Output.Directory, cfg.Detection.ThresholdG, eventStoreAdapter{st}, logger)

	g.detector = detector.New(detector.Config{
		ThresholdG:       cfg.Detection.ThresholdG,
		StopThresholdG:   cfg.Detection.StopThresholdZ,
		StopWindowSize:   cfg.Detection.StopWindowSize,
		MaxRecordSeconds: cfg.Detection.MaxRecordSeconds,
	}, logger, g.readyDevices, g.lookupBias, g.ringSnapshot, g.onEvent)

	calCfg := calibrator.Config{
		IntervalHours:      cfg.Calibration.IntervalHours,
		Samples:            cfg.Calibration.Samples,
		DurationS:          cfg.Calibration.DurationS,
		VibrationThreshold: cfg.Calibration.VibrationThreshold,
	}
	g.calibrator = calibrator.New(calCfg, logger, g.readyDevices, g.setBias, g.detectorIdle)
	g.calibCronSpec = calCfg.CronSpec()

	svCfg := supervisor.Config{
		ConnectTimeout:         cfg.Timeouts.Connect,
		DiscoverTimeout:        cfg.Timeouts.Discover,
		FirstSampleTimeout:     cfg.Timeouts.FirstSample,
		CleanupTimeout:         cfg.Timeouts.Cleanup,
		DataTimeout:            cfg.Health.DataTimeout,
		SlidingWindowSize:      cfg.Health.SlidingWindowSize,
		TriggerPercentage:      cfg.Health.TriggerPercentage,
		MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
		RingBufferCapacity:     cfg.RingBufferCapacity(),
	}

	for _, d := range cfg.Devices {
		if !d.Enabled {
			continue
		}
		l := linkFactory(d.DeviceNumber)
		sv := supervisor.New(d.DeviceNumber, d.Name, d.RadioAddress, l, svCfg, logger, g.onSample)
		g.supervisors = append(g.supervisors, sv)
		g.byDevice[d.DeviceNumber] = sv
	}

	fleetCfg := fleet.Config{
		InitialConnectGap:           time.Second,
		GlobalReconnectCooldown:     cfg.Reconnect.GlobalCooldown,
		HealthCheckInterval:         cfg.Health.CheckInterval,
		OSRecoveryPerDeviceCooldown: cfg.Reconnect.OSCleanupCooldown,
		OSRecoveryGlobalCooldown:    cfg.Reconnect.OSCleanupGlobalCooldown,
		OSRecoveryPauseSettle:       2 * time.Second,
		OSRecoveryPostResetSettle:   10 * time.Second,
		OSRecoveryFinalWait:         5 * time.Second,
	}
	if osRadio == nil {
		osRadio = fleet.NoopOSRadioController{}
	}
	g.coordinator = fleet.New(fleetCfg, osRadio, logger, g.supervisors)

	var archiver telemetry.Archiver
	if cfg.Telemetry.ArchiveBucket != "" {
		s3arch, err := telemetry.NewS3Archiver(context.Background(), telemetry.ArchiveCredentials{
			Bucket:    cfg.Telemetry.ArchiveBucket,
			FolderID:  cfg.Telemetry.ArchiveFolderID,
			AccessKey: cfg.Telemetry.ArchiveAccessKey,
			SecretKey: cfg.Telemetry.ArchiveSecretKey,
			Region:    cfg.Telemetry.ArchiveRegion,
		})
		if err != nil {
			logger.Warn("archive upload disabled: failed to build s3 client", "error", err)
		} else {
			archiver = s3arch
		}
	}

	g.telemetry = telemetry.New(telemetry.Config{
		EventBaseURL:       cfg.Telemetry.EventBaseURL,
		EventStartPath:     cfg.Telemetry.EventStartPath,
		EventEndPath:       cfg.Telemetry.EventEndPath,
		EventDevicePath:    cfg.Telemetry.EventDevicePath,
		HealthURL:          healthURL(cfg.Telemetry),
		HealthInterval:     cfg.Telemetry.HealthInterval,
		ArchiveSettleDelay: cfg.Telemetry.ArchiveSettleDelay,
		RequestTimeout:     cfg.Timeouts.HTTP,
	}, logger, g, archiver)

	return g, nil
}

// eventStoreAdapter lets *store.Store serve as the Event Writer's
// writer.EventStore; the two record types have identical fields.
type eventStoreAdapter struct{ st *store.Store }

func (a eventStoreAdapter) Exists(eventID string) (bool, error) { return a.st.Exists(eventID) }
func (a eventStoreAdapter) Insert(r writer.StoreRecord) error   { return a.st.Insert(store.Record(r)) }

func healthURL(t config.TelemetryConfig) string {
	if t.HealthHost == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d%s", t.HealthHost, t.HealthPort, t.HealthPath)
}

// Run connects the fleet, starts every background loop, and serves the
// status endpoint on addr (empty disables it). It blocks until ctx is
// cancelled, then tears everything down: schedulers and the status server
// stop, then supervisors disconnect in ascending order with a settle gap.
// The detector is not stopped or flushed on shutdown, so a recording still
// in progress at that point is not handed to the Event Writer.
func (g *Gateway) Run(ctx context.Context, statusAddr string) error {
	g.coordinator.ConnectAll(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.coordinator.Run(ctx)
	}()

	g.reportCron = cron.New()
	if _, err := g.reportCron.AddFunc("@every 30s", g.reportStatus); err != nil {
		return fmt.Errorf("registering status report job: %w", err)
	}
	g.reportCron.Start()
	g.reportStatus()

	if err := g.telemetry.Start(ctx); err != nil {
		return fmt.Errorf("starting telemetry publisher: %w", err)
	}

	g.calibCron = cron.New()
	if _, err := g.calibCron.AddFunc(g.calibCronSpec, func() { g.calibrator.Run(ctx) }); err != nil {
		return fmt.Errorf("registering calibration job: %w", err)
	}
	g.calibCron.Start()
	go g.calibrator.Run(ctx) // immediate pass at startup (cron's @every does not fire on registration)

	if statusAddr != "" {
		g.statusServer = &http.Server{Addr: statusAddr, Handler: status.NewRouter(g.statusStore)}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				g.logger.Error("status server stopped unexpectedly", "error", err)
			}
		}()
	}

	<-ctx.Done()
	g.shutdown()
	return nil
}

// shutdown runs the mandatory teardown sequence: stop schedulers, stop the
// status server, disconnect supervisors in order (spec.md §5).
func (g *Gateway) shutdown() {
	g.logger.Info("gateway shutting down")

	if g.calibCron != nil {
		g.calibCron.Stop()
	}
	if g.reportCron != nil {
		g.reportCron.Stop()
	}
	g.telemetry.Stop()

	if g.statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.statusServer.Shutdown(shutdownCtx)
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	g.coordinator.Shutdown(shutdownCtx)
	cancel()

	g.wg.Wait()
	g.store.Close()
}

// onSample fans one parsed sample out to the Detector and the Calibrator.
// Runs on the calling supervisor's consumer goroutine, synchronous
// start-to-finish (spec.md §5).
func (g *Gateway) onSample(device int, s sample.Sample) {
	g.detector.OnSample(device, s)
	g.calibrator.OnSample(device, s)
}

// onEvent is the Detector's EventReady callback. It must return
// immediately, so all persistence and notification work happens on a
// worker goroutine (spec.md §4.8: "Execution: runs on a worker — never on
// the detector's callback path").
func (g *Gateway) onEvent(ev detector.Event) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g.telemetry.PublishEventStart(ctx, ev.EventID, ev.TriggerDevice, ev.TriggerTime)

		written, err := g.writer.Write(ctx, writer.Recording{
			EventID:          ev.EventID,
			TriggerDevice:    ev.TriggerDevice,
			TriggerTime:      ev.TriggerTime,
			TriggerMagnitude: ev.TriggerMagnitude,
			Duration:         ev.Duration,
			Snapshot:         ev.Snapshot,
			DeviceNumberList: ev.DeviceNumberList,
		})
		if err != nil {
			g.logger.Error("event write failed", "event_id", ev.EventID, "error", err)
			return
		}

		g.logger.Info("event complete",
			"event_id", written.EventID,
			"trigger_device", written.TriggerDevice,
			"duration_s", written.DurationS,
			"max_acceleration_g", written.MaxAcceleration,
			"devices", written.DeviceNumberList,
		)

		g.telemetry.PublishEventEnd(ctx, telemetry.WrittenEvent{
			EventID:          written.EventID,
			TriggerDevice:    written.TriggerDevice,
			TriggerTime:      written.TriggerTime,
			EndTime:          written.EndTime,
			DurationS:        written.DurationS,
			ThresholdG:       written.ThresholdG,
			MaxAcceleration:  written.MaxAcceleration,
			DeviceNumberList: written.DeviceNumberList,
			Path:             written.Path,
		})
		for _, dev := range written.DeviceNumberList {
			g.telemetry.PublishEventDeviceSummary(ctx, written.EventID, dev)
		}
	}()
}

// readyDevices, lookupBias, setBias, ringSnapshot and detectorIdle are the
// narrow collaborator functions the Detector and Calibrator are built
// around (spec.md §4.6, §4.7); none of them take a lock the supervisor
// doesn't already manage internally.
func (g *Gateway) readyDevices() []int {
	var out []int
	for _, sv := range g.supervisors {
		if sv.IsReady() {
			out = append(out, sv.DeviceNumber)
		}
	}
	return out
}

func (g *Gateway) lookupBias(device int) float64 {
	if sv, ok := g.byDevice[device]; ok {
		return sv.ZBias()
	}
	return 0
}

func (g *Gateway) setBias(device int, bias float64) {
	if sv, ok := g.byDevice[device]; ok {
		sv.SetZBias(bias)
	}
}

func (g *Gateway) ringSnapshot(device int) []sample.Sample {
	if sv, ok := g.byDevice[device]; ok {
		return sv.Ring().Snapshot()
	}
	return nil
}

func (g *Gateway) detectorIdle() bool {
	return g.detector.State() == detector.StateIdle
}

// Snapshot implements telemetry.HealthSource: the fleet's live view,
// published on the periodic health-snapshot channel.
func (g *Gateway) Snapshot() telemetry.HealthSnapshot {
	snap := telemetry.HealthSnapshot{
		Timestamp:     time.Now(),
		DetectorState: g.detector.State(),
	}
	now := time.Now()
	for _, sv := range g.supervisors {
		last := sv.LastSampleTime()
		age := 0.0
		if !last.IsZero() {
			age = time.Since(last).Seconds()
		}
		snap.Devices = append(snap.Devices, telemetry.DeviceHealth{
			DeviceNumber:        sv.DeviceNumber,
			State:               sv.State(),
			LastSampleAgeS:      age,
			ConsecutiveFailures: int(sv.Failures()),
			UnhealthyFraction:   sv.UnhealthyFraction(now),
			LastMagnitudeG:      sv.LastMagnitudeG(),
		})
	}
	return snap
}

// reportStatus refreshes the status.Store from current supervisor state.
// Runs every 30s on its own cron tick (spec.md §7: "periodic status
// reports (every 30s)").
func (g *Gateway) reportStatus() {
	snap := status.Snapshot{
		Timestamp:     time.Now(),
		DetectorState: g.detector.State(),
	}
	now := time.Now()
	for _, sv := range g.supervisors {
		ring := sv.Ring()
		last := sv.LastSampleTime()
		age := 0.0
		if !last.IsZero() {
			age = time.Since(last).Seconds()
		}
		snap.Devices = append(snap.Devices, status.DeviceSnapshot{
			DeviceNumber:        sv.DeviceNumber,
			State:               sv.State(),
			LastSampleAgeS:      age,
			ConsecutiveFailures: int(sv.Failures()),
			RingBufferLen:       ring.Len(),
			RingBufferCap:       ring.Capacity(),
			UnhealthyFraction:   sv.UnhealthyFraction(now),
			LastMagnitudeG:      sv.LastMagnitudeG(),
		})
	}
	g.statusStore.Update(snap)
	g.logger.Info("status report", "detector_state", snap.DetectorState, "devices", len(snap.Devices))
}

// StatusStore exposes the live status store. The "gateway health" CLI
// subcommand does not use it; it probes a running instance over HTTP.
func (g *Gateway) StatusStore() *status.Store { return g.statusStore }
