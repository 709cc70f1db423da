// Package telemetry implements the Telemetry Publisher: three independent
// fire-and-forget outbound channels (health snapshots, event notifications,
// event archive uploads), each with its own short timeout. A failure on any
// channel increments a counter and is logged at debug level; it never
// retries synchronously and never propagates to any other subsystem
// (spec.md §4.9).
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DeviceHealth is one device's entry in a health snapshot.
type DeviceHealth struct {
	DeviceNumber        int     `json:"device_number"`
	State               string  `json:"state"`
	LastSampleAgeS      float64 `json:"last_sample_age_s"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	UnhealthyFraction   float64 `json:"unhealthy_fraction"`
	LastMagnitudeG      float64 `json:"last_magnitude_g"`
}

// HealthSnapshot is the periodic fleet-wide status payload.
type HealthSnapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	DetectorState string         `json:"detector_state"`
	Devices       []DeviceHealth `json:"devices"`
}

// HealthSource supplies the live snapshot at publish time. Satisfied by
// *gateway.Gateway; narrowed here so the publisher is testable without a
// real fleet.
type HealthSource interface {
	Snapshot() HealthSnapshot
}

// WrittenEvent mirrors writer.WrittenEvent's shape. Defined independently
// so this package does not need to import internal/writer.
type WrittenEvent struct {
	EventID          string
	TriggerDevice    int
	TriggerTime      time.Time
	EndTime          time.Time
	DurationS        float64
	ThresholdG       float64
	MaxAcceleration  float64
	DeviceNumberList []int
	Path             string
}

// Config bundles the three channels' endpoints and timing (spec.md §6).
type Config struct {
	EventBaseURL    string
	EventStartPath  string
	EventEndPath    string
	EventDevicePath string

	HealthURL      string
	HealthInterval time.Duration

	ArchiveSettleDelay time.Duration

	RequestTimeout time.Duration
}

// Counters reports the three channels' cumulative failure counts, read via
// Publisher.Counters. They are not part of the internal/status snapshot.
type Counters struct {
	HealthFailures  int64
	EventFailures   int64
	ArchiveFailures int64
}

// Publisher is the Telemetry Publisher. It owns an HTTP client shared by
// the health and event channels and an optional Archiver for the event
// archive channel. All publish methods are fire-and-forget: they log
// failures and increment a counter, never return an error the caller must
// handle (spec.md §4.9, §7).
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	health HealthSource
	arch   Archiver

	cron *cron.Cron

	healthFailures  int64
	eventFailures   int64
	archiveFailures int64

	runMu   sync.Mutex
	running bool
}

// Archiver uploads a completed event's on-disk directory to bulk storage.
// Satisfied by *S3Archiver; narrowed so the publisher is testable without
// network access.
type Archiver interface {
	Upload(ctx context.Context, eventID, dir string) error
}

// New creates a Publisher. health or arch may be nil to disable that
// channel (e.g. a deployment with no configured archive bucket).
func New(cfg Config, logger *slog.Logger, health HealthSource, arch Archiver) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "telemetry"),
		client: &http.Client{Timeout: cfg.RequestTimeout},
		health: health,
		arch:   arch,
	}
}

// Start registers the periodic health-snapshot cron job and starts it.
// Grounded on the teacher's Scheduler/BackupJob run-guard
// (internal/agent/scheduler.go): a job already in flight when its tick
// fires is skipped rather than overlapped.
func (p *Publisher) Start(ctx context.Context) error {
	if p.health == nil || p.cfg.HealthInterval <= 0 {
		return nil
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug))))
	spec := fmt.Sprintf("@every %s", p.cfg.HealthInterval)
	if _, err := c.AddFunc(spec, func() { p.publishHealthTick(ctx) }); err != nil {
		return fmt.Errorf("registering health snapshot job: %w", err)
	}
	p.cron = c
	c.Start()

	p.publishHealthTick(ctx) // first snapshot immediately, cron fires only on the boundary
	return nil
}

// Stop cancels the periodic health job. It does not wait on in-flight
// event or archive publishes; those are independently bounded by
// RequestTimeout / ArchiveSettleDelay.
func (p *Publisher) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

func (p *Publisher) publishHealthTick(ctx context.Context) {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		p.logger.Debug("health snapshot tick skipped, previous publish still running")
		return
	}
	p.running = true
	p.runMu.Unlock()

	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runMu.Unlock()
	}()

	p.PublishHealth(ctx)
}

// PublishHealth POSTs the current fleet snapshot. Exposed directly (in
// addition to the cron tick) so callers can force an out-of-band publish.
func (p *Publisher) PublishHealth(ctx context.Context) {
	if p.health == nil || p.cfg.HealthURL == "" {
		return
	}
	snap := p.health.Snapshot()
	if err := p.post(ctx, p.cfg.HealthURL, snap); err != nil {
		atomic.AddInt64(&p.healthFailures, 1)
		p.logger.Debug("health snapshot publish failed", "error", err)
	}
}

// eventStartPayload / eventEndPayload / eventDevicePayload are the three
// small POST bodies spec.md §4.9 describes.
type eventStartPayload struct {
	EventID       string    `json:"event_id"`
	TriggerDevice int       `json:"trigger_device_number"`
	TriggerTime   time.Time `json:"trigger_time"`
}

type eventEndPayload struct {
	EventID         string  `json:"event_id"`
	DurationS       float64 `json:"duration_seconds"`
	ThresholdG      float64 `json:"threshold_g"`
	MaxAcceleration float64 `json:"max_acceleration_g"`
	NumDevices      int     `json:"num_devices"`
}

type eventDevicePayload struct {
	EventID string `json:"event_id"`
	Device  int    `json:"device_number"`
}

// PublishEventStart notifies the event-start endpoint. The gateway calls it
// from its event worker once the recording has ended, just before the Event
// Writer runs; never inline on the callback path.
func (p *Publisher) PublishEventStart(ctx context.Context, eventID string, device int, triggerTime time.Time) {
	p.publishEvent(ctx, p.cfg.EventStartPath, eventStartPayload{
		EventID: eventID, TriggerDevice: device, TriggerTime: triggerTime,
	})
}

// PublishEventEnd notifies the event-end endpoint once the Event Writer has
// persisted the event.
func (p *Publisher) PublishEventEnd(ctx context.Context, ev WrittenEvent) {
	p.publishEvent(ctx, p.cfg.EventEndPath, eventEndPayload{
		EventID:         ev.EventID,
		DurationS:       ev.DurationS,
		ThresholdG:      ev.ThresholdG,
		MaxAcceleration: ev.MaxAcceleration,
		NumDevices:      len(ev.DeviceNumberList),
	})

	if p.arch != nil && p.cfg.ArchiveSettleDelay >= 0 {
		go p.publishArchiveAfterSettle(ev.EventID, ev.Path)
	}
}

// PublishEventDeviceSummary notifies the per-device endpoint, once per
// participating device.
func (p *Publisher) PublishEventDeviceSummary(ctx context.Context, eventID string, device int) {
	p.publishEvent(ctx, p.cfg.EventDevicePath, eventDevicePayload{EventID: eventID, Device: device})
}

func (p *Publisher) publishEvent(ctx context.Context, path string, payload any) {
	if p.cfg.EventBaseURL == "" || path == "" {
		return
	}
	if err := p.post(ctx, p.cfg.EventBaseURL+path, payload); err != nil {
		atomic.AddInt64(&p.eventFailures, 1)
		p.logger.Debug("event notification publish failed", "path", path, "error", err)
	}
}

// publishArchiveAfterSettle waits the configured settling delay, then
// uploads the event directory. Runs on its own goroutine, detached from
// the caller's context, since it outlives the request that triggered it
// (spec.md §4.9: "uploads ... after a short settling delay").
func (p *Publisher) publishArchiveAfterSettle(eventID, dir string) {
	time.Sleep(p.cfg.ArchiveSettleDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := p.arch.Upload(ctx, eventID, dir); err != nil {
		atomic.AddInt64(&p.archiveFailures, 1)
		p.logger.Debug("event archive upload failed", "event_id", eventID, "error", err)
		return
	}
	p.logger.Info("event archive uploaded", "event_id", eventID)
}

// Counters returns the three channels' cumulative failure counts.
func (p *Publisher) Counters() Counters {
	return Counters{
		HealthFailures:  atomic.LoadInt64(&p.healthFailures),
		EventFailures:   atomic.LoadInt64(&p.eventFailures),
		ArchiveFailures: atomic.LoadInt64(&p.archiveFailures),
	}
}

func (p *Publisher) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
