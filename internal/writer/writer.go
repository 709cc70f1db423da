// Package writer implements the Event Writer: it takes a completed
// recording snapshot and persists it atomically to disk and to the event
// store (spec.md §4.8). It always runs on a worker goroutine, never on the
// Detector's sample-callback path.
package writer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/trainwatch/imu-gateway/internal/logging"
	"github.com/trainwatch/imu-gateway/internal/sample"
)

// lowDiskThresholdBytes is the free-space floor below which the writer
// logs a warning but still attempts the write (spec.md §4.8).
const lowDiskThresholdBytes = 100 * 1024 * 1024

// Recording is the Event Writer's input: a completed recording snapshot
// plus the metadata the Detector recorded at trigger time. It deliberately
// mirrors detector.Event's fields rather than importing that package, to
// keep the write path's contract independent of the detector's internals.
type Recording struct {
	EventID          string
	TriggerDevice    int
	TriggerTime      time.Time
	TriggerMagnitude float64
	Duration         time.Duration
	Snapshot         map[int][]sample.Sample
	DeviceNumberList []int
}

// WrittenEvent describes a successfully persisted event, for the handoff
// to the Telemetry Publisher.
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

// EventStore is the durable persistence collaborator. The gateway wraps
// internal/store.Store in a small adapter to satisfy it; narrowed here so
// the writer is testable without a real event log.
type EventStore interface {
	Exists(eventID string) (bool, error)
	Insert(r StoreRecord) error
}

// StoreRecord mirrors store.Record so this package does not need to import
// internal/store for the struct shape.
type StoreRecord struct {
	EventID         string
	StartTime       time.Time
	EndTime         time.Time
	DurationS       float64
	TriggerDevice   int
	MaxAcceleration float64
	NumDevices      int
	DataPath        string
	CreatedAt       time.Time
}

// Writer persists completed EventSnapshots. Grounded on the teacher's
// AtomicWriter (internal/server/storage.go): write under a temp name,
// finalize by rename, metadata.json last so its presence is the
// "event complete" marker (spec.md §4.8).
type Writer struct {
	outputDir  string
	thresholdG float64
	store      EventStore
	logger     *slog.Logger
}

// New creates a Writer rooted at outputDir. thresholdG is recorded in each
// event's metadata as the threshold that was in effect.
func New(outputDir string, thresholdG float64, store EventStore, logger *slog.Logger) *Writer {
	return &Writer{
		outputDir:  outputDir,
		thresholdG: thresholdG,
		store:      store,
		logger:     logger.With("component", "event_writer"),
	}
}

// Write persists one Recording: per-device CSVs, metadata.json last, then
// a database insert. Disk-space-low is a warning, not a failure. An I/O
// error on metadata.json specifically is logged and the call returns
// without a database insert (spec.md §4.8). The returned WrittenEvent is
// only valid when err is nil.
func (w *Writer) Write(ctx context.Context, rec Recording) (WrittenEvent, error) {
	eventID, err := w.resolveEventID(rec.EventID)
	if err != nil {
		return WrittenEvent{}, fmt.Errorf("resolving event id: %w", err)
	}

	eventDir := filepath.Join(w.outputDir, "event_"+eventID)
	sessionLogger, closer, err := logging.NewEventLogger(w.logger, eventDir)
	if err != nil {
		return WrittenEvent{}, fmt.Errorf("opening event directory: %w", err)
	}
	defer closer.Close()

	w.checkDiskSpace(sessionLogger, eventDir)

	devices := nonEmptyDevices(rec.Snapshot)
	maxAccel := 0.0
	for _, dev := range devices {
		n, peak, err := writeDeviceCSV(eventDir, dev, rec.Snapshot[dev])
		if err != nil {
			sessionLogger.Error("writing device csv failed", "device", dev, "error", err)
			return WrittenEvent{}, fmt.Errorf("writing device %d csv: %w", dev, err)
		}
		if peak > maxAccel {
			maxAccel = peak
		}
		sessionLogger.Info("device samples written", "device", dev, "samples", n)
	}

	endTime := rec.TriggerTime.Add(rec.Duration)
	meta := eventMetadata{
		EventID:         eventID,
		TriggerDevice:   rec.TriggerDevice,
		TriggerTime:     rec.TriggerTime.Format(time.RFC3339Nano),
		DurationSeconds: rec.Duration.Seconds(),
		ThresholdG:      w.thresholdG,
		MaxAccelerationG: maxAccel,
		Devices:         devices,
	}
	if err := writeMetadata(eventDir, meta); err != nil {
		sessionLogger.Error("writing metadata.json failed", "error", err)
		return WrittenEvent{}, fmt.Errorf("writing metadata: %w", err)
	}

	now := time.Now()
	if w.store != nil {
		err := w.store.Insert(StoreRecord{
			EventID:         eventID,
			StartTime:       rec.TriggerTime,
			EndTime:         endTime,
			DurationS:       rec.Duration.Seconds(),
			TriggerDevice:   rec.TriggerDevice,
			MaxAcceleration: maxAccel,
			NumDevices:      len(devices),
			DataPath:        eventDir,
			CreatedAt:       now,
		})
		if err != nil {
			sessionLogger.Warn("event store insert failed", "error", err)
		}
	}

	sessionLogger.Info("event persisted", "event_id", eventID, "devices", len(devices), "max_acceleration_g", maxAccel)
	logging.RemoveEventLog(eventDir)

	return WrittenEvent{
		EventID:          eventID,
		TriggerDevice:    rec.TriggerDevice,
		TriggerTime:      rec.TriggerTime,
		EndTime:          endTime,
		DurationS:        rec.Duration.Seconds(),
		ThresholdG:       w.thresholdG,
		MaxAcceleration:  maxAccel,
		DeviceNumberList: devices,
		Path:             eventDir,
	}, nil
}

// resolveEventID appends a numeric suffix on collision, checked against
// both the on-disk directory and the event store (spec.md §3, §6).
func (w *Writer) resolveEventID(base string) (string, error) {
	candidate := base
	for suffix := 2; ; suffix++ {
		taken, err := w.idTaken(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + "_" + strconv.Itoa(suffix)
	}
}

func (w *Writer) idTaken(id string) (bool, error) {
	if _, err := os.Stat(filepath.Join(w.outputDir, "event_"+id)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat event directory: %w", err)
	}
	if w.store == nil {
		return false, nil
	}
	return w.store.Exists(id)
}

func (w *Writer) checkDiskSpace(logger *slog.Logger, dir string) {
	usage, err := disk.Usage(filepath.Dir(dir))
	if err != nil {
		logger.Debug("disk usage check failed", "error", err)
		return
	}
	free := usage.Total - usage.Used
	if free < lowDiskThresholdBytes {
		logger.Warn("disk space low, continuing anyway", "free_bytes", free)
	}
}

func nonEmptyDevices(snapshot map[int][]sample.Sample) []int {
	devices := make([]int, 0, len(snapshot))
	for dev, samples := range snapshot {
		if len(samples) == 0 {
			continue
		}
		devices = append(devices, dev)
	}
	sort.Ints(devices)
	return devices
}

// writeDeviceCSV writes one device's samples to device_<N>.csv and returns
// the sample count and the max magnitude observed.
func writeDeviceCSV(eventDir string, device int, samples []sample.Sample) (int, float64, error) {
	if err := os.MkdirAll(eventDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("creating event directory: %w", err)
	}

	path := filepath.Join(eventDir, fmt.Sprintf("device_%d.csv", device))
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, 0, fmt.Errorf("creating csv temp file: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{"timestamp", "AccX", "AccY", "AccZ", "AngX", "AngY", "AngZ", "AsX", "AsY", "AsZ"}
	if err := w.Write(header); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("writing csv header: %w", err)
	}

	maxMag := 0.0
	for _, s := range samples {
		row := []string{
			s.Time.Format("2006-01-02 15:04:05.000000"),
			formatFloat(s.AccX), formatFloat(s.AccY), formatFloat(s.AccZ),
			formatFloat(s.AngX), formatFloat(s.AngY), formatFloat(s.AngZ),
			formatFloat(s.GyroX), formatFloat(s.GyroY), formatFloat(s.GyroZ),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return 0, 0, fmt.Errorf("writing csv row: %w", err)
		}
		if mag := s.Magnitude(); mag > maxMag {
			maxMag = mag
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("flushing csv: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("closing csv temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, 0, fmt.Errorf("finalizing csv file: %w", err)
	}

	return len(samples), maxMag, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

type eventMetadata struct {
	EventID          string  `json:"event_id"`
	TriggerDevice    int     `json:"trigger_device_number"`
	TriggerTime      string  `json:"trigger_time"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ThresholdG       float64 `json:"threshold_g"`
	MaxAccelerationG float64 `json:"max_acceleration_g"`
	Devices          []int   `json:"devices"`
}

// writeMetadata writes metadata.json last, via tmp-file + rename, so its
// presence on disk is the atomic "event complete" marker (spec.md §4.8,
// Invariants).
func writeMetadata(eventDir string, meta eventMetadata) error {
	if err := os.MkdirAll(eventDir, 0755); err != nil {
		return fmt.Errorf("creating event directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	path := filepath.Join(eventDir, "metadata.json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing metadata temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing metadata file: %w", err)
	}
	return nil
}

// MaxAccelerationOf returns max over samples of sqrt(x^2+y^2+z^2), the same
// computation Write uses for max_acceleration_g, exposed for use on a live
// snapshot before Write is called.
func MaxAccelerationOf(samples []sample.Sample) float64 {
	max := 0.0
	for _, s := range samples {
		if m := s.Magnitude(); m > max {
			max = m
		}
	}
	return max
}
