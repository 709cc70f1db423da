// Package config loads and validates the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full configuration, as read once at startup.
// Grounded on the teacher's internal/config/agent.go: struct-tag YAML,
// load-then-validate, defaults filled by validate().
type Config struct {
	Devices     []DeviceConfig    `yaml:"devices"`
	Detection   DetectionConfig   `yaml:"detection"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Health      HealthConfig      `yaml:"health"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Output      OutputConfig      `yaml:"output"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DeviceConfig is one configured IMU.
type DeviceConfig struct {
	DeviceNumber int    `yaml:"device_number"`
	Name         string `yaml:"name"`
	RadioAddress string `yaml:"radio_address"`
	Enabled      bool   `yaml:"enabled"`
}

// DetectionConfig holds the Detector's trigger/stop parameters.
type DetectionConfig struct {
	ThresholdG           float64 `yaml:"threshold_g"`
	PostTriggerDurationS float64 `yaml:"post_trigger_duration_s"`
	MaxRecordSeconds     float64 `yaml:"max_record_seconds"`
	StopThresholdZ       float64 `yaml:"stop_threshold_z"`
	StopWindowSize       int     `yaml:"stop_window_size"`
	RingBufferRetentionS float64 `yaml:"ring_buffer_retention_s"`
	SampleRateHz         int     `yaml:"sample_rate_hz"`
}

// CalibrationConfig holds the Calibrator's parameters.
type CalibrationConfig struct {
	IntervalHours      float64 `yaml:"interval_hours"`
	Samples            int     `yaml:"samples"`
	DurationS          float64 `yaml:"duration_s"`
	VibrationThreshold float64 `yaml:"vibration_threshold"`
}

// TimeoutConfig holds every configurable operation timeout.
type TimeoutConfig struct {
	Connect                     time.Duration `yaml:"connect"`
	Discover                    time.Duration `yaml:"discover"`
	FirstSample                 time.Duration `yaml:"first_sample"`
	DataStaleness               time.Duration `yaml:"data_staleness"`
	HealthPoll                  time.Duration `yaml:"health_poll"`
	Cleanup                     time.Duration `yaml:"cleanup"`
	GlobalReconnectCooldown     time.Duration `yaml:"global_reconnect_cooldown"`
	HTTP                        time.Duration `yaml:"http"`
	OSRecoveryPerDeviceCooldown time.Duration `yaml:"os_recovery_per_device_cooldown"`
	OSRecoveryGlobalCooldown    time.Duration `yaml:"os_recovery_global_cooldown"`
}

// HealthConfig holds the sliding health window parameters.
type HealthConfig struct {
	DataTimeout            time.Duration `yaml:"data_timeout"`
	CheckInterval          time.Duration `yaml:"check_interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	SlidingWindowSize      int           `yaml:"sliding_window_size"`
	TriggerPercentage      float64       `yaml:"trigger_percentage"`
}

// ReconnectConfig holds fleet-wide reconnect/recovery policy.
type ReconnectConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	GlobalCooldown          time.Duration `yaml:"global_cooldown"`
	OSCleanupCooldown       time.Duration `yaml:"os_cleanup_cooldown"`
	OSCleanupGlobalCooldown time.Duration `yaml:"os_cleanup_global_cooldown"`
}

// OutputConfig holds on-disk output paths.
type OutputConfig struct {
	Directory        string `yaml:"directory"`
	// DatabaseFilename names the append-only JSONL event log, not a SQL
	// database, despite the field name kept for config-file compatibility.
	DatabaseFilename string `yaml:"database_filename"`
	LogFilename      string `yaml:"log_filename"`
}

// TelemetryConfig holds the three outbound publisher endpoints.
type TelemetryConfig struct {
	EventBaseURL    string        `yaml:"event_base_url"`
	EventStartPath  string        `yaml:"event_start_path"`
	EventEndPath    string        `yaml:"event_end_path"`
	EventDevicePath string        `yaml:"event_device_path"`

	HealthHost     string        `yaml:"health_host"`
	HealthPort     int           `yaml:"health_port"`
	HealthPath     string        `yaml:"health_path"`
	HealthInterval time.Duration `yaml:"health_interval"`

	ArchiveBucket      string        `yaml:"archive_bucket"`
	ArchiveFolderID    string        `yaml:"archive_folder_id"`
	ArchiveAccessKey   string        `yaml:"archive_access_key"`
	ArchiveSecretKey   string        `yaml:"archive_secret_key"`
	ArchiveRegion      string        `yaml:"archive_region"`
	ArchiveSettleDelay time.Duration `yaml:"archive_settle_delay"`
}

// LoggingConfig controls the ambient slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// SessionLogDir is parsed but not read by any component: the Event
	// Writer always writes the per-event session.log inside the event's
	// own directory.
	SessionLogDir string `yaml:"session_log_dir"`
}

// Load reads and validates the YAML configuration file at path. A missing
// file is fatal, matching spec.md §6.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("devices must have at least one entry")
	}
	if len(c.Devices) > 8 {
		return fmt.Errorf("devices must not exceed 8, got %d", len(c.Devices))
	}
	seen := make(map[int]bool)
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if d.RadioAddress == "" {
			return fmt.Errorf("devices[%d].radio_address is required", i)
		}
		if d.DeviceNumber < 0 {
			return fmt.Errorf("devices[%d].device_number must be non-negative", i)
		}
		if seen[d.DeviceNumber] {
			return fmt.Errorf("devices[%d].device_number %d is not unique", i, d.DeviceNumber)
		}
		seen[d.DeviceNumber] = true
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.DatabaseFilename == "" {
		c.Output.DatabaseFilename = "events.jsonl"
	}

	// Detection defaults
	if c.Detection.ThresholdG <= 0 {
		c.Detection.ThresholdG = 2.0
	}
	if c.Detection.MaxRecordSeconds <= 0 {
		c.Detection.MaxRecordSeconds = 60
	}
	if c.Detection.StopThresholdZ <= 0 {
		c.Detection.StopThresholdZ = 0.5
	}
	if c.Detection.StopWindowSize <= 0 {
		c.Detection.StopWindowSize = 50
	}
	if c.Detection.SampleRateHz <= 0 {
		c.Detection.SampleRateHz = 50
	}
	if c.Detection.RingBufferRetentionS <= 0 {
		c.Detection.RingBufferRetentionS = 5
	}

	// Calibration defaults
	if c.Calibration.IntervalHours <= 0 {
		c.Calibration.IntervalHours = 6
	}
	if c.Calibration.Samples <= 0 {
		c.Calibration.Samples = 100
	}
	if c.Calibration.DurationS <= 0 {
		c.Calibration.DurationS = 1
	}
	if c.Calibration.VibrationThreshold <= 0 {
		c.Calibration.VibrationThreshold = 0.3
	}

	// Timeout defaults
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = 15 * time.Second
	}
	if c.Timeouts.Discover <= 0 {
		c.Timeouts.Discover = 10 * time.Second
	}
	if c.Timeouts.FirstSample <= 0 {
		c.Timeouts.FirstSample = 5 * time.Second
	}
	if c.Timeouts.DataStaleness <= 0 {
		c.Timeouts.DataStaleness = 3 * time.Second
	}
	if c.Timeouts.HealthPoll <= 0 {
		c.Timeouts.HealthPoll = 2 * time.Second
	}
	if c.Timeouts.Cleanup <= 0 {
		c.Timeouts.Cleanup = 2 * time.Second
	}
	if c.Timeouts.GlobalReconnectCooldown <= 0 {
		c.Timeouts.GlobalReconnectCooldown = 5 * time.Second
	}
	if c.Timeouts.HTTP <= 0 {
		c.Timeouts.HTTP = 5 * time.Second
	}
	if c.Timeouts.OSRecoveryPerDeviceCooldown <= 0 {
		c.Timeouts.OSRecoveryPerDeviceCooldown = 600 * time.Second
	}
	if c.Timeouts.OSRecoveryGlobalCooldown <= 0 {
		c.Timeouts.OSRecoveryGlobalCooldown = 300 * time.Second
	}

	// Health defaults
	if c.Health.DataTimeout <= 0 {
		c.Health.DataTimeout = 3 * time.Second
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = 2 * time.Second
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		c.Health.MaxConsecutiveFailures = 3
	}
	if c.Health.SlidingWindowSize <= 0 {
		c.Health.SlidingWindowSize = 50
	}
	if c.Health.TriggerPercentage <= 0 {
		c.Health.TriggerPercentage = 70.0
	}

	// Reconnect defaults
	if c.Reconnect.GlobalCooldown <= 0 {
		c.Reconnect.GlobalCooldown = 5 * time.Second
	}
	if c.Reconnect.OSCleanupCooldown <= 0 {
		c.Reconnect.OSCleanupCooldown = 600 * time.Second
	}
	if c.Reconnect.OSCleanupGlobalCooldown <= 0 {
		c.Reconnect.OSCleanupGlobalCooldown = 300 * time.Second
	}

	if c.Telemetry.HealthInterval <= 0 {
		c.Telemetry.HealthInterval = 30 * time.Second
	}
	if c.Telemetry.ArchiveSettleDelay <= 0 {
		c.Telemetry.ArchiveSettleDelay = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// RingBufferCapacity returns the configured ring buffer capacity in samples:
// sample_rate * retention_seconds (spec.md §3).
func (c *Config) RingBufferCapacity() int {
	return int(float64(c.Detection.SampleRateHz) * c.Detection.RingBufferRetentionS)
}
