package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const minimalConfig = `
devices:
  - device_number: 1
    name: "north rail"
    radio_address: "AA:BB:CC:DD:EE:01"
    enabled: true
output:
  directory: "/tmp/events"
`

func TestLoad_Minimal(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(cfg.Devices))
	}
	if cfg.Detection.ThresholdG != 2.0 {
		t.Fatalf("expected default threshold 2.0, got %v", cfg.Detection.ThresholdG)
	}
	if cfg.Health.TriggerPercentage != 70.0 {
		t.Fatalf("expected default trigger percentage 70, got %v", cfg.Health.TriggerPercentage)
	}
	if cfg.RingBufferCapacity() != 250 {
		t.Fatalf("expected default ring buffer capacity 250, got %d", cfg.RingBufferCapacity())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("expected error loading a missing config file")
	}
}

func TestLoad_NoDevices(t *testing.T) {
	path := writeTempConfig(t, `
devices: []
output:
  directory: "/tmp/events"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty devices list")
	}
}

func TestLoad_TooManyDevices(t *testing.T) {
	body := "devices:\n"
	for i := 0; i < 9; i++ {
		body += "  - device_number: " + string(rune('0'+i)) + "\n    name: d\n    radio_address: a\n    enabled: true\n"
	}
	body += "output:\n  directory: \"/tmp/events\"\n"

	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for more than 8 devices")
	}
}

func TestLoad_DuplicateDeviceNumber(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - device_number: 1
    name: a
    radio_address: addr1
    enabled: true
  - device_number: 1
    name: b
    radio_address: addr2
    enabled: true
output:
  directory: "/tmp/events"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate device_number")
	}
}
