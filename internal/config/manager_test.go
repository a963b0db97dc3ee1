package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
device:
  base_url: "http://192.168.1.50:8080"
  username: "user@example.com"
  password: "secret"
`

func TestLoadYAMLWithDefaults(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != ":5011" {
		t.Fatalf("default addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Schedules.File != "./data/schedules.json" {
		t.Fatalf("default schedules file = %q", cfg.Schedules.File)
	}
	if !cfg.Energy.MonthToDateOrDefault() {
		t.Fatal("month_to_date must default to true")
	}
	if got := cfg.DeviceTimeout().Seconds(); got != 10 {
		t.Fatalf("default device timeout = %vs", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"device":{"base_url":"http://plug.local","username":"u","password":"p"},"http":{"addr":":9000"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML+"\nbogus_section:\n  x: 1\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}

func TestLoadRequiresDeviceBaseURL(t *testing.T) {
	path := writeConfig(t, "config.yaml", "http:\n  addr: \":8080\"\n")
	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "device.base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML+"\nschedules:\n  timezone: \"Not/AZone\"\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("invalid timezone must be rejected")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", strings.Replace(minimalYAML,
		`password: "secret"`, "password: \"secret\"\n  timeout: \"fast\"", 1))
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("invalid duration must be rejected")
	}
}
