package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"plugd/pkg/logx"
)

// Config is the root of plugd's config file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   logx.Config     `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Device    DeviceConfig    `json:"device"`
	Schedules SchedulesConfig `json:"schedules"`
	Energy    EnergyConfig    `json:"energy"`
	Audit     AuditConfig     `json:"audit,omitempty"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default ":5011"

	// RatePerSec/Burst bound the whole API surface with a token bucket.
	// Zero keeps the default (10 req/s, burst 20).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`  // default "10s"
	WriteTimeout string `json:"write_timeout,omitempty"` // default "30s"
}

// DeviceConfig describes the plug endpoint the gateway talks to.
type DeviceConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"` // do not log

	// Timeout bounds a single connect+command sequence. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

// SchedulesConfig controls rule persistence and trigger evaluation.
type SchedulesConfig struct {
	// File is the JSON array of persisted rules. The containing directory
	// is created on first save. Default "./data/schedules.json".
	File string `json:"file,omitempty"`

	// Timezone is the IANA zone triggers fire in. Empty means host local.
	Timezone string `json:"timezone,omitempty"`
}

// EnergyConfig resolves the monthly aggregation window.
type EnergyConfig struct {
	// MonthToDate ends the monthly window at the current instant (default).
	// Set false to extend it to the end of the calendar month.
	MonthToDate *bool `json:"month_to_date,omitempty"`
}

func (e EnergyConfig) MonthToDateOrDefault() bool {
	if e.MonthToDate == nil {
		return true
	}
	return *e.MonthToDate
}

// AuditConfig controls the optional sqlite dispatch log.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`           // default "./data/plugd.db"
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // default "5s"
	RetentionDays int    `json:"retention_days,omitempty"` // default 90
}

// Validate checks cross-field constraints and fills defaults in place.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.BaseURL) == "" {
		return errors.New("device.base_url is required")
	}
	if _, err := ParseDurationOrDefault("device.timeout", c.Device.Timeout, 10*time.Second); err != nil {
		return err
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":5011"
	}
	if c.HTTP.RatePerSec < 0 || c.HTTP.Burst < 0 {
		return errors.New("http.rate_per_sec and http.burst must be >= 0")
	}
	if _, err := ParseDurationField("http.read_timeout", c.HTTP.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("http.write_timeout", c.HTTP.WriteTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Schedules.File) == "" {
		c.Schedules.File = "./data/schedules.json"
	}
	if tz := strings.TrimSpace(c.Schedules.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedules.timezone: %w", err)
		}
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Path) == "" {
		c.Audit.Path = "./data/plugd.db"
	}
	if _, err := ParseDurationField("audit.busy_timeout", c.Audit.BusyTimeout); err != nil {
		return err
	}
	if c.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must be >= 0")
	}
	return nil
}

// DeviceTimeout returns the parsed device timeout with the default applied.
// Call after Validate().
func (c *Config) DeviceTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("device.timeout", c.Device.Timeout, 10*time.Second)
	return d
}

// Location returns the trigger timezone. Call after Validate().
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Schedules.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
