/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service and the dispatcher runner
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// APIBaseURL is the absolute URL prefix the dispatcher POSTs to
	APIBaseURL string `mapstructure:"api-base-url"`

	// DataDir is the root directory for job records, state files, and the
	// event database
	DataDir string `mapstructure:"data-dir"`

	// DispatcherPath is the absolute path of the runner binary written into
	// crontab lines
	DispatcherPath string `mapstructure:"dispatcher-path"`

	// SystemTZ is the local timezone for "HH:MM" schedule inputs
	SystemTZ string `mapstructure:"system-tz"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Scheduler configuration
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Liveness monitoring configuration
	Liveness LivenessConfig `mapstructure:"liveness"`

	// Equipment webhook configuration
	Equipment EquipmentConfig `mapstructure:"equipment"`

	// Heat configures the target-temperature control loop
	Heat HeatConfig `mapstructure:"heat"`

	// Maintenance configuration
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP service
type ServerConfig struct {
	// Port for the HTTP API
	Port int `mapstructure:"port" json:"port"`
}

// SchedulerConfig configures job scheduling
type SchedulerConfig struct {
	// OverlapWindow is the projected heating window used to reject
	// overlapping heating jobs
	OverlapWindow time.Duration `mapstructure:"overlap-window" json:"overlapWindow"`
}

// LivenessConfig configures the external schedule-based monitoring service.
// An empty APIKey disables the client entirely.
type LivenessConfig struct {
	// APIKey authenticates against the monitoring API (omitted from JSON)
	APIKey string `mapstructure:"api-key" json:"-"`

	// BaseURL is the monitoring API endpoint
	BaseURL string `mapstructure:"base-url" json:"baseUrl"`

	// Channel is the alert channel id attached to every check
	Channel string `mapstructure:"channel" json:"channel"`

	// GraceSeconds is the per-check grace period (minimum 60)
	GraceSeconds int `mapstructure:"grace-seconds" json:"graceSeconds"`
}

// Enabled reports whether the liveness client should be active.
func (l LivenessConfig) Enabled() bool {
	return l.APIKey != ""
}

// EquipmentConfig configures the outbound equipment webhook provider.
// An empty WebhookKey selects stub mode: events are logged, not sent.
type EquipmentConfig struct {
	// WebhookKey authenticates webhook calls (omitted from JSON)
	WebhookKey string `mapstructure:"webhook-key" json:"-"`

	// WebhookBaseURL is the webhook provider endpoint
	WebhookBaseURL string `mapstructure:"webhook-base-url" json:"webhookBaseUrl"`
}

// HeatConfig configures the target-temperature control loop. The deadband
// and check interval are required configuration: Validate rejects zero and
// negative values rather than guessing defaults at runtime.
type HeatConfig struct {
	// CheckIntervalMin is how often (minutes) the recurring check cron fires
	CheckIntervalMin int `mapstructure:"check-interval-min" json:"checkIntervalMin"`

	// DeadbandF is the hysteresis below target within which no equipment
	// change is made
	DeadbandF float64 `mapstructure:"deadband-f" json:"deadbandF"`

	// HoldWindowMin is how long past a ready-by time the auto-off fires
	HoldWindowMin int `mapstructure:"hold-window-min" json:"holdWindowMin"`

	// SensorStaleAfter is the maximum reading age usable for control
	// decisions
	SensorStaleAfter time.Duration `mapstructure:"sensor-stale-after" json:"sensorStaleAfter"`
}

// MaintenanceConfig configures deploy-time setup
type MaintenanceConfig struct {
	// RotationScript is the absolute path installed in the monthly
	// log-rotation crontab entry
	RotationScript string `mapstructure:"rotation-script" json:"rotationScript"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		APIBaseURL:     "http://127.0.0.1:8080",
		DataDir:        "/var/lib/tubd",
		DispatcherPath: "/usr/local/bin/tubdispatch",
		SystemTZ:       "UTC",
		Server: ServerConfig{
			Port: 8080,
		},
		Scheduler: SchedulerConfig{
			OverlapWindow: 30 * time.Minute,
		},
		Liveness: LivenessConfig{
			BaseURL:      "https://healthchecks.io",
			GraceSeconds: 120,
		},
		Equipment: EquipmentConfig{
			WebhookBaseURL: "https://maker.ifttt.com",
		},
		Heat: HeatConfig{
			CheckIntervalMin: 10,
			DeadbandF:        1.0,
			HoldWindowMin:    45,
			SensorStaleAfter: 15 * time.Minute,
		},
		Maintenance: MaintenanceConfig{
			RotationScript: "/usr/local/bin/tubd-rotate-logs",
		},
	}
}

// BindFlags binds configuration flags to pflags
func BindFlags(flags *pflag.FlagSet) {
	// Top-level
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("api-base-url", "http://127.0.0.1:8080", "Absolute URL prefix for dispatcher POSTs")
	flags.String("data-dir", "/var/lib/tubd", "Root directory for job records and state files")
	flags.String("dispatcher-path", "/usr/local/bin/tubdispatch", "Absolute path of the dispatcher runner binary")
	flags.String("system-tz", "UTC", "Local timezone for HH:MM schedule inputs")

	// Server
	flags.Int("server.port", 8080, "HTTP API port")

	// Scheduler
	flags.Duration("scheduler.overlap-window", 30*time.Minute, "Projected heating window for overlap rejection")

	// Liveness
	flags.String("liveness.api-key", "", "Monitoring API key (empty disables monitoring)")
	flags.String("liveness.base-url", "https://healthchecks.io", "Monitoring API base URL")
	flags.String("liveness.channel", "", "Alert channel id attached to checks")
	flags.Int("liveness.grace-seconds", 120, "Per-check grace period in seconds (minimum 60)")

	// Equipment
	flags.String("equipment.webhook-key", "", "Equipment webhook key (empty selects stub mode)")
	flags.String("equipment.webhook-base-url", "https://maker.ifttt.com", "Equipment webhook provider base URL")

	// Heat
	flags.Int("heat.check-interval-min", 10, "Target-temperature check interval in minutes")
	flags.Float64("heat.deadband-f", 1.0, "Deadband below target in degrees Fahrenheit")
	flags.Int("heat.hold-window-min", 45, "Hold window after a ready-by time in minutes")
	flags.Duration("heat.sensor-stale-after", 15*time.Minute, "Maximum sensor reading age for control decisions")

	// Maintenance
	flags.String("maintenance.rotation-script", "/usr/local/bin/tubd-rotate-logs", "Log rotation script path")
}

// Load loads configuration from flags, environment, and config file
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults from DefaultConfig
	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("api-base-url", defaults.APIBaseURL)
	v.SetDefault("data-dir", defaults.DataDir)
	v.SetDefault("dispatcher-path", defaults.DispatcherPath)
	v.SetDefault("system-tz", defaults.SystemTZ)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("scheduler.overlap-window", defaults.Scheduler.OverlapWindow)
	v.SetDefault("liveness.base-url", defaults.Liveness.BaseURL)
	v.SetDefault("liveness.grace-seconds", defaults.Liveness.GraceSeconds)
	v.SetDefault("equipment.webhook-base-url", defaults.Equipment.WebhookBaseURL)
	v.SetDefault("heat.check-interval-min", defaults.Heat.CheckIntervalMin)
	v.SetDefault("heat.deadband-f", defaults.Heat.DeadbandF)
	v.SetDefault("heat.hold-window-min", defaults.Heat.HoldWindowMin)
	v.SetDefault("heat.sensor-stale-after", defaults.Heat.SensorStaleAfter)
	v.SetDefault("maintenance.rotation-script", defaults.Maintenance.RotationScript)

	// Bind flags
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	// Environment variables: TUBD_ prefix for everything, plus the plain
	// names the deployment contract promises.
	v.SetEnvPrefix("TUBD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"api-base-url":            "API_BASE_URL",
		"liveness.api-key":        "LIVENESS_API_KEY",
		"liveness.channel":        "LIVENESS_CHANNEL",
		"equipment.webhook-key":   "EQUIPMENT_WEBHOOK_KEY",
		"system-tz":               "SYSTEM_TZ",
		"heat.check-interval-min": "HEAT_TARGET_CHECK_INTERVAL_MIN",
		"heat.deadband-f":         "DEADBAND_F",
	} {
		if err := v.BindEnv(key, "TUBD_"+strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(key)), env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	// Config file
	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		// Try default locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tubd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// Ignore error if no config file found - will use defaults
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store which config file was used (empty string if none)
	cfg.configFileUsed = configFileUsed

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the control loop cannot run with.
func (c *Config) Validate() error {
	if c.Heat.CheckIntervalMin <= 0 {
		return fmt.Errorf("heat.check-interval-min must be positive, got %d", c.Heat.CheckIntervalMin)
	}
	if c.Heat.DeadbandF <= 0 {
		return fmt.Errorf("heat.deadband-f must be positive, got %v", c.Heat.DeadbandF)
	}
	if c.Liveness.GraceSeconds < 60 {
		return fmt.Errorf("liveness.grace-seconds must be at least 60, got %d", c.Liveness.GraceSeconds)
	}
	if c.Scheduler.OverlapWindow <= 0 {
		return fmt.Errorf("scheduler.overlap-window must be positive, got %v", c.Scheduler.OverlapWindow)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves SystemTZ.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SystemTZ)
	if err != nil {
		return nil, fmt.Errorf("loading system-tz %q: %w", c.SystemTZ, err)
	}
	return loc, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}
