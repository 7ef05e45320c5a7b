// Package config loads posmuxd settings from a UCI-style configuration
// file. Missing files yield the built-in defaults so the daemon can start
// unconfigured; malformed option values fall back to their defaults rather
// than aborting startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default locations and tunables.
const (
	DefaultConfigPath = "/etc/config/posmux"

	DefaultLogLevel = "info"
	DefaultMode     = "live"

	DefaultHostAppAddress       = "127.0.0.1:50051"
	DefaultHostAppMethod        = "host.LocationService/GetFix"
	DefaultHostAppPollIntervalS = 10
	DefaultHostAppTimeoutS      = 10
	DefaultHostAppMountS        = 15
	DefaultHostAppPriority      = 1

	DefaultPlatformPollIntervalS = 30
	DefaultPlatformTimeoutS      = 15
	DefaultPlatformPriority      = 2

	DefaultNMEACommand       = "timeout 3 cat /dev/gps0"
	DefaultNMEAPollIntervalS = 5
	DefaultNMEATimeoutS      = 10
	DefaultNMEAPriority      = 3

	DefaultAPIHost = "127.0.0.1"
	DefaultAPIPort = 8787

	DefaultMQTTBroker      = "localhost"
	DefaultMQTTPort        = 1883
	DefaultMQTTClientID    = "posmuxd"
	DefaultMQTTTopicPrefix = "posmux"
	DefaultMQTTQoS         = 1

	DefaultRetentionHours = 24
	DefaultMaxRAMMB       = 16
	DefaultTrendWindowS   = 300

	DefaultHistoryPath          = "/var/lib/posmux/history.db"
	DefaultHistoryMaxRecords    = 50000
	DefaultHistoryRetentionDays = 30

	DefaultCachePath = "/var/lib/posmux/cache.db"

	DefaultPidFile       = "/var/run/posmuxd.pid"
	DefaultHeartbeatFile = "/var/run/posmuxd.health"
)

// Config represents the posmux configuration.
type Config struct {
	// Main configuration
	Enable        bool   `json:"enable"`
	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`
	Mode          string `json:"mode"`
	PidFile       string `json:"pid_file"`
	HeartbeatFile string `json:"heartbeat_file"`

	// Host application provider
	HostAppEnabled       bool   `json:"hostapp_enabled"`
	HostAppAddress       string `json:"hostapp_address"`
	HostAppMethod        string `json:"hostapp_method"`
	HostAppPollIntervalS int    `json:"hostapp_poll_interval_s"`
	HostAppTimeoutS      int    `json:"hostapp_timeout_s"`
	HostAppMountS        int    `json:"hostapp_mount_timeout_s"`
	HostAppPriority      int    `json:"hostapp_priority"`

	// Platform geolocation provider
	PlatformEnabled       bool   `json:"platform_enabled"`
	PlatformAPIKey        string `json:"platform_api_key"`
	PlatformConsiderIP    bool   `json:"platform_consider_ip"`
	PlatformPollIntervalS int    `json:"platform_poll_interval_s"`
	PlatformTimeoutS      int    `json:"platform_timeout_s"`
	PlatformPriority      int    `json:"platform_priority"`

	// NMEA device provider
	NMEAEnabled       bool   `json:"nmea_enabled"`
	NMEACommand       string `json:"nmea_command"`
	NMEAPollIntervalS int    `json:"nmea_poll_interval_s"`
	NMEATimeoutS      int    `json:"nmea_timeout_s"`
	NMEAPriority      int    `json:"nmea_priority"`

	// API server
	APIEnabled  bool   `json:"api_enabled"`
	APIHost     string `json:"api_host"`
	APIPort     int    `json:"api_port"`
	APIAuthHash string `json:"api_auth_hash"`
	APIMetrics  bool   `json:"api_metrics"`

	// MQTT publishing
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTClientID    string `json:"mqtt_client_id"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
	MQTTQoS         int    `json:"mqtt_qos"`
	MQTTRetain      bool   `json:"mqtt_retain"`

	// Telemetry store
	RetentionHours int `json:"retention_hours"`
	MaxRAMMB       int `json:"max_ram_mb"`
	TrendWindowS   int `json:"trend_window_s"`

	// History archive
	HistoryEnabled       bool   `json:"history_enabled"`
	HistoryPath          string `json:"history_path"`
	HistoryMaxRecords    int    `json:"history_max_records"`
	HistoryRetentionDays int    `json:"history_retention_days"`

	// Last-fix cache
	CacheEnabled bool   `json:"cache_enabled"`
	CachePath    string `json:"cache_path"`
}

// LoadConfig loads and validates the posmux configuration. A missing file
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseFile(path); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults initializes all fields to their built-in defaults.
func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = DefaultLogLevel
	c.LogFile = ""
	c.Mode = DefaultMode
	c.PidFile = DefaultPidFile
	c.HeartbeatFile = DefaultHeartbeatFile

	c.HostAppEnabled = true
	c.HostAppAddress = DefaultHostAppAddress
	c.HostAppMethod = DefaultHostAppMethod
	c.HostAppPollIntervalS = DefaultHostAppPollIntervalS
	c.HostAppTimeoutS = DefaultHostAppTimeoutS
	c.HostAppMountS = DefaultHostAppMountS
	c.HostAppPriority = DefaultHostAppPriority

	c.PlatformEnabled = true
	c.PlatformAPIKey = ""
	c.PlatformConsiderIP = true
	c.PlatformPollIntervalS = DefaultPlatformPollIntervalS
	c.PlatformTimeoutS = DefaultPlatformTimeoutS
	c.PlatformPriority = DefaultPlatformPriority

	c.NMEAEnabled = false
	c.NMEACommand = DefaultNMEACommand
	c.NMEAPollIntervalS = DefaultNMEAPollIntervalS
	c.NMEATimeoutS = DefaultNMEATimeoutS
	c.NMEAPriority = DefaultNMEAPriority

	c.APIEnabled = true
	c.APIHost = DefaultAPIHost
	c.APIPort = DefaultAPIPort
	c.APIAuthHash = ""
	c.APIMetrics = true

	c.MQTTEnabled = false
	c.MQTTBroker = DefaultMQTTBroker
	c.MQTTPort = DefaultMQTTPort
	c.MQTTClientID = DefaultMQTTClientID
	c.MQTTTopicPrefix = DefaultMQTTTopicPrefix
	c.MQTTQoS = DefaultMQTTQoS
	c.MQTTRetain = true

	c.RetentionHours = DefaultRetentionHours
	c.MaxRAMMB = DefaultMaxRAMMB
	c.TrendWindowS = DefaultTrendWindowS

	c.HistoryEnabled = true
	c.HistoryPath = DefaultHistoryPath
	c.HistoryMaxRecords = DefaultHistoryMaxRecords
	c.HistoryRetentionDays = DefaultHistoryRetentionDays

	c.CacheEnabled = true
	c.CachePath = DefaultCachePath
}

// parseFile reads a UCI-style config file: "config <type> '<name>'"
// followed by "option <key> '<value>'" lines.
func (c *Config) parseFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var currentSectionType string
	var currentSectionName string

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "config ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				currentSectionType = parts[1]
				currentSectionName = ""
				if len(parts) >= 3 {
					currentSectionName = strings.Trim(parts[2], "'\"")
				}
			}
		} else if strings.HasPrefix(line, "option ") {
			parts := strings.SplitN(line, " ", 3)
			if len(parts) == 3 {
				optionName := strings.TrimSpace(parts[1])
				value := strings.Trim(strings.TrimSpace(parts[2]), "'\"")
				c.parseOption(currentSectionType, currentSectionName, optionName, value)
			}
		}
	}

	return nil
}

// parseOption routes options to the per-section parsers.
func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	switch sectionType {
	case "posmux":
		if sectionName == "main" {
			c.parseMainOption(option, value)
		}
	case "provider":
		c.parseProviderOption(sectionName, option, value)
	case "api":
		c.parseAPIOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "telemetry":
		c.parseTelemetryOption(option, value)
	case "history":
		c.parseHistoryOption(option, value)
	case "cache":
		c.parseCacheOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "enable":
		c.Enable = value == "1"
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "log_file":
		c.LogFile = value
	case "mode":
		if value == "live" || value == "simulated" {
			c.Mode = value
		}
	case "pid_file":
		c.PidFile = value
	case "heartbeat_file":
		c.HeartbeatFile = value
	}
}

func (c *Config) parseProviderOption(name, option, value string) {
	switch name {
	case "hostapp":
		switch option {
		case "enabled":
			c.HostAppEnabled = value == "1"
		case "address":
			c.HostAppAddress = value
		case "method":
			c.HostAppMethod = value
		case "poll_interval_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.HostAppPollIntervalS = v
			}
		case "timeout_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.HostAppTimeoutS = v
			}
		case "mount_timeout_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.HostAppMountS = v
			}
		case "priority":
			if v, err := strconv.Atoi(value); err == nil && v >= 0 {
				c.HostAppPriority = v
			}
		}
	case "platform":
		switch option {
		case "enabled":
			c.PlatformEnabled = value == "1"
		case "api_key":
			c.PlatformAPIKey = value
		case "consider_ip":
			c.PlatformConsiderIP = value == "1"
		case "poll_interval_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.PlatformPollIntervalS = v
			}
		case "timeout_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.PlatformTimeoutS = v
			}
		case "priority":
			if v, err := strconv.Atoi(value); err == nil && v >= 0 {
				c.PlatformPriority = v
			}
		}
	case "nmea":
		switch option {
		case "enabled":
			c.NMEAEnabled = value == "1"
		case "command":
			c.NMEACommand = value
		case "poll_interval_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.NMEAPollIntervalS = v
			}
		case "timeout_s":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				c.NMEATimeoutS = v
			}
		case "priority":
			if v, err := strconv.Atoi(value); err == nil && v >= 0 {
				c.NMEAPriority = v
			}
		}
	}
}

func (c *Config) parseAPIOption(option, value string) {
	switch option {
	case "enabled":
		c.APIEnabled = value == "1"
	case "host":
		c.APIHost = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v <= 65535 {
			c.APIPort = v
		}
	case "auth_hash":
		c.APIAuthHash = value
	case "metrics":
		c.APIMetrics = value == "1"
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTTEnabled = value == "1"
	case "broker":
		c.MQTTBroker = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v <= 65535 {
			c.MQTTPort = v
		}
	case "client_id":
		c.MQTTClientID = value
	case "username":
		c.MQTTUsername = value
	case "password":
		c.MQTTPassword = value
	case "topic_prefix":
		c.MQTTTopicPrefix = value
	case "qos":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 && v <= 2 {
			c.MQTTQoS = v
		}
	case "retain":
		c.MQTTRetain = value == "1"
	}
}

func (c *Config) parseTelemetryOption(option, value string) {
	switch option {
	case "retention_hours":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.RetentionHours = v
		}
	case "max_ram_mb":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.MaxRAMMB = v
		}
	case "trend_window_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.TrendWindowS = v
		}
	}
}

func (c *Config) parseHistoryOption(option, value string) {
	switch option {
	case "enabled":
		c.HistoryEnabled = value == "1"
	case "path":
		c.HistoryPath = value
	case "max_records":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.HistoryMaxRecords = v
		}
	case "retention_days":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.HistoryRetentionDays = v
		}
	}
}

func (c *Config) parseCacheOption(option, value string) {
	switch option {
	case "enabled":
		c.CacheEnabled = value == "1"
	case "path":
		c.CachePath = value
	}
}

// validate rejects configurations the daemon cannot run with.
func (c *Config) validate() error {
	if c.RetentionHours < 1 || c.RetentionHours > 168 {
		return fmt.Errorf("retention_hours must be between 1 and 168")
	}

	if c.MaxRAMMB < 1 || c.MaxRAMMB > 128 {
		return fmt.Errorf("max_ram_mb must be between 1 and 128")
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("mqtt qos must be between 0 and 2")
	}

	if c.Mode != "live" && c.Mode != "simulated" {
		return fmt.Errorf("mode must be live or simulated")
	}

	return nil
}

// Duration accessors keep the second-granularity file format out of the
// wiring code.

func (c *Config) HostAppPollInterval() time.Duration {
	return time.Duration(c.HostAppPollIntervalS) * time.Second
}

func (c *Config) HostAppTimeout() time.Duration {
	return time.Duration(c.HostAppTimeoutS) * time.Second
}

func (c *Config) HostAppMountTimeout() time.Duration {
	return time.Duration(c.HostAppMountS) * time.Second
}

func (c *Config) PlatformPollInterval() time.Duration {
	return time.Duration(c.PlatformPollIntervalS) * time.Second
}

func (c *Config) PlatformTimeout() time.Duration {
	return time.Duration(c.PlatformTimeoutS) * time.Second
}

func (c *Config) NMEAPollInterval() time.Duration {
	return time.Duration(c.NMEAPollIntervalS) * time.Second
}

func (c *Config) NMEATimeout() time.Duration {
	return time.Duration(c.NMEATimeoutS) * time.Second
}

func (c *Config) TrendWindow() time.Duration {
	return time.Duration(c.TrendWindowS) * time.Second
}

// APIAddr returns the host:port the API server should listen on.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
