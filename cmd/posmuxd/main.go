package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/posmux/posmux/pkg/api"
	"github.com/posmux/posmux/pkg/arbiter"
	"github.com/posmux/posmux/pkg/cache"
	"github.com/posmux/posmux/pkg/config"
	"github.com/posmux/posmux/pkg/controller"
	"github.com/posmux/posmux/pkg/history"
	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/metrics"
	"github.com/posmux/posmux/pkg/mqtt"
	"github.com/posmux/posmux/pkg/pidfile"
	"github.com/posmux/posmux/pkg/position"
	"github.com/posmux/posmux/pkg/provider"
	"github.com/posmux/posmux/pkg/telem"
)

var (
	configPath = flag.String("config", "/etc/config/posmux", "Path to configuration file")
	pidPath    = flag.String("pid-file", "", "Path to PID file (overrides configuration)")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
	hashAPIKey = flag.String("hash-api-key", "", "Print a bcrypt hash for the given API key and exit")
)

const (
	AppName    = "posmuxd"
	AppVersion = "1.0.0"
)

// HeartbeatData is the liveness record written to the heartbeat file so
// watchdogs can supervise the daemon without talking to the API.
type HeartbeatData struct {
	Timestamp  string  `json:"ts"`
	UptimeS    int64   `json:"uptime_s"`
	Version    string  `json:"version"`
	Status     string  `json:"status"`
	Mode       string  `json:"mode"`
	Provider   string  `json:"provider"`
	MemMB      float64 `json:"mem_mb"`
	Goroutines int     `json:"goroutines"`
	DeviceID   string  `json:"device_id"`
}

// logSink routes presentation callbacks into the log. The daemon has no
// rendering surface; the log line is what an operator tails.
type logSink struct {
	logger *logx.Logger
}

func (s *logSink) PositionChanged(pos position.Position) {
	s.logger.Debug("position_changed",
		"lat", pos.Latitude,
		"lng", pos.Longitude,
		"accuracy_m", pos.AccuracyM)
}

func (s *logSink) StatusChanged(text string) {
	s.logger.Info("status_changed", "status", text)
}

func (s *logSink) CenterRequested(pos position.Position) {
	s.logger.Debug("view_center", "lat", pos.Latitude, "lng", pos.Longitude)
}

func (s *logSink) PanRequested(pos position.Position) {
	s.logger.Debug("view_pan", "lat", pos.Latitude, "lng", pos.Longitude)
}

// eventTap records arbitration transitions as telemetry events, which the
// event callback then forwards to MQTT subscribers.
type eventTap struct {
	store *telem.Store
}

func (t *eventTap) Reading(string, provider.Fix) {}

func (t *eventTap) ProviderError(name string, perr *provider.Error, wasActive bool) {
	_ = t.store.AddEvent(&telem.Event{
		Type:    "provider_error",
		Source:  name,
		Message: perr.Message,
		Data: map[string]interface{}{
			"kind":       perr.Kind.String(),
			"was_active": wasActive,
		},
	})
}

func (t *eventTap) StateChange(state arbiter.State, name string) {
	_ = t.store.AddEvent(&telem.Event{
		Type:    "arbiter_state",
		Source:  name,
		Message: state.String(),
	})
}

func (t *eventTap) Exhausted() {
	_ = t.store.AddEvent(&telem.Event{
		Type:    "providers_exhausted",
		Message: "no location provider available",
	})
}

// tapFanout forwards arbitration events to several taps.
type tapFanout []arbiter.Sink

func (t tapFanout) Reading(name string, fix provider.Fix) {
	for _, s := range t {
		s.Reading(name, fix)
	}
}

func (t tapFanout) ProviderError(name string, perr *provider.Error, wasActive bool) {
	for _, s := range t {
		s.ProviderError(name, perr, wasActive)
	}
}

func (t tapFanout) StateChange(state arbiter.State, name string) {
	for _, s := range t {
		s.StateChange(state, name)
	}
}

func (t tapFanout) Exhausted() {
	for _, s := range t {
		s.Exhausted()
	}
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	if *hashAPIKey != "" {
		hash, err := api.HashKey(*hashAPIKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Determine log level
	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}

	logger := logx.NewLogger(effectiveLogLevel, "posmuxd")

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("config_load_failed", "error", err, "path", *configPath)
		os.Exit(1)
	}

	if !cfg.Enable {
		logger.Info("daemon_disabled_in_configuration")
		return
	}

	// Flags win over the configured level; otherwise follow the config.
	if *logLevel == "" && !*verbose {
		logger.SetLevel(cfg.LogLevel)
	}
	if err := logger.SetOutputFile(cfg.LogFile); err != nil {
		logger.Warn("log_file_open_failed", "error", err, "path", cfg.LogFile)
	}

	// PID file management
	effectivePidPath := cfg.PidFile
	if *pidPath != "" {
		effectivePidPath = *pidPath
	}
	pidFile := pidfile.New(effectivePidPath)

	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("pid_check_failed", "error", err)
		os.Exit(1)
	}

	if running {
		if *force {
			logger.Warn("removing_live_pid_file", "existing_pid", existingPID)
			if err := pidFile.ForceRemove(); err != nil {
				logger.Error("pid_file_remove_failed", "error", err)
				os.Exit(1)
			}
		} else {
			logger.Error("instance_already_running", "existing_pid", existingPID, "pid_file", effectivePidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
	}

	if err := pidFile.Create(); err != nil {
		logger.Error("pid_file_create_failed", "error", err, "path", effectivePidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("pid_file_remove_failed", "error", err)
		}
	}()

	logger.Info("daemon_starting",
		"version", AppVersion,
		"pid", os.Getpid(),
		"mode", cfg.Mode,
		"config", *configPath)

	// Telemetry store
	telemetry, err := telem.NewStore(cfg.RetentionHours, cfg.MaxRAMMB)
	if err != nil {
		logger.Error("telemetry_init_failed", "error", err)
		os.Exit(1)
	}

	// History archive
	var archive *history.Archive
	if cfg.HistoryEnabled {
		archive, err = history.NewArchive(&history.Config{
			DatabasePath:  cfg.HistoryPath,
			MaxRecords:    cfg.HistoryMaxRecords,
			RetentionDays: cfg.HistoryRetentionDays,
		}, logger)
		if err != nil {
			logger.Error("history_init_failed", "error", err, "path", cfg.HistoryPath)
			os.Exit(1)
		}
	}

	// Last-fix cache
	var fixCache *cache.Store
	if cfg.CacheEnabled {
		fixCache, err = cache.Open(cfg.CachePath, logger)
		if err != nil {
			// The cache only shortens the cold start; run without it.
			logger.Warn("cache_open_failed", "error", err, "path", cfg.CachePath)
			fixCache = nil
		}
	}

	// MQTT publisher
	var mqttClient *mqtt.Client
	if cfg.MQTTEnabled {
		mqttClient = mqtt.NewClient(&mqtt.Config{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         cfg.MQTTQoS,
			Retain:      cfg.MQTTRetain,
			Enabled:     cfg.MQTTEnabled,
		}, logger)
		if err := mqttClient.Connect(); err != nil {
			// Publishing is optional; the client keeps retrying on its own.
			logger.Warn("mqtt_connect_failed", "error", err)
		}
	}

	// Providers in configured priority order
	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		logger.Warn("no_providers_enabled")
	}

	// Controller with metrics and telemetry event taps
	ctrl := controller.New(providers, &logSink{logger: logger}, &controller.Config{
		MountTimeout: cfg.HostAppMountTimeout(),
		Tap:          tapFanout{metrics.NewTap(), &eventTap{store: telemetry}},
	}, logger)

	// Warm the live cache from the previous run. Seeding never touches the
	// canonical position; it only shortens the gap until the status line can
	// say "using last known location".
	if fixCache != nil {
		if fix, err := fixCache.LoadFix(); err != nil {
			logger.Warn("cache_load_failed", "error", err)
		} else if fix != nil {
			ctrl.SeedCache(fix.Position, fix.SavedAt, fix.Source)
			logger.Info("cache_seeded",
				"source", fix.Source,
				"age", time.Since(fix.SavedAt).Round(time.Second).String())
		}
	}

	// Initial mode from configuration
	if mode, err := controller.ParseMode(cfg.Mode); err != nil {
		logger.Warn("invalid_configured_mode", "mode", cfg.Mode, "error", err)
	} else if err := ctrl.SetMode(mode); err != nil {
		logger.Warn("set_mode_failed", "mode", mode.String(), "error", err)
	}
	metrics.SetMode(ctrl.Mode().String())

	// Fan canonical position updates out to the stores and the broker.
	ctrl.Subscribe(func(u controller.Update) {
		metrics.SetMode(u.Mode.String())
		if u.Source == "simulated" {
			metrics.SimulationsAppliedTotal.Inc()
		}

		if err := telemetry.Record(telem.Sample{
			Position:  u.Position,
			Source:    u.Source,
			Mode:      u.Mode.String(),
			Timestamp: u.Time,
		}); err != nil {
			logger.Warn("telemetry_record_failed", "error", err)
		}

		if archive != nil {
			if err := archive.Append(history.Record{
				Timestamp: u.Time,
				Latitude:  u.Position.Latitude,
				Longitude: u.Position.Longitude,
				AccuracyM: u.Position.AccuracyM,
				Source:    u.Source,
				Mode:      u.Mode.String(),
				Status:    u.Status,
			}); err != nil {
				logger.Warn("history_append_failed", "error", err)
			}
		}

		if mqttClient != nil {
			if err := mqttClient.PublishPosition(u); err != nil {
				logger.Debug("mqtt_position_publish_failed", "error", err)
			}
			if err := mqttClient.PublishStatus(u.Status, u.Mode.String()); err != nil {
				logger.Debug("mqtt_status_publish_failed", "error", err)
			}
		}
	})

	// Forward telemetry events to MQTT as they happen.
	if mqttClient != nil {
		telemetry.SetEventCallback(func(event *telem.Event) {
			if err := mqttClient.PublishEvent(event); err != nil {
				logger.Debug("mqtt_event_publish_failed", "event_type", event.Type, "error", err)
			}
		})
	}

	// API server
	apiServer := api.New(ctrl, telemetry, archive, &api.Config{
		Enabled:     cfg.APIEnabled,
		Host:        cfg.APIHost,
		Port:        cfg.APIPort,
		AuthHash:    cfg.APIAuthHash,
		Metrics:     cfg.APIMetrics,
		TrendWindow: cfg.TrendWindow(),
	}, logger)
	if err := apiServer.Start(); err != nil {
		logger.Error("api_start_failed", "error", err)
		os.Exit(1)
	}

	// Engage arbitration
	ctrl.Start()

	// Background work
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()
	go writeHeartbeat(ctx, cfg.HeartbeatFile, startTime, ctrl, logger)
	go runMainLoop(ctx, ctrl, telemetry, archive, fixCache, mqttClient, logger)

	// Signal handling: INT/TERM stop the daemon, HUP reloads the log level.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			reloadConfig(logger)
			continue
		}
		logger.Info("shutdown_signal_received", "signal", sig.String())
		break
	}

	// Graceful teardown: controller first so no more updates flow, then the
	// API, then the broker, then the stores.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	lastPos, lastAt, lastSrc, hasLast := ctrl.LastLive()

	ctrl.Dispose()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_error", "error", err)
	}

	if mqttClient != nil {
		if err := mqttClient.Disconnect(); err != nil {
			logger.Warn("mqtt_disconnect_error", "error", err)
		}
	}

	if fixCache != nil {
		if hasLast {
			if err := fixCache.SaveFix(lastPos, lastSrc, lastAt); err != nil {
				logger.Warn("cache_save_failed", "error", err)
			}
		}
		if err := fixCache.Close(); err != nil {
			logger.Warn("cache_close_error", "error", err)
		}
	}

	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Warn("history_close_error", "error", err)
		}
	}

	if err := telemetry.Close(); err != nil {
		logger.Warn("telemetry_close_error", "error", err)
	}

	logger.Info("daemon_stopped", "uptime", time.Since(startTime).Round(time.Second).String())
}

// buildProviders constructs the enabled providers with metrics observers
// installed. Arbitration order comes from the configured priorities.
func buildProviders(cfg *config.Config, logger *logx.Logger) []provider.Provider {
	var providers []provider.Provider

	if cfg.HostAppEnabled {
		hostapp := provider.NewHostApp(&provider.HostAppConfig{
			Address:        cfg.HostAppAddress,
			Method:         cfg.HostAppMethod,
			PollInterval:   cfg.HostAppPollInterval(),
			RequestTimeout: cfg.HostAppTimeout(),
			MountTimeout:   cfg.HostAppMountTimeout(),
			Priority:       cfg.HostAppPriority,
		}, logger)
		hostapp.SetPollObserver(metrics.ObservePoll(hostapp.Name()))
		providers = append(providers, hostapp)
	}

	if cfg.PlatformEnabled {
		platform := provider.NewPlatform(&provider.PlatformConfig{
			APIKey:         cfg.PlatformAPIKey,
			PollInterval:   cfg.PlatformPollInterval(),
			RequestTimeout: cfg.PlatformTimeout(),
			ConsiderIP:     cfg.PlatformConsiderIP,
			Priority:       cfg.PlatformPriority,
		}, logger)
		platform.SetPollObserver(metrics.ObservePoll(platform.Name()))
		providers = append(providers, platform)
	}

	if cfg.NMEAEnabled {
		nmea := provider.NewNMEA(&provider.NMEAConfig{
			Command:        cfg.NMEACommand,
			PollInterval:   cfg.NMEAPollInterval(),
			RequestTimeout: cfg.NMEATimeout(),
			Priority:       cfg.NMEAPriority,
		}, logger)
		nmea.SetPollObserver(metrics.ObservePoll(nmea.Name()))
		providers = append(providers, nmea)
	}

	return providers
}

// reloadConfig re-reads the configuration on SIGHUP. Only the log level is
// applied at runtime; everything else needs a restart.
func reloadConfig(logger *logx.Logger) {
	logger.Info("reloading_configuration", "path", *configPath)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("config_reload_failed", "error", err)
		return
	}

	if *logLevel == "" && !*verbose {
		logger.SetLevel(cfg.LogLevel)
	}
	logger.Info("configuration_reloaded", "log_level", logger.GetLevel())
}

// runMainLoop drives the periodic maintenance work: telemetry cleanup,
// history pruning, cache persistence and MQTT health publishing.
func runMainLoop(ctx context.Context, ctrl *controller.Controller, telemetry *telem.Store, archive *history.Archive, fixCache *cache.Store, mqttClient *mqtt.Client, logger *logx.Logger) {
	cleanupTicker := time.NewTicker(15 * time.Minute)
	maintainTicker := time.NewTicker(1 * time.Hour)
	publishTicker := time.NewTicker(30 * time.Second)
	cacheTicker := time.NewTicker(30 * time.Second)

	defer cleanupTicker.Stop()
	defer maintainTicker.Stop()
	defer publishTicker.Stop()
	defer cacheTicker.Stop()

	var lastSavedAt time.Time

	for {
		select {
		case <-ctx.Done():
			logger.Info("main_loop_stopped")
			return

		case <-cleanupTicker.C:
			telemetry.Cleanup()
			logger.Debug("telemetry_cleanup_completed")

		case <-maintainTicker.C:
			if archive != nil {
				archive.Maintain()
				logger.Debug("history_maintenance_completed")
			}

		case <-publishTicker.C:
			metrics.SetMode(ctrl.Mode().String())
			if mqttClient != nil {
				if err := mqttClient.PublishHealth(ctrl.Health()); err != nil {
					logger.Debug("mqtt_health_publish_failed", "error", err)
				}
			}

		case <-cacheTicker.C:
			if fixCache == nil {
				continue
			}
			pos, at, src, ok := ctrl.LastLive()
			if !ok || !at.After(lastSavedAt) {
				continue
			}
			if err := fixCache.SaveFix(pos, src, at); err != nil {
				logger.Warn("cache_save_failed", "error", err)
				continue
			}
			lastSavedAt = at
		}
	}
}

// writeHeartbeat writes a liveness record to the heartbeat file every 10
// seconds. The write is atomic (temp file + rename) so watchdogs never see
// a torn read.
func writeHeartbeat(ctx context.Context, path string, startTime time.Time, ctrl *controller.Controller, logger *logx.Logger) {
	if path == "" {
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("heartbeat_writer_stopped")
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			snap := ctrl.Snapshot()
			status := "ok"
			if snap.Exhausted {
				status = "degraded"
			}

			heartbeat := HeartbeatData{
				Timestamp:  time.Now().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Status:     status,
				Mode:       snap.Mode.String(),
				Provider:   snap.Provider,
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
				DeviceID:   getDeviceID(),
			}

			data, err := json.Marshal(heartbeat)
			if err != nil {
				logger.Error("heartbeat_marshal_failed", "error", err)
				continue
			}

			if err := writeFileAtomic(path, data); err != nil {
				logger.Error("heartbeat_write_failed", "error", err, "file", path)
				continue
			}

			logger.Debug("heartbeat_written",
				"file", path,
				"uptime_s", heartbeat.UptimeS,
				"status", heartbeat.Status)
		}
	}
}

// writeFileAtomic writes data to path through a temp file in the same
// directory, so the rename stays on one filesystem.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// getDeviceID returns the identifier stamped into heartbeats.
func getDeviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "posmux-device"
}
