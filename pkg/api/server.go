// Package api exposes the daemon over HTTP: canonical position, status,
// mode and simulation commands, provider health, telemetry trend and the
// position history archive. posmuxctl is its primary client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/posmux/posmux/pkg/controller"
	"github.com/posmux/posmux/pkg/history"
	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/position"
	"github.com/posmux/posmux/pkg/telem"
)

// Config holds API server configuration.
type Config struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	// AuthHash is a bcrypt hash of the API key. Empty disables
	// authentication.
	AuthHash string `json:"auth_hash"`
	// Metrics exposes the Prometheus registry on /metrics.
	Metrics bool `json:"metrics"`
	// TrendWindow bounds the sample window for the movement trend reported
	// by /api/health.
	TrendWindow time.Duration `json:"trend_window"`
}

// DefaultConfig returns the server defaults. The server is disabled until
// configuration turns it on.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     false,
		Host:        "127.0.0.1",
		Port:        8787,
		AuthHash:    "",
		Metrics:     true,
		TrendWindow: 10 * time.Minute,
	}
}

// Server serves the posmux HTTP API.
type Server struct {
	controller *controller.Controller
	telemetry  *telem.Store
	archive    *history.Archive
	config     *Config
	logger     *logx.Logger
	startTime  time.Time

	httpServer *http.Server
	lastUpdate atomic.Pointer[controller.Update]
}

// New builds an API server over the controller and the optional telemetry
// and history stores; either store may be nil when its feature is disabled.
func New(ctrl *controller.Controller, store *telem.Store, archive *history.Archive, config *Config, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		controller: ctrl,
		telemetry:  store,
		archive:    archive,
		config:     config,
		logger:     logger,
		startTime:  time.Now(),
	}

	// The controller snapshot carries no update timestamp, so the server
	// tracks the canonical stream the same way every other consumer does.
	ctrl.Subscribe(func(u controller.Update) {
		s.lastUpdate.Store(&u)
	})

	return s
}

// HashKey hashes an API key for storage in the configuration file.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// authMiddleware handles optional authentication for API endpoints.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no auth hash is configured, allow anonymous access.
		if s.config.AuthHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check for the API key in query parameter or header.
		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.config.AuthHash), []byte(authKey)); err != nil {
			s.logger.Warn("invalid_auth_attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read endpoints
	mux.HandleFunc("/api/position", s.authMiddleware(s.handlePosition))
	mux.HandleFunc("/api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/presets", s.authMiddleware(s.handlePresets))
	mux.HandleFunc("/api/health", s.authMiddleware(s.handleHealth))
	mux.HandleFunc("/api/history", s.authMiddleware(s.handleHistory))

	// Control endpoints
	mux.HandleFunc("/api/mode", s.authMiddleware(s.handleMode))
	mux.HandleFunc("/api/preset", s.authMiddleware(s.handlePreset))
	mux.HandleFunc("/api/draft", s.authMiddleware(s.handleDraft))
	mux.HandleFunc("/api/simulate", s.authMiddleware(s.handleSimulate))

	if s.config.Metrics {
		mux.Handle("/metrics", s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		}))
	}

	return mux
}

// Start starts the HTTP API server in a background goroutine.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("api_server_disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api_server_starting", "address", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api_server_failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server, letting in-flight requests
// finish until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("api_server_stopping")
	return s.httpServer.Shutdown(ctx)
}

// PositionPayload is the /api/position response body.
type PositionPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
	Mode      string  `json:"mode"`
	Source    string  `json:"source"`
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
}

// handlePosition returns the most recent canonical position.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/position")

	u := s.lastUpdate.Load()
	if u == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no position available yet", nil)
		return
	}

	s.sendJSONResponse(w, PositionPayload{
		Latitude:  u.Position.Latitude,
		Longitude: u.Position.Longitude,
		AccuracyM: u.Position.AccuracyM,
		Mode:      u.Mode.String(),
		Source:    u.Source,
		Status:    u.Status,
		Timestamp: u.Time.UTC().Format(time.RFC3339),
	})
}

// LastLivePayload describes the cached live reading inside a status
// response.
type LastLivePayload struct {
	Position position.Position `json:"position"`
	Source   string            `json:"source"`
	CachedAt string            `json:"cached_at"`
}

// StatusPayload is the /api/status response body.
type StatusPayload struct {
	Status       string                `json:"status"`
	Mode         string                `json:"mode"`
	ArbiterState string                `json:"arbiter_state"`
	Provider     string                `json:"provider,omitempty"`
	Exhausted    bool                  `json:"exhausted"`
	Position     *position.Position    `json:"position"`
	LastLive     *LastLivePayload      `json:"last_live,omitempty"`
	Drafts       controller.DraftState `json:"drafts"`
	Uptime       string                `json:"uptime"`
}

// handleStatus returns a full controller snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/status")

	snap := s.controller.Snapshot()

	payload := StatusPayload{
		Status:       snap.Status,
		Mode:         snap.Mode.String(),
		ArbiterState: snap.ArbState.String(),
		Provider:     snap.Provider,
		Exhausted:    snap.Exhausted,
		Position:     snap.Position,
		Drafts:       s.controller.Drafts(),
		Uptime:       time.Since(s.startTime).String(),
	}
	if snap.Cache != nil {
		payload.LastLive = &LastLivePayload{
			Position: *snap.Cache,
			Source:   snap.CacheSource,
			CachedAt: snap.CacheAt.UTC().Format(time.RFC3339),
		}
	}

	s.sendJSONResponse(w, payload)
}

// handlePresets returns the static location catalog.
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/presets")

	presets := position.Presets()
	s.sendJSONResponse(w, map[string]interface{}{
		"presets": presets,
		"count":   len(presets),
	})
}

// handleHealth returns service liveness, per-provider health and the recent
// movement trend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/health")

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "posmux-api",
		"uptime":    time.Since(s.startTime).String(),
		"providers": s.controller.Health(),
	}

	if s.telemetry != nil {
		health["telemetry"] = map[string]interface{}{
			"sources":   s.telemetry.Sources(),
			"memory_mb": s.telemetry.MemoryUsage(),
		}
		window := s.config.TrendWindow
		if window <= 0 {
			window = 10 * time.Minute
		}
		if trend, err := s.telemetry.TrendSince(time.Now().Add(-window)); err == nil {
			health["trend"] = trend
		}
	}

	s.sendJSONResponse(w, health)
}

// handleHistory queries the position archive. Supported parameters: limit,
// source, since (RFC 3339). source wins when both filters are present.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/history")

	if s.archive == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "history archive not available", nil)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
		} else {
			s.logger.Warn("invalid_limit_parameter", "limit", limitStr)
		}
	}

	var (
		records []history.Record
		err     error
	)
	switch {
	case r.URL.Query().Get("source") != "":
		records, err = s.archive.BySource(r.URL.Query().Get("source"), limit)
	case r.URL.Query().Get("since") != "":
		since, perr := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if perr != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid since parameter", perr)
			return
		}
		records, err = s.archive.Since(since, limit)
	default:
		records, err = s.archive.Recent(limit)
	}
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to query history", err)
		return
	}

	s.sendJSONResponse(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleMode reads or switches the tracking mode.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/mode", "method", r.Method)

	if r.Method != http.MethodPost {
		s.sendJSONResponse(w, map[string]interface{}{
			"mode": s.controller.Mode().String(),
		})
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	mode, err := controller.ParseMode(req.Mode)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid mode", err)
		return
	}

	if err := s.controller.SetMode(mode); err != nil {
		s.sendControllerError(w, "failed to set mode", err)
		return
	}

	s.sendJSONResponse(w, map[string]interface{}{
		"success": true,
		"mode":    mode.String(),
	})
}

// handlePreset selects a catalog preset.
func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/preset")

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.controller.SelectPreset(req.ID); err != nil {
		s.sendControllerError(w, "failed to select preset", err)
		return
	}

	s.sendJSONResponse(w, map[string]interface{}{
		"success": true,
		"preset":  req.ID,
		"drafts":  s.controller.Drafts(),
		"status":  s.controller.Status(),
	})
}

// handleDraft edits one manual coordinate field.
func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/draft")

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Axis  string `json:"axis"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	axis, err := parseAxis(req.Axis)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid axis", err)
		return
	}

	if err := s.controller.SetDraftCoordinate(axis, req.Value); err != nil {
		s.sendControllerError(w, "failed to set draft", err)
		return
	}

	s.sendJSONResponse(w, map[string]interface{}{
		"success": true,
		"drafts":  s.controller.Drafts(),
	})
}

// handleSimulate applies the draft coordinates as the simulated position.
// An optional body with latitude and longitude overwrites the drafts first.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("api_request", "endpoint", "/api/simulate")

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if r.Body != nil {
		// An empty body means "confirm what is drafted"; anything else must
		// be valid JSON.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	if req.Latitude != nil {
		if err := s.controller.SetDraftCoordinate(position.AxisLatitude, position.FormatCoordinate(*req.Latitude)); err != nil {
			s.sendControllerError(w, "failed to set draft", err)
			return
		}
	}
	if req.Longitude != nil {
		if err := s.controller.SetDraftCoordinate(position.AxisLongitude, position.FormatCoordinate(*req.Longitude)); err != nil {
			s.sendControllerError(w, "failed to set draft", err)
			return
		}
	}

	if err := s.controller.ConfirmSimulatedPosition(); err != nil {
		s.sendControllerError(w, "failed to apply simulated position", err)
		return
	}

	s.sendJSONResponse(w, map[string]interface{}{
		"success":  true,
		"position": s.controller.Position(),
		"status":   s.controller.Status(),
	})
}

// parseAxis maps a request string onto a draft axis.
func parseAxis(s string) (position.Axis, error) {
	switch s {
	case "latitude", "lat":
		return position.AxisLatitude, nil
	case "longitude", "lng", "lon":
		return position.AxisLongitude, nil
	}
	return position.AxisLatitude, fmt.Errorf("unknown axis %q", s)
}

// sendControllerError maps controller command failures onto HTTP status
// codes.
func (s *Server) sendControllerError(w http.ResponseWriter, message string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, controller.ErrUnknownPreset):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrNotSimulated):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrDisposed):
		status = http.StatusServiceUnavailable
	}
	s.sendErrorResponse(w, status, message, err)
}

// sendJSONResponse sends a JSON response with proper headers.
func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("api_encode_failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// sendErrorResponse sends an error response.
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("api_encode_failed", "error", err)
	}
}
