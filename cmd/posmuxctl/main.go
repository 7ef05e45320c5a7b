package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/posmux/posmux/pkg/api"
	"github.com/posmux/posmux/pkg/history"
	"github.com/posmux/posmux/pkg/position"
	"github.com/posmux/posmux/pkg/provider"
	"github.com/posmux/posmux/pkg/telem"
)

// Command line flags
var (
	// Query Commands
	showStatus   = flag.Bool("status", false, "Show the daemon status snapshot")
	showPosition = flag.Bool("position", false, "Show the current canonical position")
	listPresets  = flag.Bool("presets", false, "List the simulation preset catalog")
	healthCheck  = flag.Bool("health", false, "Show provider health and movement trend")
	historyCount = flag.Int("history", 0, "Show the last N archived positions")

	// Mode and Simulation Commands
	setMode    = flag.String("mode", "", "Switch tracking mode (live|simulated)")
	usePreset  = flag.String("preset", "", "Apply a simulation preset by ID")
	simulateAt = flag.String("simulate", "", "Apply a simulated position given as \"lat,lng\"")

	// Output Format Options
	outputFormat = flag.String("format", "standard", "Output format: standard, json")

	// Connection Options
	apiAddr = flag.String("addr", "http://127.0.0.1:8787", "Daemon API address")
	apiKey  = flag.String("api-key", "", "API key sent as X-API-Key")
	timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")

	version = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "posmuxctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := newClient(*apiAddr, *apiKey, *timeout)

	// Mode and simulation commands
	if *setMode != "" {
		runCommand(handleSetMode(ctx, c, *setMode))
		return
	}

	if *usePreset != "" {
		runCommand(handlePreset(ctx, c, *usePreset))
		return
	}

	if *simulateAt != "" {
		runCommand(handleSimulate(ctx, c, *simulateAt))
		return
	}

	// Query commands
	if *showStatus {
		runCommand(handleStatus(ctx, c))
		return
	}

	if *showPosition {
		runCommand(handlePosition(ctx, c))
		return
	}

	if *listPresets {
		runCommand(handlePresets(ctx, c))
		return
	}

	if *healthCheck {
		runCommand(handleHealth(ctx, c))
		return
	}

	if *historyCount > 0 {
		runCommand(handleHistory(ctx, c, *historyCount))
		return
	}

	// If no specific command, show usage
	showUsage()
}

// runCommand reports a command error and exits non-zero.
func runCommand(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// client is a thin wrapper over the daemon HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError extracts the error payload the daemon sends on failures.
func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		if payload.Details != "" {
			return fmt.Errorf("%s: %s", payload.Error, payload.Details)
		}
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

// Response shapes for endpoints that return ad-hoc objects.

type modeResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
}

type presetResponse struct {
	Success bool   `json:"success"`
	Preset  string `json:"preset"`
	Status  string `json:"status"`
}

type simulateResponse struct {
	Success  bool              `json:"success"`
	Position position.Position `json:"position"`
	Status   string            `json:"status"`
}

type presetsResponse struct {
	Presets []position.Preset `json:"presets"`
	Count   int               `json:"count"`
}

type historyResponse struct {
	Records []history.Record `json:"records"`
	Count   int              `json:"count"`
}

type healthResponse struct {
	Status    string                           `json:"status"`
	Timestamp string                           `json:"timestamp"`
	Service   string                           `json:"service"`
	Uptime    string                           `json:"uptime"`
	Providers map[string]provider.SourceHealth `json:"providers"`
	Telemetry *telemetryInfo                   `json:"telemetry,omitempty"`
	Trend     *telem.Trend                     `json:"trend,omitempty"`
}

type telemetryInfo struct {
	Sources  []string `json:"sources"`
	MemoryMB int      `json:"memory_mb"`
}

// handleSetMode switches the daemon tracking mode.
func handleSetMode(ctx context.Context, c *client, mode string) error {
	var resp modeResponse
	if err := c.post(ctx, "/api/mode", map[string]string{"mode": mode}, &resp); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(resp)
	}
	fmt.Printf("Mode set: %s\n", resp.Mode)
	return nil
}

// handlePreset applies a simulation preset by ID.
func handlePreset(ctx context.Context, c *client, id string) error {
	var resp presetResponse
	if err := c.post(ctx, "/api/preset", map[string]string{"id": id}, &resp); err != nil {
		return fmt.Errorf("failed to apply preset: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(resp)
	}
	fmt.Printf("Preset applied: %s\n", resp.Preset)
	fmt.Printf("Status: %s\n", resp.Status)
	return nil
}

// handleSimulate applies a simulated position from a "lat,lng" pair.
func handleSimulate(ctx context.Context, c *client, pair string) error {
	lat, lng, err := parseCoordinatePair(pair)
	if err != nil {
		return err
	}

	var resp simulateResponse
	body := map[string]float64{"latitude": lat, "longitude": lng}
	if err := c.post(ctx, "/api/simulate", body, &resp); err != nil {
		return fmt.Errorf("failed to apply simulated position: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(resp)
	}
	fmt.Printf("Simulated position applied: %.6f, %.6f\n",
		resp.Position.Latitude, resp.Position.Longitude)
	fmt.Printf("Status: %s\n", resp.Status)
	return nil
}

// handleStatus shows the daemon status snapshot.
func handleStatus(ctx context.Context, c *client) error {
	var status api.StatusPayload
	if err := c.get(ctx, "/api/status", &status); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Println("==============")
	fmt.Printf("  Status: %s\n", status.Status)
	fmt.Printf("  Mode: %s\n", status.Mode)
	fmt.Printf("  Arbiter State: %s\n", status.ArbiterState)
	if status.Provider != "" {
		fmt.Printf("  Provider: %s\n", status.Provider)
	}
	fmt.Printf("  Exhausted: %t\n", status.Exhausted)
	if status.Position != nil {
		fmt.Printf("  Position: %.6f, %.6f (accuracy %.1f m)\n",
			status.Position.Latitude, status.Position.Longitude, status.Position.AccuracyM)
	} else {
		fmt.Printf("  Position: none\n")
	}
	if status.LastLive != nil {
		fmt.Printf("  Last Live: %.6f, %.6f via %s at %s\n",
			status.LastLive.Position.Latitude, status.LastLive.Position.Longitude,
			status.LastLive.Source, status.LastLive.CachedAt)
	}
	if status.Drafts.Ready {
		fmt.Printf("  Draft: %s, %s (ready)\n",
			status.Drafts.Draft.LatText, status.Drafts.Draft.LngText)
	}
	fmt.Printf("  Uptime: %s\n", status.Uptime)
	return nil
}

// handlePosition shows the current canonical position.
func handlePosition(ctx context.Context, c *client) error {
	var pos api.PositionPayload
	if err := c.get(ctx, "/api/position", &pos); err != nil {
		return fmt.Errorf("failed to get position: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(pos)
	}

	fmt.Println("Current Position:")
	fmt.Printf("  Location: %.6f, %.6f\n", pos.Latitude, pos.Longitude)
	fmt.Printf("  Accuracy: %.1f m\n", pos.AccuracyM)
	fmt.Printf("  Mode: %s\n", pos.Mode)
	fmt.Printf("  Source: %s\n", pos.Source)
	fmt.Printf("  Status: %s\n", pos.Status)
	fmt.Printf("  Timestamp: %s\n", pos.Timestamp)
	return nil
}

// handlePresets lists the simulation preset catalog.
func handlePresets(ctx context.Context, c *client) error {
	var resp presetsResponse
	if err := c.get(ctx, "/api/presets", &resp); err != nil {
		return fmt.Errorf("failed to list presets: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(resp)
	}

	fmt.Println("Simulation Presets:")
	fmt.Println("===================")
	for _, p := range resp.Presets {
		if p.IsCurrentMarker {
			fmt.Printf("  %-10s %s\n", p.ID, p.Label)
			continue
		}
		fmt.Printf("  %-10s %s (%.6f, %.6f)\n", p.ID, p.Label, p.Latitude, p.Longitude)
	}
	return nil
}

// handleHealth shows provider health and the recent movement trend.
func handleHealth(ctx context.Context, c *client) error {
	var health healthResponse
	if err := c.get(ctx, "/api/health", &health); err != nil {
		return fmt.Errorf("failed to get health: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(health)
	}

	fmt.Println("Daemon Health:")
	fmt.Println("==============")
	fmt.Printf("  Service: %s\n", health.Service)
	fmt.Printf("  Status: %s\n", health.Status)
	fmt.Printf("  Uptime: %s\n", health.Uptime)

	names := make([]string, 0, len(health.Providers))
	for name := range health.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h := health.Providers[name]
		fmt.Printf("\n%s:\n", name)
		fmt.Printf("  Available: %t\n", h.Available)
		fmt.Printf("  Success Rate: %.1f%%\n", h.SuccessRate*100)
		fmt.Printf("  Avg Latency: %.1fms\n", h.AvgLatencyMs)
		fmt.Printf("  Success Count: %d\n", h.SuccessCount)
		fmt.Printf("  Error Count: %d\n", h.ErrorCount)
		if h.LastError != "" {
			fmt.Printf("  Last Error: %s\n", h.LastError)
		}
		if !h.LastSuccess.IsZero() {
			fmt.Printf("  Last Success: %s\n", h.LastSuccess.Format(time.RFC3339))
		}
	}

	if health.Trend != nil {
		fmt.Println("\nMovement Trend:")
		fmt.Printf("  Speed: %.2f m/s\n", health.Trend.SpeedMps)
		fmt.Printf("  Bearing: %.1f\n", health.Trend.BearingDeg)
		fmt.Printf("  Distance: %.1f m\n", health.Trend.DistanceM)
		fmt.Printf("  Moving: %t\n", health.Trend.Moving)
		fmt.Printf("  Samples: %d\n", health.Trend.Samples)
	}
	return nil
}

// handleHistory shows the most recent archived positions, newest first.
func handleHistory(ctx context.Context, c *client, limit int) error {
	var resp historyResponse
	if err := c.get(ctx, "/api/history?limit="+strconv.Itoa(limit), &resp); err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	if *outputFormat == "json" {
		return outputJSON(resp)
	}

	fmt.Printf("Position History (%d records):\n", resp.Count)
	fmt.Println("==============================")
	for _, r := range resp.Records {
		fmt.Printf("  %s  %10.6f, %11.6f  %6.1fm  %-9s %s\n",
			r.Timestamp.Format(time.RFC3339), r.Latitude, r.Longitude,
			r.AccuracyM, r.Source, r.Mode)
	}
	return nil
}

// outputJSON prints a value as indented JSON.
func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// parseCoordinatePair splits a "lat,lng" argument.
func parseCoordinatePair(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"lat,lng\", got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", parts[0])
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", parts[1])
	}
	return lat, lng, nil
}

// showUsage displays usage information
func showUsage() {
	fmt.Printf("%s - posmux control tool\n", AppName)
	fmt.Printf("Version: %s\n\n", AppVersion)

	fmt.Println("Query Commands:")
	fmt.Println("  -status            Show the daemon status snapshot")
	fmt.Println("  -position          Show the current canonical position")
	fmt.Println("  -presets           List the simulation preset catalog")
	fmt.Println("  -health            Show provider health and movement trend")
	fmt.Println("  -history N         Show the last N archived positions")
	fmt.Println()

	fmt.Println("Mode and Simulation Commands:")
	fmt.Println("  -mode live|simulated  Switch tracking mode")
	fmt.Println("  -preset ID            Apply a simulation preset")
	fmt.Println("  -simulate \"lat,lng\"   Apply a simulated position")
	fmt.Println()

	fmt.Println("Output Format Options:")
	fmt.Println("  -format string     Output format: standard, json (default \"standard\")")
	fmt.Println()

	fmt.Println("Connection Options:")
	fmt.Println("  -addr string       Daemon API address (default \"http://127.0.0.1:8787\")")
	fmt.Println("  -api-key string    API key sent as X-API-Key")
	fmt.Println("  -timeout duration  Request timeout (default 10s)")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println("  posmuxctl -status")
	fmt.Println("  posmuxctl -position -format json")
	fmt.Println("  posmuxctl -mode simulated")
	fmt.Println("  posmuxctl -preset tokyo")
	fmt.Println("  posmuxctl -simulate \"59.3293,18.0686\"")
	fmt.Println("  posmuxctl -history 20")
	fmt.Println("  posmuxctl -health -addr http://192.168.1.10:8787 -api-key SECRET")
}
