package provider

import (
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/posmux/posmux/pkg/logx"
)

// NMEAConfig configures the local GNSS device adapter.
type NMEAConfig struct {
	// Command produces a burst of NMEA sentences on stdout, for example
	// "timeout 3 cat /dev/gps0" or "gpspipe -r -n 12".
	Command        string        `json:"command"`
	PollInterval   time.Duration `json:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
	Priority       int           `json:"priority"`
}

// DefaultNMEAConfig returns defaults for a character device reader.
func DefaultNMEAConfig() *NMEAConfig {
	return &NMEAConfig{
		Command:        "timeout 3 cat /dev/gps0",
		PollInterval:   5 * time.Second,
		RequestTimeout: 10 * time.Second,
		Priority:       3,
	}
}

// NMEA reads positions from a local GNSS receiver by running a command that
// emits NMEA sentences, then parsing the GGA/RMC pair into a reading.
type NMEA struct {
	config       *NMEAConfig
	logger       *logx.Logger
	tracker      *healthTracker
	pollObserver func(time.Duration)
}

// NewNMEA creates the device GNSS adapter.
func NewNMEA(config *NMEAConfig, logger *logx.Logger) *NMEA {
	if config == nil {
		config = DefaultNMEAConfig()
	}
	return &NMEA{
		config:  config,
		logger:  logger,
		tracker: &healthTracker{},
	}
}

// Name identifies this provider in logs, health maps and metrics labels.
func (n *NMEA) Name() string { return "nmea" }

// Priority returns the configured arbitration rank (lower tries first).
func (n *NMEA) Priority() int { return n.config.Priority }

// Supported reports whether the configured reader binary exists on PATH.
func (n *NMEA) Supported() bool {
	parts := strings.Fields(n.config.Command)
	if len(parts) == 0 {
		return false
	}
	_, err := exec.LookPath(parts[0])
	return err == nil
}

// Health returns the current source health counters.
func (n *NMEA) Health() SourceHealth { return n.tracker.snapshot() }

// Start begins polled observation of the GNSS device.
func (n *NMEA) Start(onReading ReadingFunc, onError ErrorFunc) Handle {
	poller := NewPoller(n.Name(), n.config.PollInterval, n.config.RequestTimeout, n.poll, n.tracker, n.logger)
	if n.pollObserver != nil {
		poller.SetPollObserver(n.pollObserver)
	}
	return poller.Start(onReading, onError)
}

// SetPollObserver installs a callback receiving the duration of every read
// attempt. Must be called before Start.
func (n *NMEA) SetPollObserver(fn func(time.Duration)) {
	n.pollObserver = fn
}

// poll runs the reader command once and parses its output.
func (n *NMEA) poll(ctx context.Context) (Fix, error) {
	parts := strings.Fields(n.config.Command)
	if len(parts) == 0 {
		return Fix{}, NewError(KindUnsupported, "no NMEA reader command configured")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Fix{}, WrapError(KindTimeout, "NMEA read timed out", err)
		}
		return Fix{}, WrapError(KindUnavailable, "NMEA reader command failed", err)
	}

	sentence := parseNMEASentences(string(output))
	if sentence == nil || !sentence.valid {
		return Fix{}, NewError(KindUnavailable, "no GNSS fix in NMEA output")
	}
	return sentence.toFix()
}

// nmeaFix holds fields merged from the GGA and RMC sentences of one burst.
type nmeaFix struct {
	latitude   float64
	longitude  float64
	hdop       float64
	satellites int
	speedMps   float64
	valid      bool
}

func (s *nmeaFix) toFix() (Fix, error) {
	accuracy := 0.0
	if s.hdop > 0 {
		// Rough conversion, HDOP * 5 = accuracy in meters.
		accuracy = s.hdop * 5
	}
	fix := Fix{
		Latitude:   s.latitude,
		Longitude:  s.longitude,
		AccuracyM:  accuracy,
		Timestamp:  time.Now(),
		Source:     "nmea",
		Satellites: s.satellites,
		SpeedMps:   s.speedMps,
	}
	if _, err := fix.Position(); err != nil {
		return Fix{}, Classify(err)
	}
	return fix, nil
}

// parseNMEASentences scans a burst of sentences and merges the last GGA and
// RMC into one fix. GGA carries quality, satellites and HDOP; RMC carries
// speed.
func parseNMEASentences(text string) *nmeaFix {
	var gga, rmc *nmeaFix

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !validNMEAChecksum(line) {
			continue
		}
		if strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA") {
			gga = parseGGA(line)
		} else if strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC") {
			rmc = parseRMC(line)
		}
	}

	if gga != nil && gga.valid {
		if rmc != nil && rmc.valid {
			gga.speedMps = rmc.speedMps
		}
		return gga
	}
	if rmc != nil && rmc.valid {
		return rmc
	}
	return nil
}

// parseGGA extracts position, fix quality, satellite count and HDOP.
func parseGGA(sentence string) *nmeaFix {
	parts := strings.Split(stripNMEAChecksum(sentence), ",")
	if len(parts) < 10 {
		return nil
	}

	data := &nmeaFix{}
	if quality, err := strconv.Atoi(parts[6]); err == nil {
		data.valid = quality > 0
	}
	if !data.valid {
		return data
	}

	data.latitude = parseNMEACoordinate(parts[2], parts[3])
	data.longitude = parseNMEACoordinate(parts[4], parts[5])
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		data.satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		data.hdop = hdop
	}
	return data
}

// parseRMC extracts position and speed.
func parseRMC(sentence string) *nmeaFix {
	parts := strings.Split(stripNMEAChecksum(sentence), ",")
	if len(parts) < 9 {
		return nil
	}

	data := &nmeaFix{}
	data.valid = parts[2] == "A"
	if !data.valid {
		return data
	}

	data.latitude = parseNMEACoordinate(parts[3], parts[4])
	data.longitude = parseNMEACoordinate(parts[5], parts[6])
	if speedKnots, err := strconv.ParseFloat(parts[7], 64); err == nil {
		data.speedMps = speedKnots * 0.514444
	}
	return data
}

// parseNMEACoordinate converts DDMM.MMMM plus a hemisphere letter to
// decimal degrees.
func parseNMEACoordinate(coordStr, dirStr string) float64 {
	if coordStr == "" || dirStr == "" {
		return 0
	}
	coord, err := strconv.ParseFloat(coordStr, 64)
	if err != nil {
		return 0
	}

	degrees := math.Floor(coord / 100)
	minutes := coord - (degrees * 100)
	decimal := degrees + (minutes / 60)

	if dirStr == "S" || dirStr == "W" {
		decimal = -decimal
	}
	return decimal
}

// validNMEAChecksum verifies the XOR checksum when a sentence carries one.
// Sentences without a checksum field are accepted as-is.
func validNMEAChecksum(sentence string) bool {
	if !strings.HasPrefix(sentence, "$") {
		return false
	}
	starIdx := strings.LastIndex(sentence, "*")
	if starIdx < 0 {
		return true
	}
	if len(sentence) < starIdx+3 {
		return false
	}

	want, err := strconv.ParseUint(sentence[starIdx+1:starIdx+3], 16, 8)
	if err != nil {
		return false
	}

	var sum byte
	for i := 1; i < starIdx; i++ {
		sum ^= sentence[i]
	}
	return sum == byte(want)
}

func stripNMEAChecksum(sentence string) string {
	if idx := strings.LastIndex(sentence, "*"); idx >= 0 {
		return sentence[:idx]
	}
	return sentence
}
