package provider

import (
	"context"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/posmux/posmux/pkg/logx"
)

// PlatformConfig configures the platform geolocation adapter.
type PlatformConfig struct {
	APIKey         string        `json:"api_key"`
	PollInterval   time.Duration `json:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
	ConsiderIP     bool          `json:"consider_ip"`
	Priority       int           `json:"priority"`
}

// DefaultPlatformConfig returns defaults for the geolocation web service.
func DefaultPlatformConfig() *PlatformConfig {
	return &PlatformConfig{
		PollInterval:   30 * time.Second,
		RequestTimeout: 15 * time.Second,
		ConsiderIP:     true,
		Priority:       2,
	}
}

// Platform resolves positions through the Google geolocation web service,
// the platform-level capability on hosts without GNSS hardware. Single-shot
// lookups are wrapped into the push contract by a Poller.
type Platform struct {
	config       *PlatformConfig
	logger       *logx.Logger
	tracker      *healthTracker
	client       *maps.Client
	pollObserver func(time.Duration)
}

// NewPlatform creates the platform adapter. An empty or rejected API key
// leaves the adapter unsupported rather than failing construction.
func NewPlatform(config *PlatformConfig, logger *logx.Logger) *Platform {
	if config == nil {
		config = DefaultPlatformConfig()
	}
	p := &Platform{
		config:  config,
		logger:  logger,
		tracker: &healthTracker{},
	}
	if config.APIKey != "" {
		client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
		if err != nil {
			if logger != nil {
				logger.Warn("platform_client_init_failed", "error", err)
			}
		} else {
			p.client = client
		}
	}
	return p
}

// Name identifies this provider in logs, health maps and metrics labels.
func (p *Platform) Name() string { return "platform" }

// Priority returns the configured arbitration rank (lower tries first).
func (p *Platform) Priority() int { return p.config.Priority }

// Supported reports whether the adapter has a usable client. This is a
// cheap synchronous check; quota and key validity surface as errors from
// polling instead.
func (p *Platform) Supported() bool { return p.client != nil }

// Health returns the current source health counters.
func (p *Platform) Health() SourceHealth { return p.tracker.snapshot() }

// Start begins polled observation of the geolocation service.
func (p *Platform) Start(onReading ReadingFunc, onError ErrorFunc) Handle {
	poller := NewPoller(p.Name(), p.config.PollInterval, p.config.RequestTimeout, p.poll, p.tracker, p.logger)
	if p.pollObserver != nil {
		poller.SetPollObserver(p.pollObserver)
	}
	return poller.Start(onReading, onError)
}

// SetPollObserver installs a callback receiving the duration of every read
// attempt. Must be called before Start.
func (p *Platform) SetPollObserver(fn func(time.Duration)) {
	p.pollObserver = fn
}

// poll performs one geolocation lookup.
func (p *Platform) poll(ctx context.Context) (Fix, error) {
	if p.client == nil {
		return Fix{}, NewError(KindUnsupported, "platform geolocation not configured")
	}

	result, err := p.client.Geolocate(ctx, &maps.GeolocationRequest{
		ConsiderIP: p.config.ConsiderIP,
	})
	if err != nil {
		return Fix{}, classifyGeolocateError(err)
	}

	fix := Fix{
		Latitude:  result.Location.Lat,
		Longitude: result.Location.Lng,
		AccuracyM: result.Accuracy,
		Timestamp: time.Now(),
		Source:    "platform",
	}
	if _, err := fix.Position(); err != nil {
		return Fix{}, Classify(err)
	}
	return fix, nil
}

// classifyGeolocateError maps geolocation web service failures onto the
// error taxonomy. The maps client reports API-level conditions as string
// statuses in the error text.
func classifyGeolocateError(err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "REQUEST_DENIED"), strings.Contains(msg, "keyInvalid"):
		return WrapError(KindPermissionDenied, "geolocation request denied", err)
	case strings.Contains(msg, "notFound"), strings.Contains(msg, "NOT_FOUND"):
		return WrapError(KindUnavailable, "location could not be determined", err)
	case strings.Contains(msg, "context deadline exceeded"):
		return WrapError(KindTimeout, "geolocation request timed out", err)
	default:
		return Classify(err)
	}
}
