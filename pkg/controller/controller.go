// Package controller owns the canonical position and the switch between
// live tracking and operator-driven simulation.
//
// All state lives behind one mutex, so provider callbacks and operator
// commands interleave with single-threaded semantics. Sink notifications
// are collected while the lock is held and delivered after release.
package controller

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/posmux/posmux/pkg/arbiter"
	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/position"
	"github.com/posmux/posmux/pkg/provider"
	"github.com/posmux/posmux/pkg/status"
)

// Mode selects where the canonical position comes from.
type Mode int

const (
	// ModeLive drives the canonical position from provider readings.
	ModeLive Mode = iota
	// ModeSimulated drives it from operator-specified coordinates.
	ModeSimulated
)

func (m Mode) String() string {
	if m == ModeSimulated {
		return "simulated"
	}
	return "live"
}

// ParseMode converts a config or API string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return ModeLive, nil
	case "simulated", "sim":
		return ModeSimulated, nil
	}
	return ModeLive, fmt.Errorf("invalid mode %q", s)
}

var (
	// ErrDisposed is returned by commands issued after Dispose.
	ErrDisposed = errors.New("controller disposed")
	// ErrUnknownPreset is returned for preset ids outside the catalog.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrNotSimulated is returned when confirm is attempted in live mode.
	ErrNotSimulated = errors.New("simulated mode required")
	// ErrDraftNotReady is returned when the draft coordinates don't parse.
	ErrDraftNotReady = errors.New("draft coordinates not valid")
)

// PresentationSink receives what the operator should see. It exclusively
// owns the visual widgets; the controller never touches rendering state.
type PresentationSink interface {
	// PositionChanged delivers every canonical position change.
	PositionChanged(pos position.Position)
	// StatusChanged delivers the status line whenever it changes.
	StatusChanged(text string)
	// CenterRequested fires for the first position after a mode entry or a
	// fresh acquisition.
	CenterRequested(pos position.Position)
	// PanRequested fires for all subsequent position updates.
	PanRequested(pos position.Position)
}

// Update fans canonical position changes out to subscribers such as the
// telemetry store, the history archive and the MQTT publisher.
type Update struct {
	Position position.Position `json:"position"`
	Mode     Mode              `json:"-"`
	Source   string            `json:"source"`
	Status   string            `json:"status"`
	Time     time.Time         `json:"time"`
}

// DraftState reports the manual-entry fields and their validity so the
// presentation layer can highlight bad input; the controller never clamps
// it silently.
type DraftState struct {
	Draft    position.Draft       `json:"draft"`
	Result   position.DraftResult `json:"-"`
	PresetID string               `json:"preset_id"`
	Label    string               `json:"label"`
	Ready    bool                 `json:"ready"`
}

// Snapshot is a point-in-time view of the controller for status surfaces.
type Snapshot struct {
	Mode        Mode
	Status      string
	Position    *position.Position
	Cache       *position.Position
	CacheAt     time.Time
	CacheSource string
	ArbState    arbiter.State
	Provider    string
	Exhausted   bool
}

// Config holds controller tunables.
type Config struct {
	MountTimeout time.Duration

	// Tap, when set, receives a copy of every arbitration event after the
	// controller has processed it. Metrics hang off this.
	Tap arbiter.Sink
}

// Controller multiplexes provider readings and simulation commands into one
// canonical position stream.
type Controller struct {
	logger *logx.Logger
	sink   PresentationSink
	tap    arbiter.Sink
	arb    *arbiter.Arbiter

	mu             sync.Mutex
	mode           Mode
	canonical      *position.Position
	lastLive       *position.Position
	lastLiveAt     time.Time
	lastLiveSrc    string
	draft          position.Draft
	presetID       string
	pendingLabel   string
	simApplied     bool
	simLabel       string
	simLat, simLng float64
	centerPending  bool
	hasErr         bool
	errKind        provider.ErrorKind
	exhausted      bool
	arbState       arbiter.State
	arbProvider    string
	statusText     string
	subs           []func(Update)
	disposed       bool
}

// New builds a controller over the given provider candidates. The
// controller itself acts as the arbitration sink.
func New(providers []provider.Provider, sink PresentationSink, cfg *Config, logger *logx.Logger) *Controller {
	c := &Controller{
		logger:        logger,
		sink:          sink,
		mode:          ModeLive,
		presetID:      position.CurrentPresetID,
		centerPending: true,
	}
	c.statusText = status.Project(c.projectionLocked())

	arbCfg := arbiter.DefaultConfig()
	if cfg != nil {
		if cfg.MountTimeout > 0 {
			arbCfg.MountTimeout = cfg.MountTimeout
		}
		c.tap = cfg.Tap
	}
	c.arb = arbiter.New(providers, c, arbCfg, logger)
	return c
}

// Start announces the initial status and engages provider arbitration.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	st := c.statusText
	c.mu.Unlock()

	c.sink.StatusChanged(st)
	c.arb.Engage()
}

// Dispose stops arbitration and whichever provider is running. Idempotent;
// commands after disposal return ErrDisposed and late provider callbacks
// are discarded.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.arb.Dispose()
	c.logger.Info("controller_disposed")
}

// Subscribe registers a callback for canonical position updates. Callbacks
// run on the delivering goroutine and must not block.
func (c *Controller) Subscribe(fn func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// SeedCache installs a persisted reading as the live-known cache, typically
// at daemon startup. It never overrides a reading received at runtime, and
// it does not touch the canonical position; the cache surfaces only through
// fallback and mode transitions.
func (c *Controller) SeedCache(pos position.Position, at time.Time, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.lastLive != nil {
		return
	}
	cached := pos
	c.lastLive = &cached
	c.lastLiveAt = at
	c.lastLiveSrc = source
}

// SetMode switches between live tracking and simulation. Re-entering the
// current mode does nothing.
//
// Entering simulated mode freezes the canonical position (the cache keeps
// updating underneath); leaving it applies the cached reading immediately
// so the switch is visually instantaneous.
func (c *Controller) SetMode(m Mode) error {
	if m != ModeLive && m != ModeSimulated {
		return fmt.Errorf("invalid mode %d", m)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.mode == m {
		c.mu.Unlock()
		return nil
	}

	p := &pending{}
	from := c.mode
	c.mode = m
	c.centerPending = true
	c.simApplied = false
	c.simLabel = ""

	if m == ModeSimulated {
		if pset, ok := position.PresetByID(c.presetID); ok && pset.IsCurrentMarker && c.lastLive != nil {
			c.draft = position.Draft{
				LatText: position.FormatCoordinate(c.lastLive.Latitude),
				LngText: position.FormatCoordinate(c.lastLive.Longitude),
			}
			c.pendingLabel = pset.Label
		}
	} else {
		if c.lastLive != nil {
			c.setCanonicalLocked(p, *c.lastLive, c.lastLiveSrc)
		} else {
			// Nothing live to show; drop the simulated value and wait
			// for the next reading.
			c.canonical = nil
		}
	}

	c.finishLocked(p)
	c.mu.Unlock()

	c.logger.LogStateChange("controller", from.String(), m.String(), "set_mode", nil)
	c.flush(p)
	return nil
}

// SelectPreset picks a preset. Fixed presets seed the drafts and, in
// simulated mode, apply immediately with their label. The current-location
// sentinel only copies the cached live reading into the drafts; nothing is
// applied until the operator confirms.
func (c *Controller) SelectPreset(id string) error {
	pset, ok := position.PresetByID(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}

	p := &pending{}
	c.presetID = id
	c.pendingLabel = pset.Label

	if pset.IsCurrentMarker {
		if c.lastLive != nil {
			c.draft = position.Draft{
				LatText: position.FormatCoordinate(c.lastLive.Latitude),
				LngText: position.FormatCoordinate(c.lastLive.Longitude),
			}
		}
	} else {
		c.draft = position.Draft{
			LatText: position.FormatCoordinate(pset.Latitude),
			LngText: position.FormatCoordinate(pset.Longitude),
		}
		if c.mode == ModeSimulated {
			if err := c.applySimulatedLocked(p, pset.Latitude, pset.Longitude, pset.Label); err != nil {
				c.mu.Unlock()
				return err
			}
		}
	}

	c.finishLocked(p)
	c.mu.Unlock()

	c.logger.Info("preset_selected", "preset", id, "label", pset.Label)
	c.flush(p)
	return nil
}

// SetDraftCoordinate stores one manually edited coordinate field. A manual
// edit detaches the draft from any selected preset, so a later confirm
// reports plain coordinates instead of a stale label.
func (c *Controller) SetDraftCoordinate(axis position.Axis, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.draft = c.draft.Set(axis, text)
	c.presetID = ""
	c.pendingLabel = ""
	return nil
}

// ConfirmSimulatedPosition applies the draft coordinates as the simulated
// position. Valid only in simulated mode with both drafts parseable; input
// is rejected outright rather than clamped.
func (c *Controller) ConfirmSimulatedPosition() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.mode != ModeSimulated {
		c.mu.Unlock()
		return ErrNotSimulated
	}

	res := c.draft.Parse()
	if !res.Ready() {
		c.mu.Unlock()
		return draftError(res)
	}

	p := &pending{}
	if err := c.applySimulatedLocked(p, res.Latitude, res.Longitude, c.pendingLabel); err != nil {
		c.mu.Unlock()
		return err
	}
	c.finishLocked(p)
	c.mu.Unlock()

	c.flush(p)
	return nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Position returns a copy of the canonical position, or nil before the
// first reading or application.
func (c *Controller) Position() *position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canonical == nil {
		return nil
	}
	pos := *c.canonical
	return &pos
}

// LastLive returns the cached live reading, if any.
func (c *Controller) LastLive() (position.Position, time.Time, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastLive == nil {
		return position.Position{}, time.Time{}, "", false
	}
	return *c.lastLive, c.lastLiveAt, c.lastLiveSrc, true
}

// Status returns the current status line.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// Drafts returns the manual-entry state with per-axis validity.
func (c *Controller) Drafts() DraftState {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.draft.Parse()
	return DraftState{
		Draft:    c.draft,
		Result:   res,
		PresetID: c.presetID,
		Label:    c.pendingLabel,
		Ready:    res.Ready(),
	}
}

// Health returns per-provider health snapshots.
func (c *Controller) Health() map[string]provider.SourceHealth {
	return c.arb.Health()
}

// Snapshot returns a point-in-time view for status surfaces.
func (c *Controller) Snapshot() Snapshot {
	arbState, arbProvider := c.arb.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Mode:        c.mode,
		Status:      c.statusText,
		ArbState:    arbState,
		Provider:    arbProvider,
		Exhausted:   c.exhausted,
		CacheAt:     c.lastLiveAt,
		CacheSource: c.lastLiveSrc,
	}
	if c.canonical != nil {
		pos := *c.canonical
		snap.Position = &pos
	}
	if c.lastLive != nil {
		cache := *c.lastLive
		snap.Cache = &cache
	}
	return snap
}

// Reading implements arbiter.Sink. Every reading refreshes the live cache;
// only in live mode does it also drive the canonical position.
func (c *Controller) Reading(providerName string, fix provider.Fix) {
	pos, err := fix.Position()
	if err != nil {
		c.ProviderError(providerName, provider.Classify(err), true)
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	p := &pending{}
	cached := pos
	at := fix.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	c.lastLive = &cached
	c.lastLiveAt = at
	c.lastLiveSrc = providerName
	c.hasErr = false
	c.exhausted = false

	if c.mode == ModeLive {
		c.setCanonicalLocked(p, pos, providerName)
	}
	c.finishLocked(p)
	c.mu.Unlock()

	c.flush(p)
	if c.tap != nil {
		c.tap.Reading(providerName, fix)
	}
}

// ProviderError implements arbiter.Sink. Errors never clear the canonical
// position or the cache; they are funneled into the status line. A latched
// permission denial is never downgraded by a later transient failure.
func (c *Controller) ProviderError(providerName string, perr *provider.Error, wasActive bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	p := &pending{}
	if !(c.hasErr && c.errKind == provider.KindPermissionDenied) {
		c.hasErr = true
		c.errKind = perr.Kind
	}
	// With nothing on screen yet, a cached reading beats an empty map
	// while the provider recovers.
	if c.mode == ModeLive && c.canonical == nil && c.lastLive != nil {
		c.setCanonicalLocked(p, *c.lastLive, c.lastLiveSrc)
	}
	c.finishLocked(p)
	c.mu.Unlock()

	c.logger.Warn("provider_error",
		"provider", providerName,
		"kind", perr.Kind.String(),
		"was_active", wasActive,
		"error", perr.Message)
	c.flush(p)
	if c.tap != nil {
		c.tap.ProviderError(providerName, perr, wasActive)
	}
}

// StateChange implements arbiter.Sink.
func (c *Controller) StateChange(state arbiter.State, providerName string) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	from := c.arbState
	c.arbState = state
	c.arbProvider = providerName
	if state == arbiter.StateActive {
		// Fresh acquisition: the next reading re-centers the view.
		c.centerPending = true
	}
	c.mu.Unlock()

	c.logger.LogStateChange("arbiter", from.String(), state.String(), "arbitration", map[string]interface{}{
		"provider": providerName,
	})
	if c.tap != nil {
		c.tap.StateChange(state, providerName)
	}
}

// Exhausted implements arbiter.Sink.
func (c *Controller) Exhausted() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	p := &pending{}
	c.exhausted = true
	if c.mode == ModeLive && c.canonical == nil && c.lastLive != nil {
		c.setCanonicalLocked(p, *c.lastLive, c.lastLiveSrc)
	}
	c.finishLocked(p)
	c.mu.Unlock()

	c.logger.Warn("location_providers_exhausted")
	c.flush(p)
	if c.tap != nil {
		c.tap.Exhausted()
	}
}

// pending collects sink calls made under the lock for delivery after
// release, so sink implementations may safely call controller getters.
type pending struct {
	pos    *position.Position
	center bool
	status *string
	update *Update
}

func (c *Controller) setCanonicalLocked(p *pending, pos position.Position, source string) {
	c.canonical = &pos
	p.pos = &pos
	p.center = c.centerPending
	c.centerPending = false
	p.update = &Update{
		Position: pos,
		Mode:     c.mode,
		Source:   source,
		Time:     time.Now(),
	}
}

func (c *Controller) applySimulatedLocked(p *pending, lat, lng float64, label string) error {
	pos, err := position.New(lat, lng, position.SimulatedAccuracyM)
	if err != nil {
		return err
	}
	c.simApplied = true
	c.simLabel = label
	c.simLat, c.simLng = lat, lng
	c.setCanonicalLocked(p, pos, "simulated")
	return nil
}

// finishLocked recomputes the status line and stamps it onto the outgoing
// update.
func (c *Controller) finishLocked(p *pending) {
	st := status.Project(c.projectionLocked())
	if st != c.statusText {
		c.statusText = st
		p.status = &st
	}
	if p.update != nil {
		p.update.Status = c.statusText
	}
}

func (c *Controller) projectionLocked() status.Input {
	return status.Input{
		Simulated:    c.mode == ModeSimulated,
		SimApplied:   c.simApplied,
		SimLabel:     c.simLabel,
		SimLatitude:  c.simLat,
		SimLongitude: c.simLng,
		HasCanonical: c.canonical != nil,
		HasCache:     c.lastLive != nil,
		HasError:     c.hasErr,
		ErrKind:      c.errKind,
		Exhausted:    c.exhausted,
	}
}

func (c *Controller) flush(p *pending) {
	if p == nil {
		return
	}
	if p.pos != nil {
		c.sink.PositionChanged(*p.pos)
		if p.center {
			c.sink.CenterRequested(*p.pos)
		} else {
			c.sink.PanRequested(*p.pos)
		}
	}
	if p.status != nil {
		c.sink.StatusChanged(*p.status)
	}
	if p.update != nil {
		c.mu.Lock()
		subs := make([]func(Update), len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(*p.update)
		}
	}
}

func draftError(res position.DraftResult) error {
	switch {
	case res.LatErr != nil && res.LngErr != nil:
		return fmt.Errorf("%w: latitude: %v, longitude: %v", ErrDraftNotReady, res.LatErr, res.LngErr)
	case res.LatErr != nil:
		return fmt.Errorf("%w: latitude: %v", ErrDraftNotReady, res.LatErr)
	default:
		return fmt.Errorf("%w: longitude: %v", ErrDraftNotReady, res.LngErr)
	}
}
