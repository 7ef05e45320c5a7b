package controller

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/position"
	"github.com/posmux/posmux/pkg/provider"
	"github.com/posmux/posmux/pkg/status"
)

type recordingSink struct {
	mu        sync.Mutex
	positions []position.Position
	statuses  []string
	centers   []position.Position
	pans      []position.Position
}

func (s *recordingSink) PositionChanged(pos position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, pos)
}

func (s *recordingSink) StatusChanged(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, text)
}

func (s *recordingSink) CenterRequested(pos position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centers = append(s.centers, pos)
}

func (s *recordingSink) PanRequested(pos position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pans = append(s.pans, pos)
}

func (s *recordingSink) centerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.centers)
}

func (s *recordingSink) panCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pans)
}

func (s *recordingSink) positionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

func (s *recordingSink) firstStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[0]
}

// scriptedProvider hands its callbacks to the test for timed delivery.
type scriptedProvider struct {
	name      string
	priority  int
	supported bool

	mu        sync.Mutex
	started   int
	stopped   int
	onReading provider.ReadingFunc
}

func (f *scriptedProvider) Name() string                  { return f.name }
func (f *scriptedProvider) Priority() int                 { return f.priority }
func (f *scriptedProvider) Supported() bool               { return f.supported }
func (f *scriptedProvider) Health() provider.SourceHealth { return provider.SourceHealth{} }

func (f *scriptedProvider) Start(onReading provider.ReadingFunc, onError provider.ErrorFunc) provider.Handle {
	f.mu.Lock()
	f.started++
	f.onReading = onReading
	f.mu.Unlock()

	return provider.NewHandle(func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	})
}

func (f *scriptedProvider) deliver(fix provider.Fix) {
	f.mu.Lock()
	cb := f.onReading
	f.mu.Unlock()
	cb(fix)
}

func (f *scriptedProvider) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *scriptedProvider) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func testLogger() *logx.Logger { return logx.NewLogger("error", "controller-test") }

// newTestController builds a controller without engaging arbitration, so
// tests drive it deterministically through the sink interface.
func newTestController(sink PresentationSink) *Controller {
	return New(nil, sink, nil, testLogger())
}

func liveFix(lat, lng, accuracy float64) provider.Fix {
	return provider.Fix{
		Latitude:  lat,
		Longitude: lng,
		AccuracyM: accuracy,
		Timestamp: time.Now(),
		Source:    "test",
	}
}

func TestConfirmSimulatedPosition(t *testing.T) {
	tests := []struct {
		name string
		lat  string
		lng  string
	}{
		{"tokyo coordinates", "35.676422", "139.650109"},
		{"negative coordinates", "-33.868820", "-70.668265"},
		{"equator and meridian", "0", "0"},
		{"north pole", "90", "0"},
		{"date line", "0", "-180"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(&recordingSink{})
			require.NoError(t, c.SetMode(ModeSimulated))
			require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, tt.lat))
			require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, tt.lng))

			require.NoError(t, c.ConfirmSimulatedPosition())

			wantLat, err := strconv.ParseFloat(tt.lat, 64)
			require.NoError(t, err)
			wantLng, err := strconv.ParseFloat(tt.lng, 64)
			require.NoError(t, err)

			pos := c.Position()
			require.NotNil(t, pos)
			assert.Equal(t, wantLat, pos.Latitude)
			assert.Equal(t, wantLng, pos.Longitude)
			assert.Equal(t, position.SimulatedAccuracyM, pos.AccuracyM)
		})
	}
}

func TestConfirmRequiresSimulatedMode(t *testing.T) {
	c := newTestController(&recordingSink{})
	require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, "10"))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, "20"))

	err := c.ConfirmSimulatedPosition()
	assert.ErrorIs(t, err, ErrNotSimulated)
	assert.Nil(t, c.Position())
}

func TestConfirmRejectsInvalidDraft(t *testing.T) {
	tests := []struct {
		name string
		lat  string
		lng  string
	}{
		{"garbage latitude", "north", "20"},
		{"empty longitude", "10", ""},
		{"latitude out of range", "91", "20"},
		{"longitude out of range", "10", "-180.01"},
		{"nan latitude", "NaN", "20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(&recordingSink{})
			require.NoError(t, c.SetMode(ModeSimulated))
			require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, tt.lat))
			require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, tt.lng))

			err := c.ConfirmSimulatedPosition()
			assert.ErrorIs(t, err, ErrDraftNotReady)
			assert.Nil(t, c.Position(), "rejected confirm must not move the position")
		})
	}
}

func TestModeRoundTripRestoresLiveReading(t *testing.T) {
	c := newTestController(&recordingSink{})

	c.Reading("hostapp", liveFix(59.3293, 18.0686, 12))
	r := c.Position()
	require.NotNil(t, r)

	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, "10"))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, "20"))
	require.NoError(t, c.ConfirmSimulatedPosition())

	sim := c.Position()
	require.NotNil(t, sim)
	assert.Equal(t, 10.0, sim.Latitude)

	// Back to live with no new provider tick: exactly the old reading.
	require.NoError(t, c.SetMode(ModeLive))
	back := c.Position()
	require.NotNil(t, back)
	assert.Equal(t, *r, *back)
}

func TestTokyoPresetScenario(t *testing.T) {
	c := newTestController(&recordingSink{})
	require.NoError(t, c.SetMode(ModeSimulated))

	require.NoError(t, c.SelectPreset("tokyo"))

	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 35.676422, pos.Latitude)
	assert.Equal(t, 139.650109, pos.Longitude)
	assert.Equal(t, position.SimulatedAccuracyM, pos.AccuracyM)
	assert.Equal(t, "Simulating: Tokyo", c.Status())

	// Confirming the seeded drafts reapplies the same position.
	require.NoError(t, c.ConfirmSimulatedPosition())
	pos = c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 35.676422, pos.Latitude)
	assert.Equal(t, "Simulating: Tokyo", c.Status())
}

func TestFixedPresetInLiveModeDoesNotApply(t *testing.T) {
	c := newTestController(&recordingSink{})

	require.NoError(t, c.SelectPreset("london"))

	assert.Nil(t, c.Position())
	ds := c.Drafts()
	assert.Equal(t, "london", ds.PresetID)
	assert.Equal(t, "51.507351", ds.Draft.LatText)
}

func TestSentinelPresetSeedsDraftsWithoutApplying(t *testing.T) {
	c := newTestController(&recordingSink{})
	c.Reading("hostapp", liveFix(48.1173, 11.5167, 10))

	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.SelectPreset(position.CurrentPresetID))

	ds := c.Drafts()
	assert.Equal(t, "48.117300", ds.Draft.LatText)
	assert.Equal(t, "11.516700", ds.Draft.LngText)

	// Seeding only: the canonical position is still the frozen live one
	// and no simulation has been applied.
	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 48.1173, pos.Latitude)
	assert.Equal(t, status.MsgSimulatorReady, c.Status())
}

func TestSimulatedModeFreezesCanonicalButUpdatesCache(t *testing.T) {
	c := newTestController(&recordingSink{})
	c.Reading("hostapp", liveFix(10, 10, 10))
	require.NoError(t, c.SetMode(ModeSimulated))

	c.Reading("hostapp", liveFix(20, 20, 10))

	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 10.0, pos.Latitude, "canonical is frozen in simulated mode")

	cache, _, _, ok := c.LastLive()
	require.True(t, ok)
	assert.Equal(t, 20.0, cache.Latitude, "cache keeps updating underneath")

	// Returning to live applies the newer cached reading immediately.
	require.NoError(t, c.SetMode(ModeLive))
	pos = c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 20.0, pos.Latitude)
}

func TestReturnToLiveWithoutCacheWaits(t *testing.T) {
	c := newTestController(&recordingSink{})
	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.SelectPreset("sydney"))
	require.NotNil(t, c.Position())

	require.NoError(t, c.SetMode(ModeLive))

	assert.Nil(t, c.Position())
	assert.Equal(t, status.MsgAcquiring, c.Status())
}

func TestFirstApplicationCentersLaterOnesPan(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(sink)
	require.NoError(t, c.SetMode(ModeSimulated))

	require.NoError(t, c.SelectPreset("tokyo"))
	assert.Equal(t, 1, sink.centerCount())
	assert.Equal(t, 0, sink.panCount())

	require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, "35.7"))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, "139.7"))
	require.NoError(t, c.ConfirmSimulatedPosition())
	assert.Equal(t, 1, sink.centerCount())
	assert.Equal(t, 1, sink.panCount())

	require.NoError(t, c.ConfirmSimulatedPosition())
	assert.Equal(t, 2, sink.panCount())

	// Leaving and re-entering the mode re-arms the center request.
	require.NoError(t, c.SetMode(ModeLive))
	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.ConfirmSimulatedPosition())
	assert.Equal(t, 2, sink.centerCount())
}

func TestFirstLiveReadingCentersNextOnesPan(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(sink)

	c.Reading("hostapp", liveFix(10, 10, 10))
	c.Reading("hostapp", liveFix(10.001, 10.001, 10))

	assert.Equal(t, 1, sink.centerCount())
	assert.Equal(t, 1, sink.panCount())
	assert.Equal(t, 2, sink.positionCount())
}

func TestTransientErrorKeepsPositionAndUsesCachedVariant(t *testing.T) {
	c := newTestController(&recordingSink{})
	c.Reading("hostapp", liveFix(10, 10, 10))

	c.ProviderError("hostapp", provider.NewError(provider.KindTimeout, "request timed out"), true)

	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 10.0, pos.Latitude, "errors never clear the canonical position")
	assert.Equal(t, status.MsgUsingLastKnown, c.Status())

	// Recovery clears the condition.
	c.Reading("hostapp", liveFix(11, 11, 10))
	assert.Equal(t, status.MsgTracking, c.Status())
}

func TestPermissionDenialIsSticky(t *testing.T) {
	c := newTestController(&recordingSink{})

	c.ProviderError("hostapp", provider.NewError(provider.KindPermissionDenied, "denied"), false)
	assert.Equal(t, status.MsgPermissionDenied, c.Status())

	// A later transient failure must not soften the message.
	c.ProviderError("hostapp", provider.NewError(provider.KindTimeout, "request timed out"), false)
	assert.Equal(t, status.MsgPermissionDenied, c.Status())

	// A real reading means the provider recovered.
	c.Reading("hostapp", liveFix(10, 10, 10))
	assert.Equal(t, status.MsgTracking, c.Status())
}

func TestSeededCacheSurfacesOnFailureOnly(t *testing.T) {
	c := newTestController(&recordingSink{})
	seeded, err := position.New(10, 10, 15)
	require.NoError(t, err)

	c.SeedCache(seeded, time.Now().Add(-time.Hour), "disk")
	assert.Nil(t, c.Position(), "seeding must not apply the cache")

	c.ProviderError("hostapp", provider.NewError(provider.KindUnavailable, "no fix"), false)

	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, seeded, *pos)
	assert.Equal(t, status.MsgUsingLastKnown, c.Status())
}

func TestSeededCacheNeverOverridesRuntimeReading(t *testing.T) {
	c := newTestController(&recordingSink{})
	c.Reading("hostapp", liveFix(20, 20, 10))

	seeded, err := position.New(10, 10, 15)
	require.NoError(t, err)
	c.SeedCache(seeded, time.Now(), "disk")

	cache, _, src, ok := c.LastLive()
	require.True(t, ok)
	assert.Equal(t, 20.0, cache.Latitude)
	assert.Equal(t, "hostapp", src)
}

func TestExhaustedWithoutCacheIsNotSupported(t *testing.T) {
	c := newTestController(&recordingSink{})

	c.Exhausted()

	assert.Nil(t, c.Position())
	assert.Equal(t, status.MsgNotSupported, c.Status())
}

func TestNoProviderNoCacheEndToEnd(t *testing.T) {
	sink := &recordingSink{}
	c := New(nil, sink, nil, testLogger())
	c.Start()
	defer c.Dispose()

	require.Eventually(t, func() bool {
		return c.Status() == status.MsgNotSupported
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, c.Position())
	assert.Equal(t, status.MsgAcquiring, sink.firstStatus())
}

func TestAccuracyFloorAppliedToReadings(t *testing.T) {
	c := newTestController(&recordingSink{})

	c.Reading("hostapp", liveFix(10, 10, 2))

	pos := c.Position()
	require.NotNil(t, pos)
	assert.Equal(t, position.MinAccuracyM, pos.AccuracyM)
}

func TestInvalidReadingFunnelledAsTransient(t *testing.T) {
	c := newTestController(&recordingSink{})

	c.Reading("hostapp", liveFix(99, 10, 10))

	assert.Nil(t, c.Position())
	assert.Equal(t, status.MsgUnavailable, c.Status())
}

func TestManualEditClearsPresetLabel(t *testing.T) {
	c := newTestController(&recordingSink{})
	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.SelectPreset("london"))
	assert.Equal(t, "Simulating: London", c.Status())

	require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, "10.5"))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, "20.25"))
	require.NoError(t, c.ConfirmSimulatedPosition())

	assert.Equal(t, "Simulating: 10.5000, 20.2500", c.Status())
}

func TestDisposeIdempotentAndStopsProviderOnce(t *testing.T) {
	prov := &scriptedProvider{name: "hostapp", priority: 1, supported: true}
	c := New([]provider.Provider{prov}, &recordingSink{}, nil, testLogger())
	c.Start()

	require.Eventually(t, func() bool { return prov.startCount() == 1 }, time.Second, 5*time.Millisecond)
	prov.deliver(liveFix(10, 10, 10))

	require.Eventually(t, func() bool { return c.Position() != nil }, time.Second, 5*time.Millisecond)

	c.Dispose()
	c.Dispose()

	assert.Equal(t, 1, prov.stopCount())
	assert.ErrorIs(t, c.SetMode(ModeSimulated), ErrDisposed)
	assert.ErrorIs(t, c.SelectPreset("tokyo"), ErrDisposed)
	assert.ErrorIs(t, c.ConfirmSimulatedPosition(), ErrDisposed)
}

func TestReadingAfterDisposeDoesNotAlterPosition(t *testing.T) {
	prov := &scriptedProvider{name: "hostapp", priority: 1, supported: true}
	sink := &recordingSink{}
	c := New([]provider.Provider{prov}, sink, nil, testLogger())
	c.Start()

	require.Eventually(t, func() bool { return prov.startCount() == 1 }, time.Second, 5*time.Millisecond)

	c.Dispose()
	prov.deliver(liveFix(10, 10, 10))

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, c.Position())
	assert.Equal(t, 0, sink.positionCount())
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	c := newTestController(&recordingSink{})

	var mu sync.Mutex
	var updates []Update
	c.Subscribe(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	c.Reading("hostapp", liveFix(10, 10, 10))
	require.NoError(t, c.SetMode(ModeSimulated))
	require.NoError(t, c.SelectPreset("tokyo"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, "hostapp", updates[0].Source)
	assert.Equal(t, "simulated", updates[1].Source)
	assert.Equal(t, "Simulating: Tokyo", updates[1].Status)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"live", ModeLive, false},
		{"LIVE", ModeLive, false},
		{"simulated", ModeSimulated, false},
		{" sim ", ModeSimulated, false},
		{"gps", ModeLive, true},
		{"", ModeLive, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetModeIdempotent(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(sink)
	c.Reading("hostapp", liveFix(10, 10, 10))
	before := sink.positionCount()

	require.NoError(t, c.SetMode(ModeLive))

	assert.Equal(t, before, sink.positionCount(), "re-entering the current mode must not re-apply")
}

func TestDraftsReportPerAxisValidity(t *testing.T) {
	c := newTestController(&recordingSink{})
	require.NoError(t, c.SetDraftCoordinate(position.AxisLatitude, "91"))
	require.NoError(t, c.SetDraftCoordinate(position.AxisLongitude, "20"))

	ds := c.Drafts()
	assert.False(t, ds.Ready)
	assert.ErrorIs(t, ds.Result.LatErr, position.ErrLatitudeRange)
	assert.NoError(t, ds.Result.LngErr)
}

func TestErrorIsNeverUncaught(t *testing.T) {
	// Every error kind funnels into a status message; none panics or
	// escapes.
	kinds := []provider.ErrorKind{
		provider.KindUnavailable,
		provider.KindTimeout,
		provider.KindPermissionDenied,
		provider.KindUnsupported,
		provider.KindInvalidReading,
	}

	for _, kind := range kinds {
		c := newTestController(&recordingSink{})
		require.NotPanics(t, func() {
			c.ProviderError("hostapp", provider.NewError(kind, "boom"), false)
		})
		assert.NotEmpty(t, c.Status())
	}
}

func TestUnknownPreset(t *testing.T) {
	c := newTestController(&recordingSink{})
	err := c.SelectPreset("atlantis")
	assert.ErrorIs(t, err, ErrUnknownPreset)
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}
