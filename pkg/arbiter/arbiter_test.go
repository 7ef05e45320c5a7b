package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/provider"
)

type fakeProvider struct {
	name      string
	priority  int
	supported bool
	fix       *provider.Fix
	startErr  *provider.Error

	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Priority() int                 { return f.priority }
func (f *fakeProvider) Supported() bool               { return f.supported }
func (f *fakeProvider) Health() provider.SourceHealth { return provider.SourceHealth{} }

func (f *fakeProvider) Start(onReading provider.ReadingFunc, onError provider.ErrorFunc) provider.Handle {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()

	go func() {
		if f.fix != nil {
			onReading(*f.fix)
		}
		if f.startErr != nil {
			onError(f.startErr)
		}
	}()

	return provider.NewHandle(func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	})
}

func (f *fakeProvider) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeProvider) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// mountedProvider adds the handshake step to fakeProvider.
type mountedProvider struct {
	fakeProvider
	mountErr error

	mountMu sync.Mutex
	mounts  int
}

func (m *mountedProvider) Mount(ctx context.Context) error {
	m.mountMu.Lock()
	m.mounts++
	m.mountMu.Unlock()
	return m.mountErr
}

func (m *mountedProvider) Mounted() bool { return m.mountErr == nil && m.mountCount() > 0 }

func (m *mountedProvider) mountCount() int {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()
	return m.mounts
}

// manualProvider hands its callbacks to the test so delivery can be timed
// around stop and dispose.
type manualProvider struct {
	fakeProvider

	cbMu      sync.Mutex
	onReading provider.ReadingFunc
	onError   provider.ErrorFunc
}

func (m *manualProvider) Start(onReading provider.ReadingFunc, onError provider.ErrorFunc) provider.Handle {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()

	m.cbMu.Lock()
	m.onReading = onReading
	m.onError = onError
	m.cbMu.Unlock()

	return provider.NewHandle(func() {
		m.mu.Lock()
		m.stopped++
		m.mu.Unlock()
	})
}

func (m *manualProvider) deliverReading(fix provider.Fix) {
	m.cbMu.Lock()
	cb := m.onReading
	m.cbMu.Unlock()
	cb(fix)
}

func (m *manualProvider) deliverError(err *provider.Error) {
	m.cbMu.Lock()
	cb := m.onError
	m.cbMu.Unlock()
	cb(err)
}

type sinkError struct {
	name      string
	err       *provider.Error
	wasActive bool
}

type stateEvent struct {
	state State
	name  string
}

type recordingSink struct {
	mu        sync.Mutex
	readings  []string
	fixes     []provider.Fix
	errors    []sinkError
	states    []stateEvent
	exhausted int
}

func (s *recordingSink) Reading(name string, fix provider.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, name)
	s.fixes = append(s.fixes, fix)
}

func (s *recordingSink) ProviderError(name string, err *provider.Error, wasActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, sinkError{name: name, err: err, wasActive: wasActive})
}

func (s *recordingSink) StateChange(state State, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, stateEvent{state: state, name: name})
}

func (s *recordingSink) Exhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted++
}

func (s *recordingSink) readingCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.readings {
		if r == name {
			count++
		}
	}
	return count
}

func (s *recordingSink) hasState(state State, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.states {
		if ev.state == state && ev.name == name {
			return true
		}
	}
	return false
}

func (s *recordingSink) errorsFor(name string) []sinkError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkError
	for _, e := range s.errors {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) exhaustedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func testLogger() *logx.Logger { return logx.NewLogger("error", "arbiter-test") }

func testFix() *provider.Fix {
	return &provider.Fix{Latitude: 59.3293, Longitude: 18.0686, AccuracyM: 10, Source: "test"}
}

func TestEngageHoldsFirstSupportedProvider(t *testing.T) {
	first := &fakeProvider{name: "hostapp", priority: 1, supported: true, fix: testFix()}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, first.startCount())
	assert.Equal(t, 0, second.startCount(), "lower priority provider must not start")
	assert.Greater(t, sink.readingCount("hostapp"), 0)
}

func TestPriorityOrderIndependentOfDeclarationOrder(t *testing.T) {
	low := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	high := &fakeProvider{name: "hostapp", priority: 1, supported: true, fix: testFix()}
	sink := &recordingSink{}

	// Declared low-priority first; arbitration must still try hostapp first.
	arb := New([]provider.Provider{low, high}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, low.startCount())
}

func TestUnsupportedProviderFallsThroughExactlyOnce(t *testing.T) {
	first := &fakeProvider{name: "hostapp", priority: 1, supported: false}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "platform")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, first.startCount(), "unsupported provider must never start")
	assert.Equal(t, 1, second.startCount())
	assert.True(t, sink.hasState(StateProbing, "hostapp"))
}

func TestStartupErrorAdvancesToNextCandidate(t *testing.T) {
	first := &fakeProvider{
		name: "hostapp", priority: 1, supported: true,
		startErr: provider.NewError(provider.KindTimeout, "request timed out"),
	}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "platform")
	}, time.Second, 5*time.Millisecond)

	// Failed candidate was torn down, tried exactly once, never re-tried.
	assert.Equal(t, 1, first.startCount())
	assert.Equal(t, 1, first.stopCount())

	errs := sink.errorsFor("hostapp")
	require.Len(t, errs, 1)
	assert.False(t, errs[0].wasActive)
	assert.Equal(t, provider.KindTimeout, errs[0].err.Kind)
}

func TestMountFailureAdvancesAndSurfaces(t *testing.T) {
	first := &mountedProvider{
		fakeProvider: fakeProvider{name: "hostapp", priority: 1, supported: true},
		mountErr:     provider.NewError(provider.KindUnavailable, "connection refused"),
	}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "platform")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, first.mountCount())
	assert.Equal(t, 0, first.startCount(), "failed mount must not start the provider")
	assert.True(t, sink.hasState(StateMounting, "hostapp"))

	errs := sink.errorsFor("hostapp")
	require.Len(t, errs, 1)
	assert.False(t, errs[0].wasActive)
}

func TestMountSuccessLeadsToActive(t *testing.T) {
	first := &mountedProvider{
		fakeProvider: fakeProvider{name: "hostapp", priority: 1, supported: true, fix: testFix()},
	}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, first.mountCount())
	assert.True(t, sink.hasState(StateMounting, "hostapp"))
	assert.True(t, sink.hasState(StateStarting, "hostapp"))
}

func TestDegradationDoesNotSwitchProvider(t *testing.T) {
	first := &manualProvider{fakeProvider: fakeProvider{name: "hostapp", priority: 1, supported: true}}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool { return first.startCount() == 1 }, time.Second, 5*time.Millisecond)

	first.deliverReading(*testFix())
	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	first.deliverError(provider.NewError(provider.KindUnavailable, "signal lost"))

	require.Eventually(t, func() bool {
		return len(sink.errorsFor("hostapp")) == 1
	}, time.Second, 5*time.Millisecond)

	errs := sink.errorsFor("hostapp")
	assert.True(t, errs[0].wasActive, "post-activation errors are degradation")
	assert.Equal(t, 0, second.startCount(), "no fallback once a provider is held")
	assert.Equal(t, 0, first.stopCount(), "degraded provider keeps running")

	state, name := arb.State()
	assert.Equal(t, StateActive, state)
	assert.Equal(t, "hostapp", name)
}

func TestExhaustionReportedOnce(t *testing.T) {
	first := &fakeProvider{name: "hostapp", priority: 1, supported: false}
	second := &fakeProvider{name: "platform", priority: 2, supported: false}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.exhaustedCount() == 1
	}, time.Second, 5*time.Millisecond)

	state, _ := arb.State()
	assert.Equal(t, StateExhausted, state)
}

func TestDisposeStopsProviderExactlyOnce(t *testing.T) {
	first := &fakeProvider{name: "hostapp", priority: 1, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first}, sink, nil, testLogger())
	arb.Engage()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	arb.Dispose()
	arb.Dispose()

	assert.Equal(t, 1, first.stopCount())
	state, _ := arb.State()
	assert.Equal(t, StateStopped, state)
}

func TestReadingAfterDisposeIsDiscarded(t *testing.T) {
	first := &manualProvider{fakeProvider: fakeProvider{name: "hostapp", priority: 1, supported: true}}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first}, sink, nil, testLogger())
	arb.Engage()

	require.Eventually(t, func() bool { return first.startCount() == 1 }, time.Second, 5*time.Millisecond)

	arb.Dispose()
	first.deliverReading(*testFix())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.readingCount("hostapp"))
}

func TestCallbacksFromReplacedProviderAreDiscarded(t *testing.T) {
	first := &manualProvider{fakeProvider: fakeProvider{name: "hostapp", priority: 1, supported: true}}
	second := &fakeProvider{name: "platform", priority: 2, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first, second}, sink, nil, testLogger())
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool { return first.startCount() == 1 }, time.Second, 5*time.Millisecond)

	// Fail the first candidate, wait for the fallback to take hold, then
	// deliver a stale reading from the replaced instance.
	first.deliverError(provider.NewError(provider.KindUnavailable, "no fix"))
	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "platform")
	}, time.Second, 5*time.Millisecond)

	first.deliverReading(*testFix())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.readingCount("hostapp"))
	assert.Greater(t, sink.readingCount("platform"), 0)
}

func TestEngageWhileRunningIsNoOp(t *testing.T) {
	first := &fakeProvider{name: "hostapp", priority: 1, supported: true, fix: testFix()}
	sink := &recordingSink{}

	arb := New([]provider.Provider{first}, sink, nil, testLogger())
	arb.Engage()
	arb.Engage()
	defer arb.Dispose()

	require.Eventually(t, func() bool {
		return sink.hasState(StateActive, "hostapp")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, first.startCount())
}
