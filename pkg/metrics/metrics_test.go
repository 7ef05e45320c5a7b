package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posmux/posmux/pkg/arbiter"
	"github.com/posmux/posmux/pkg/provider"
)

// The instruments are package globals, so assertions work on deltas.

func TestTapCountsReadings(t *testing.T) {
	tap := NewTap()

	before := testutil.ToFloat64(ReadingsTotal.WithLabelValues("hostapp"))
	tap.Reading("hostapp", provider.Fix{Latitude: 48.1, Longitude: 11.5})
	tap.Reading("hostapp", provider.Fix{Latitude: 48.2, Longitude: 11.6})

	assert.Equal(t, before+2, testutil.ToFloat64(ReadingsTotal.WithLabelValues("hostapp")))
}

func TestTapCountsErrorsByKind(t *testing.T) {
	tap := NewTap()

	before := testutil.ToFloat64(ProviderErrorsTotal.WithLabelValues("platform", "timeout"))
	tap.ProviderError("platform", provider.NewError(provider.KindTimeout, "deadline"), false)

	assert.Equal(t, before+1, testutil.ToFloat64(ProviderErrorsTotal.WithLabelValues("platform", "timeout")))
}

func TestTapNilErrorCountsAsUnavailable(t *testing.T) {
	tap := NewTap()

	before := testutil.ToFloat64(ProviderErrorsTotal.WithLabelValues("nmea", "unavailable"))
	require.NotPanics(t, func() { tap.ProviderError("nmea", nil, false) })

	assert.Equal(t, before+1, testutil.ToFloat64(ProviderErrorsTotal.WithLabelValues("nmea", "unavailable")))
}

func TestTapCountsActivations(t *testing.T) {
	tap := NewTap()

	before := testutil.ToFloat64(ProviderActivationsTotal.WithLabelValues("hostapp"))
	tap.StateChange(arbiter.StateProbing, "hostapp")
	tap.StateChange(arbiter.StateActive, "hostapp")

	assert.Equal(t, before+1, testutil.ToFloat64(ProviderActivationsTotal.WithLabelValues("hostapp")))
}

func TestTapCountsExhaustions(t *testing.T) {
	tap := NewTap()

	before := testutil.ToFloat64(ExhaustionsTotal)
	tap.Exhausted()

	assert.Equal(t, before+1, testutil.ToFloat64(ExhaustionsTotal))
}

func TestSetModeIsOneHot(t *testing.T) {
	InitMetrics()

	SetMode("simulated")
	assert.Equal(t, 1.0, testutil.ToFloat64(ModeState.WithLabelValues("simulated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ModeState.WithLabelValues("live")))

	SetMode("live")
	assert.Equal(t, 0.0, testutil.ToFloat64(ModeState.WithLabelValues("simulated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ModeState.WithLabelValues("live")))
}

func TestSetArbiterStateIsOneHot(t *testing.T) {
	InitMetrics()

	SetArbiterState(arbiter.StateActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(ArbiterState.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ArbiterState.WithLabelValues("probing")))

	SetArbiterState(arbiter.StateExhausted)
	assert.Equal(t, 0.0, testutil.ToFloat64(ArbiterState.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ArbiterState.WithLabelValues("exhausted")))
}

func TestObservePollRecordsHistogram(t *testing.T) {
	InitMetrics()

	observe := ObservePoll("hostapp")
	observe(120 * time.Millisecond)

	count := testutil.CollectAndCount(PollDuration, "posmux_poll_duration_seconds")
	assert.GreaterOrEqual(t, count, 1)
}
