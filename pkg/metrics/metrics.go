// Package metrics exposes Prometheus instruments for provider activity,
// arbitration and mode changes. The API server serves them on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/posmux/posmux/pkg/arbiter"
	"github.com/posmux/posmux/pkg/provider"
)

var (
	// ReadingsTotal counts position readings accepted from providers
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posmux",
			Name:      "readings_total",
			Help:      "Total number of position readings delivered by providers",
		},
		[]string{"provider"},
	)

	// ProviderErrorsTotal counts provider failures by kind
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posmux",
			Name:      "provider_errors_total",
			Help:      "Total number of provider failures",
		},
		[]string{"provider", "kind"},
	)

	// ProviderActivationsTotal counts providers reaching the active state
	ProviderActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posmux",
			Name:      "provider_activations_total",
			Help:      "Total number of times a provider became the active source",
		},
		[]string{"provider"},
	)

	// ExhaustionsTotal counts arbitration runs that ran out of candidates
	ExhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "posmux",
			Name:      "exhaustions_total",
			Help:      "Total number of times every candidate provider failed",
		},
	)

	// SimulationsAppliedTotal counts applied simulated positions
	SimulationsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "posmux",
			Name:      "simulations_applied_total",
			Help:      "Total number of simulated positions applied",
		},
	)

	// ModeState is a one-hot gauge of the current controller mode
	ModeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "posmux",
			Name:      "mode_state",
			Help:      "Current controller mode (1 for the active mode, 0 otherwise)",
		},
		[]string{"mode"},
	)

	// ArbiterState is a one-hot gauge of the current arbitration state
	ArbiterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "posmux",
			Name:      "arbiter_state",
			Help:      "Current arbitration state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// PollDuration observes how long provider read attempts take
	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "posmux",
			Name:      "poll_duration_seconds",
			Help:      "Duration of provider read attempts",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry.
// This function is idempotent and can be called multiple times safely.
func InitMetrics() {
	once.Do(func() {
		// Register metrics, ignoring errors if already registered
		// This prevents panics when metrics are already in the registry
		prometheus.DefaultRegisterer.Register(ReadingsTotal)
		prometheus.DefaultRegisterer.Register(ProviderErrorsTotal)
		prometheus.DefaultRegisterer.Register(ProviderActivationsTotal)
		prometheus.DefaultRegisterer.Register(ExhaustionsTotal)
		prometheus.DefaultRegisterer.Register(SimulationsAppliedTotal)
		prometheus.DefaultRegisterer.Register(ModeState)
		prometheus.DefaultRegisterer.Register(ArbiterState)
		prometheus.DefaultRegisterer.Register(PollDuration)
	})
}

// SetMode flips the mode gauge so exactly the given mode reads 1.
func SetMode(mode string) {
	for _, m := range []string{"live", "simulated"} {
		value := 0.0
		if m == mode {
			value = 1.0
		}
		ModeState.WithLabelValues(m).Set(value)
	}
}

// SetArbiterState flips the state gauge so exactly the given state reads 1.
func SetArbiterState(state arbiter.State) {
	for s := arbiter.StateIdle; s <= arbiter.StateStopped; s++ {
		value := 0.0
		if s == state {
			value = 1.0
		}
		ArbiterState.WithLabelValues(s.String()).Set(value)
	}
}

// ObservePoll returns a poll observer feeding read-attempt durations into
// the poll histogram. Install it per provider via SetPollObserver.
func ObservePoll(providerName string) func(time.Duration) {
	return func(d time.Duration) {
		PollDuration.WithLabelValues(providerName).Observe(d.Seconds())
	}
}

// Tap is an arbitration event observer that updates the instruments above.
// Install it as the controller's tap; it is safe for concurrent use.
type Tap struct{}

// NewTap registers the instruments and returns a tap.
func NewTap() *Tap {
	InitMetrics()
	return &Tap{}
}

// Reading implements arbiter.Sink.
func (t *Tap) Reading(providerName string, _ provider.Fix) {
	ReadingsTotal.WithLabelValues(providerName).Inc()
}

// ProviderError implements arbiter.Sink.
func (t *Tap) ProviderError(providerName string, err *provider.Error, _ bool) {
	kind := "unavailable"
	if err != nil {
		kind = err.Kind.String()
	}
	ProviderErrorsTotal.WithLabelValues(providerName, kind).Inc()
}

// StateChange implements arbiter.Sink.
func (t *Tap) StateChange(state arbiter.State, providerName string) {
	SetArbiterState(state)
	if state == arbiter.StateActive && providerName != "" {
		ProviderActivationsTotal.WithLabelValues(providerName).Inc()
	}
}

// Exhausted implements arbiter.Sink.
func (t *Tap) Exhausted() {
	ExhaustionsTotal.Inc()
}
