// Package arbiter selects which location provider feeds the controller.
//
// Candidates are tried strictly in priority order. A candidate must prove
// itself by delivering a reading before it is held; failures before that
// point tear the candidate down and advance to the next one. Once a provider
// is held the arbiter never falls back to a lower-priority candidate, and
// later errors from the held provider are forwarded as degradation instead
// of triggering a switch.
package arbiter

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/provider"
)

// State identifies where the arbitration state machine currently is.
type State int

const (
	// StateIdle means arbitration has not been engaged yet.
	StateIdle State = iota
	// StateProbing means a candidate's Supported check is being evaluated.
	StateProbing
	// StateMounting means a candidate's async handshake is in flight.
	StateMounting
	// StateStarting means a candidate is running but has not yet delivered
	// a reading.
	StateStarting
	// StateActive means the held provider has delivered at least one
	// reading.
	StateActive
	// StateFailed is the transient state of a candidate that errored before
	// proving itself.
	StateFailed
	// StateExhausted means every candidate was tried and none succeeded.
	StateExhausted
	// StateStopped means the arbiter was disposed.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateMounting:
		return "mounting"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink receives arbitration outcomes. Callbacks arrive on provider
// goroutines; implementations synchronize internally and must not block for
// long.
type Sink interface {
	// Reading delivers a fix from the held provider.
	Reading(providerName string, fix provider.Fix)
	// ProviderError reports a provider failure. wasActive distinguishes
	// degradation of a proven provider from a candidate that never got
	// going.
	ProviderError(providerName string, err *provider.Error, wasActive bool)
	// StateChange reports an arbitration state transition.
	StateChange(state State, providerName string)
	// Exhausted reports that no candidate could be engaged.
	Exhausted()
}

// Config holds arbitration tunables.
type Config struct {
	MountTimeout time.Duration
}

// DefaultConfig returns the arbitration defaults.
func DefaultConfig() *Config {
	return &Config{MountTimeout: 15 * time.Second}
}

// Arbiter walks the ordered candidate list and holds the first provider
// that delivers a reading.
type Arbiter struct {
	logger       *logx.Logger
	sink         Sink
	mountTimeout time.Duration

	mu          sync.Mutex
	candidates  []provider.Provider
	idx         int
	state       State
	gen         uint64
	current     string
	handle      provider.Handle
	mountCancel context.CancelFunc
	active      bool
	disposed    bool
}

// New builds an arbiter over the given candidates. The slice is copied and
// sorted by ascending priority; declaration order breaks ties.
func New(candidates []provider.Provider, sink Sink, cfg *Config, logger *logx.Logger) *Arbiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sorted := make([]provider.Provider, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	return &Arbiter{
		logger:       logger,
		sink:         sink,
		mountTimeout: cfg.MountTimeout,
		candidates:   sorted,
		state:        StateIdle,
	}
}

// Engage starts the arbitration walk in the background. It is a no-op while
// a walk is running or a provider is held; after exhaustion it starts a
// fresh walk from the top of the priority list.
func (a *Arbiter) Engage() {
	a.mu.Lock()
	if a.disposed || (a.state != StateIdle && a.state != StateExhausted) {
		a.mu.Unlock()
		return
	}
	a.gen++
	gen := a.gen
	a.idx = 0
	a.active = false
	a.current = ""
	a.mu.Unlock()

	go a.advance(gen)
}

// Dispose tears the arbiter down. Idempotent: the held provider is stopped
// exactly once, an in-flight handshake is canceled, and callbacks that land
// afterwards are discarded.
func (a *Arbiter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.gen++
	handle := a.handle
	a.handle = nil
	if a.mountCancel != nil {
		a.mountCancel()
		a.mountCancel = nil
	}
	a.state = StateStopped
	a.current = ""
	a.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	for _, cand := range a.candidates {
		if closer, ok := cand.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	a.logger.Info("arbiter_disposed")
	a.sink.StateChange(StateStopped, "")
}

// State returns the current arbitration state and the provider it concerns.
func (a *Arbiter) State() (State, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.current
}

// Health returns per-provider health snapshots keyed by provider name.
func (a *Arbiter) Health() map[string]provider.SourceHealth {
	a.mu.Lock()
	candidates := a.candidates
	a.mu.Unlock()

	health := make(map[string]provider.SourceHealth, len(candidates))
	for _, cand := range candidates {
		health[cand.Name()] = cand.Health()
	}
	return health
}

// advance tries candidates in priority order until one starts or the list
// runs out. It abandons itself the moment the generation moves on.
func (a *Arbiter) advance(gen uint64) {
	for {
		a.mu.Lock()
		if a.disposed || gen != a.gen {
			a.mu.Unlock()
			return
		}
		if a.idx >= len(a.candidates) {
			a.state = StateExhausted
			a.current = ""
			a.mu.Unlock()

			a.logger.Warn("providers_exhausted", "candidates", len(a.candidates))
			a.sink.StateChange(StateExhausted, "")
			a.sink.Exhausted()
			return
		}
		cand := a.candidates[a.idx]
		a.idx++
		name := cand.Name()
		a.state = StateProbing
		a.current = name
		a.mu.Unlock()

		a.sink.StateChange(StateProbing, name)

		if !cand.Supported() {
			a.logger.Debug("provider_unsupported", "provider", name)
			continue
		}

		if mounter, ok := cand.(provider.Mounter); ok {
			if !a.transition(gen, StateMounting, name) {
				return
			}
			if err := a.mount(gen, mounter); err != nil {
				if !a.stillCurrent(gen) {
					return
				}
				perr := provider.Classify(err)
				a.logger.Warn("provider_mount_failed", "provider", name, "error", err)
				a.sink.StateChange(StateFailed, name)
				a.sink.ProviderError(name, perr, false)
				continue
			}
		}

		if !a.transition(gen, StateStarting, name) {
			return
		}

		handle := cand.Start(
			func(fix provider.Fix) { a.onReading(gen, name, fix) },
			func(perr *provider.Error) { a.onError(gen, name, perr) },
		)

		a.mu.Lock()
		if a.disposed || gen != a.gen {
			a.mu.Unlock()
			handle.Stop()
			return
		}
		a.handle = handle
		a.mu.Unlock()

		a.logger.Info("provider_started", "provider", name)
		return
	}
}

// mount runs the candidate handshake under a cancellable timeout so Dispose
// can abort it mid-flight.
func (a *Arbiter) mount(gen uint64, mounter provider.Mounter) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.mountTimeout)

	a.mu.Lock()
	if a.disposed || gen != a.gen {
		a.mu.Unlock()
		cancel()
		return context.Canceled
	}
	a.mountCancel = cancel
	a.mu.Unlock()

	err := mounter.Mount(ctx)

	a.mu.Lock()
	a.mountCancel = nil
	a.mu.Unlock()
	cancel()
	return err
}

// onReading handles a fix from the currently started provider. The first
// fix promotes the provider to Active.
func (a *Arbiter) onReading(gen uint64, name string, fix provider.Fix) {
	a.mu.Lock()
	if a.disposed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	becameActive := !a.active
	a.active = true
	a.state = StateActive
	a.mu.Unlock()

	if becameActive {
		a.logger.Info("provider_active", "provider", name, "source", fix.Source)
		a.sink.StateChange(StateActive, name)
	}
	a.sink.Reading(name, fix)
}

// onError handles a provider failure. Before the first fix the candidate is
// torn down and arbitration advances; after it the error is forwarded as
// degradation and the provider keeps running.
func (a *Arbiter) onError(gen uint64, name string, perr *provider.Error) {
	a.mu.Lock()
	if a.disposed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	if a.active {
		a.mu.Unlock()
		a.logger.Warn("provider_degraded",
			"provider", name,
			"kind", perr.Kind.String(),
			"error", perr.Message)
		a.sink.ProviderError(name, perr, true)
		return
	}

	handle := a.handle
	a.handle = nil
	a.gen++
	next := a.gen
	a.state = StateFailed
	a.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	a.logger.Warn("provider_failed",
		"provider", name,
		"kind", perr.Kind.String(),
		"error", perr.Message)
	a.sink.StateChange(StateFailed, name)
	a.sink.ProviderError(name, perr, false)

	go a.advance(next)
}

// transition moves to the given state if this walk is still current.
func (a *Arbiter) transition(gen uint64, state State, name string) bool {
	a.mu.Lock()
	if a.disposed || gen != a.gen {
		a.mu.Unlock()
		return false
	}
	a.state = state
	a.mu.Unlock()

	a.sink.StateChange(state, name)
	return true
}

func (a *Arbiter) stillCurrent(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disposed && gen == a.gen
}
