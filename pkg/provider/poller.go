package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/posmux/posmux/pkg/logx"
)

// PollFunc performs one single-shot location read. Implementations must
// honor context cancellation so Stop can abort an in-flight request.
type PollFunc func(ctx context.Context) (Fix, error)

// Poller adapts a single-shot PollFunc to the push-style observation
// contract. Each tick owns exactly one cancellable in-flight request; the
// next tick is scheduled only after the previous request completed or was
// aborted, never concurrently.
type Poller struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fn       PollFunc
	tracker  *healthTracker
	logger   *logx.Logger

	// onPoll, when set, observes the duration of every completed read.
	onPoll func(time.Duration)
}

// NewPoller creates a polling wrapper around fn. tracker may be nil when the
// caller keeps its own counters.
func NewPoller(name string, interval, timeout time.Duration, fn PollFunc, tracker *healthTracker, logger *logx.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Poller{
		name:     name,
		interval: interval,
		timeout:  timeout,
		fn:       fn,
		tracker:  tracker,
		logger:   logger,
	}
}

// SetPollObserver installs a callback receiving the duration of every
// completed read attempt.
func (p *Poller) SetPollObserver(fn func(time.Duration)) {
	p.onPoll = fn
}

// Start begins the polling loop. The first read is issued immediately;
// subsequent reads follow at the configured interval. The returned Handle
// cancels the in-flight request and stops the loop; it is safe to call from
// within a reading or error callback and safe to call repeatedly.
func (p *Poller) Start(onReading ReadingFunc, onError ErrorFunc) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool

	go p.loop(ctx, &stopped, onReading, onError)

	return NewHandle(func() {
		stopped.Store(true)
		cancel()
	})
}

func (p *Poller) loop(ctx context.Context, stopped *atomic.Bool, onReading ReadingFunc, onError ErrorFunc) {
	for {
		reqCtx, reqCancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		fix, err := p.fn(reqCtx)
		reqCancel()
		elapsed := time.Since(start)

		if p.onPoll != nil {
			p.onPoll(elapsed)
		}

		// A completion that lands after Stop must not be delivered.
		if stopped.Load() || ctx.Err() != nil {
			return
		}

		if err != nil {
			p.deliverError(err, onError)
		} else {
			if p.tracker != nil {
				p.tracker.recordSuccess(elapsed)
			}
			onReading(fix)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

func (p *Poller) deliverError(err error, onError ErrorFunc) {
	perr := Classify(err)

	// An overlapping-request rejection is a no-op: the retry is already
	// scheduled by this loop.
	if perr.Kind == KindConcurrentRejected {
		if p.logger != nil {
			p.logger.Debug("poll_concurrent_rejected", "provider", p.name)
		}
		return
	}

	if p.tracker != nil {
		p.tracker.recordError(perr)
	}
	if p.logger != nil {
		p.logger.Debug("poll_failed", "provider", p.name, "kind", perr.Kind.String(), "error", perr.Error())
	}
	onError(perr)
}
