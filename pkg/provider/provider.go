package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/posmux/posmux/pkg/position"
)

// ErrorKind discriminates provider failures so callers can react per cause
// instead of string-matching messages.
type ErrorKind int

const (
	// KindUnavailable is a transient failure; the provider keeps running
	// and may recover on a later read.
	KindUnavailable ErrorKind = iota
	// KindTimeout is a read that did not complete within its deadline.
	KindTimeout
	// KindPermissionDenied is terminal until the user re-grants access;
	// it is never retried automatically.
	KindPermissionDenied
	// KindUnsupported means the source cannot serve this host at all.
	KindUnsupported
	// KindConcurrentRejected means the source refused an overlapping
	// request. Treated as a no-op since a retry is already scheduled.
	KindConcurrentRejected
	// KindInvalidReading marks malformed coordinates from a source.
	KindInvalidReading
)

// String returns the kind name used in logs, metrics labels and API payloads.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUnsupported:
		return "unsupported"
	case KindConcurrentRejected:
		return "concurrent_rejected"
	case KindInvalidReading:
		return "invalid_reading"
	default:
		return "unavailable"
	}
}

// Error is a provider failure carrying a kind discriminator and an optional
// human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a provider error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a provider error wrapping an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify normalizes an arbitrary error into a provider Error. Context
// deadline errors become timeouts; anything unrecognized is transient
// unavailability.
func Classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindTimeout, "request timed out", err)
	}
	return WrapError(KindUnavailable, "request failed", err)
}

// Fix is one raw reading delivered by a provider before normalization into
// the canonical position model.
type Fix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Satellites int       `json:"satellites,omitempty"`
	SpeedMps   float64   `json:"speed_mps,omitempty"`
}

// Position validates the fix and returns it as a normalized Position with
// the accuracy floor applied. Out-of-range coordinates are reported as an
// invalid-reading error.
func (f Fix) Position() (position.Position, error) {
	p, err := position.New(f.Latitude, f.Longitude, f.AccuracyM)
	if err != nil {
		return position.Position{}, WrapError(KindInvalidReading, "reading outside coordinate range", err)
	}
	return p, nil
}

// ReadingFunc receives successful readings from a running provider.
type ReadingFunc func(Fix)

// ErrorFunc receives provider failures. Errors are reported here instead of
// being returned from Start so that a running observation and a failing one
// share a single control path.
type ErrorFunc func(*Error)

// Handle controls one observation begun by Start. Stop is idempotent, may be
// called after the provider already failed, cancels any in-flight request
// and invalidates completions that have not been delivered yet.
type Handle interface {
	Stop()
}

// Provider is the uniform capability contract implemented by every location
// source. Supported is a cheap synchronous probe; Start begins continuous or
// polled observation and reports ordinary unavailability through onError,
// never by panicking.
type Provider interface {
	Name() string
	Priority() int
	Supported() bool
	Start(onReading ReadingFunc, onError ErrorFunc) Handle
	Health() SourceHealth
}

// Mounter is implemented by providers that need an asynchronous handshake
// before Start may be called, such as the host application service.
type Mounter interface {
	Mount(ctx context.Context) error
	Mounted() bool
}

// PollObservable is implemented by polling providers whose read latency can
// be observed externally, e.g. for a metrics histogram. The observer must be
// installed before Start.
type PollObservable interface {
	SetPollObserver(fn func(time.Duration))
}

// NewHandle wraps a stop function into an idempotent Handle.
func NewHandle(stop func()) Handle {
	return &stopHandle{fn: stop}
}

type stopHandle struct {
	once sync.Once
	fn   func()
}

func (h *stopHandle) Stop() {
	h.once.Do(h.fn)
}
