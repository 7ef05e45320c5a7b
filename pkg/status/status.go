// Package status projects controller state onto the single line of text
// shown to the operator. Projection is a pure function so every message the
// system can display is testable without running providers.
package status

import (
	"fmt"

	"github.com/posmux/posmux/pkg/provider"
)

// Messages shown to the operator. Message selection follows a strict
// priority: permission denial, then unsupported device, then transient
// unavailability, then the ordinary tracking and simulating confirmations.
const (
	MsgPermissionDenied = "Location permission denied"
	MsgNotSupported     = "Location not supported on this device"
	MsgUsingLastKnown   = "Location temporarily unavailable, using last known location"
	MsgUnavailable      = "Location temporarily unavailable"
	MsgSimulatorReady   = "Simulator ready, choose a position"
	MsgTracking         = "Tracking live location"
	MsgAcquiring        = "Acquiring location..."
)

// Input is the controller state the projection depends on.
type Input struct {
	// Simulated is true when the controller is in simulated mode.
	Simulated bool
	// SimApplied is true once a simulated position has been applied since
	// entering simulated mode.
	SimApplied bool
	// SimLabel is the descriptive label of the applied simulated position,
	// empty for manually entered coordinates.
	SimLabel string
	// SimLatitude/SimLongitude are the applied simulated coordinates, used
	// when no label is available.
	SimLatitude  float64
	SimLongitude float64

	// HasCanonical is true when a canonical position exists.
	HasCanonical bool
	// HasCache is true when a live reading has ever been cached.
	HasCache bool

	// HasError and ErrKind carry the most specific provider error still
	// standing. Permission denial is never conflated with a transient
	// condition; its remedy differs entirely.
	HasError bool
	ErrKind  provider.ErrorKind

	// Exhausted is true when the provider list ran out without any
	// candidate succeeding.
	Exhausted bool
}

// Project selects the status message for the given state.
func Project(in Input) string {
	// An applied simulated position is what the operator asked to see; it
	// outranks latched live-provider errors.
	if in.Simulated && in.SimApplied {
		if in.SimLabel != "" {
			return fmt.Sprintf("Simulating: %s", in.SimLabel)
		}
		return fmt.Sprintf("Simulating: %.4f, %.4f", in.SimLatitude, in.SimLongitude)
	}

	if in.HasError && in.ErrKind == provider.KindPermissionDenied {
		return MsgPermissionDenied
	}

	if in.Exhausted || (in.HasError && in.ErrKind == provider.KindUnsupported) {
		if in.HasCache {
			return MsgUsingLastKnown
		}
		return MsgNotSupported
	}

	if in.Simulated {
		return MsgSimulatorReady
	}

	if in.HasError {
		// Unavailable, timeout and invalid-reading conditions are all
		// transient; the provider keeps running and may recover.
		if in.HasCache {
			return MsgUsingLastKnown
		}
		return MsgUnavailable
	}

	if in.HasCanonical {
		return MsgTracking
	}
	return MsgAcquiring
}
