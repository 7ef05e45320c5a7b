package telem

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sajari/regression"

	"github.com/posmux/posmux/pkg/position"
)

const (
	// minTrendSamples is the smallest window a regression is attempted on.
	minTrendSamples = 3

	// movingSpeedMps is the drift rate below which a fix is considered
	// stationary jitter rather than movement.
	movingSpeedMps = 0.5
)

// ErrNotEnoughSamples is returned when the window holds too few samples
// for a meaningful trend.
var ErrNotEnoughSamples = errors.New("not enough samples for a trend")

// Trend summarizes recent movement derived from a sample window.
type Trend struct {
	SpeedMps   float64 `json:"speed_mps"`
	BearingDeg float64 `json:"bearing_deg"`
	DistanceM  float64 `json:"distance_m"`
	Fit        float64 `json:"fit"`
	Moving     bool    `json:"moving"`
	Samples    int     `json:"samples"`
}

// ComputeTrend fits distance-from-origin over elapsed time across the
// window. The regression slope is the drift speed; the fit quality tells
// how linear the movement was.
func ComputeTrend(samples []*Sample) (*Trend, error) {
	if len(samples) < minTrendSamples {
		return nil, ErrNotEnoughSamples
	}

	ordered := make([]*Sample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	base := ordered[0]
	r := new(regression.Regression)
	r.SetObserved("distance from first sample (m)")
	r.SetVar(0, "elapsed (s)")
	for _, s := range ordered {
		elapsed := s.Timestamp.Sub(base.Timestamp).Seconds()
		dist := position.Distance(base.Position, s.Position)
		r.Train(regression.DataPoint(dist, []float64{elapsed}))
	}
	if err := r.Run(); err != nil {
		return nil, fmt.Errorf("movement regression: %w", err)
	}

	last := ordered[len(ordered)-1]
	trend := &Trend{
		SpeedMps:   math.Abs(r.Coeff(1)),
		BearingDeg: initialBearing(base.Position, last.Position),
		DistanceM:  position.Distance(base.Position, last.Position),
		Fit:        r.R2,
		Samples:    len(ordered),
	}
	// A zero-variance window leaves R2 undefined, which JSON cannot carry.
	if math.IsNaN(trend.Fit) || math.IsInf(trend.Fit, 0) {
		trend.Fit = 0
	}

	// Displacement inside the accuracy radius is indistinguishable from
	// fix noise, whatever the slope says.
	trend.Moving = trend.SpeedMps >= movingSpeedMps &&
		trend.DistanceM > last.Position.AccuracyM

	return trend, nil
}

// TrendSince computes the movement trend over all samples recorded after
// the given time.
func (s *Store) TrendSince(since time.Time) (*Trend, error) {
	return ComputeTrend(s.Recent(since))
}

// initialBearing returns the forward azimuth from a to b in degrees
// [0, 360).
func initialBearing(a, b position.Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	deltaLng := (b.Longitude - a.Longitude) * math.Pi / 180

	y := math.Sin(deltaLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
