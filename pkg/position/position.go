package position

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinAccuracyM is the smallest accuracy radius a Position will carry.
	// Readings reporting a tighter radius are normalized up to this floor.
	MinAccuracyM = 5.0

	// SimulatedAccuracyM is the fixed accuracy radius assigned to every
	// operator-supplied position.
	SimulatedAccuracyM = 50.0

	earthRadiusM = 6371000.0
)

// Validation errors for coordinate values.
var (
	ErrLatitudeRange  = errors.New("latitude out of range [-90, 90]")
	ErrLongitudeRange = errors.New("longitude out of range [-180, 180]")
	ErrNotFinite      = errors.New("coordinate is not a finite number")
)

// Position is a single geographic reading: latitude and longitude in decimal
// degrees plus an accuracy radius in meters. It is an immutable value;
// updates replace the whole Position rather than mutating fields.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
}

// New validates the coordinates, clamps the accuracy radius to MinAccuracyM
// and returns the resulting Position. Out-of-range or non-finite latitude or
// longitude is an error; a too-small accuracy is not.
func New(lat, lng, accuracyM float64) (Position, error) {
	if err := ValidateLatitude(lat); err != nil {
		return Position{}, fmt.Errorf("latitude %v: %w", lat, err)
	}
	if err := ValidateLongitude(lng); err != nil {
		return Position{}, fmt.Errorf("longitude %v: %w", lng, err)
	}
	if math.IsNaN(accuracyM) || math.IsInf(accuracyM, 0) {
		return Position{}, fmt.Errorf("accuracy %v: %w", accuracyM, ErrNotFinite)
	}
	if accuracyM < MinAccuracyM {
		accuracyM = MinAccuracyM
	}
	return Position{Latitude: lat, Longitude: lng, AccuracyM: accuracyM}, nil
}

// ValidateLatitude checks that lat is a finite number in [-90, 90].
func ValidateLatitude(lat float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return ErrNotFinite
	}
	if lat < -90 || lat > 90 {
		return ErrLatitudeRange
	}
	return nil
}

// ValidateLongitude checks that lng is a finite number in [-180, 180].
func ValidateLongitude(lng float64) error {
	if math.IsNaN(lng) || math.IsInf(lng, 0) {
		return ErrNotFinite
	}
	if lng < -180 || lng > 180 {
		return ErrLongitudeRange
	}
	return nil
}

// Distance returns the great-circle distance between two positions in meters
// using the Haversine formula.
func Distance(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	deltaLat := (b.Latitude - a.Latitude) * math.Pi / 180
	deltaLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c
}

// String renders the position for logs and CLI output.
func (p Position) String() string {
	return fmt.Sprintf("%.6f,%.6f (±%.0fm)", p.Latitude, p.Longitude, p.AccuracyM)
}
