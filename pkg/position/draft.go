package position

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrEmptyCoordinate marks a draft field with no text entered yet.
var ErrEmptyCoordinate = errors.New("coordinate is empty")

// Axis identifies one of the two editable coordinate fields.
type Axis int

const (
	AxisLatitude Axis = iota
	AxisLongitude
)

// String returns the axis name.
func (a Axis) String() string {
	if a == AxisLatitude {
		return "latitude"
	}
	return "longitude"
}

// Draft holds free-form coordinate text as entered by the operator. The text
// is parsed lazily; a Draft itself is never invalid, only its parse result.
type Draft struct {
	LatText string `json:"lat_text"`
	LngText string `json:"lng_text"`
}

// Set returns a copy of the draft with the given axis replaced.
func (d Draft) Set(axis Axis, text string) Draft {
	if axis == AxisLatitude {
		d.LatText = text
	} else {
		d.LngText = text
	}
	return d
}

// DraftResult is the outcome of parsing a Draft. Each field carries its own
// error so invalid entries can be flagged individually; values are reported
// as typed but are never clamped into range.
type DraftResult struct {
	Latitude  float64
	Longitude float64
	LatErr    error
	LngErr    error
}

// Ready reports whether both fields parsed as in-range finite numbers.
func (r DraftResult) Ready() bool {
	return r.LatErr == nil && r.LngErr == nil
}

// Parse parses both draft fields independently.
func (d Draft) Parse() DraftResult {
	var r DraftResult
	r.Latitude, r.LatErr = parseCoordinate(d.LatText, ValidateLatitude)
	r.Longitude, r.LngErr = parseCoordinate(d.LngText, ValidateLongitude)
	return r
}

func parseCoordinate(text string, validate func(float64) error) (float64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, ErrEmptyCoordinate
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, ErrNotFinite
	}
	// strconv accepts "NaN" and "Inf" spellings.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	if err := validate(v); err != nil {
		return 0, err
	}
	return v, nil
}

// FormatCoordinate renders a coordinate the way draft fields are seeded,
// six decimal places.
func FormatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
