package position

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPosition(t *testing.T) {
	tests := []struct {
		name        string
		lat         float64
		lng         float64
		accuracy    float64
		wantErr     error
		wantAccuracy float64
	}{
		{
			name:         "valid reading",
			lat:          59.3293,
			lng:          18.0686,
			accuracy:     12.0,
			wantAccuracy: 12.0,
		},
		{
			name:         "accuracy below floor is clamped",
			lat:          0,
			lng:          0,
			accuracy:     0.5,
			wantAccuracy: MinAccuracyM,
		},
		{
			name:         "negative accuracy is clamped",
			lat:          10,
			lng:          20,
			accuracy:     -3,
			wantAccuracy: MinAccuracyM,
		},
		{
			name:         "boundary coordinates accepted",
			lat:          -90,
			lng:          180,
			accuracy:     100,
			wantAccuracy: 100,
		},
		{
			name:    "latitude above range",
			lat:     90.0001,
			lng:     0,
			wantErr: ErrLatitudeRange,
		},
		{
			name:    "longitude below range",
			lat:     0,
			lng:     -180.5,
			wantErr: ErrLongitudeRange,
		},
		{
			name:    "NaN latitude",
			lat:     math.NaN(),
			lng:     0,
			wantErr: ErrNotFinite,
		},
		{
			name:    "infinite accuracy",
			lat:     0,
			lng:     0,
			accuracy: math.Inf(1),
			wantErr: ErrNotFinite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.lat, tt.lng, tt.accuracy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.lat, p.Latitude)
			assert.Equal(t, tt.lng, p.Longitude)
			assert.Equal(t, tt.wantAccuracy, p.AccuracyM)
		})
	}
}

func TestDistance(t *testing.T) {
	stockholm := Position{Latitude: 59.3293, Longitude: 18.0686}
	gothenburg := Position{Latitude: 57.7089, Longitude: 11.9746}

	d := Distance(stockholm, gothenburg)

	// Straight-line distance between the two cities is just under 400 km.
	assert.InDelta(t, 398000, d, 5000)
	assert.Zero(t, Distance(stockholm, stockholm))
}

func TestDraftParse(t *testing.T) {
	tests := []struct {
		name     string
		latText  string
		lngText  string
		wantReady bool
		wantLatErr error
		wantLngErr error
	}{
		{
			name:      "both valid",
			latText:   "35.676422",
			lngText:   "139.650109",
			wantReady: true,
		},
		{
			name:      "whitespace tolerated",
			latText:   " 10.5 ",
			lngText:   "\t-20.25",
			wantReady: true,
		},
		{
			name:       "empty fields",
			latText:    "",
			lngText:    "",
			wantLatErr: ErrEmptyCoordinate,
			wantLngErr: ErrEmptyCoordinate,
		},
		{
			name:       "garbage latitude",
			latText:    "north",
			lngText:    "139.65",
			wantLatErr: ErrNotFinite,
		},
		{
			name:       "NaN spelled out",
			latText:    "NaN",
			lngText:    "0",
			wantLatErr: ErrNotFinite,
		},
		{
			name:       "latitude out of range not clamped",
			latText:    "91",
			lngText:    "0",
			wantLatErr: ErrLatitudeRange,
		},
		{
			name:       "longitude out of range",
			latText:    "0",
			lngText:    "181",
			wantLngErr: ErrLongitudeRange,
		},
		{
			name:       "scientific notation past range",
			latText:    "1e3",
			lngText:    "0",
			wantLatErr: ErrLatitudeRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Draft{LatText: tt.latText, LngText: tt.lngText}.Parse()
			assert.Equal(t, tt.wantReady, r.Ready())
			if tt.wantLatErr != nil {
				assert.ErrorIs(t, r.LatErr, tt.wantLatErr)
			}
			if tt.wantLngErr != nil {
				assert.ErrorIs(t, r.LngErr, tt.wantLngErr)
			}
		})
	}
}

func TestDraftSet(t *testing.T) {
	d := Draft{}
	d = d.Set(AxisLatitude, "51.5")
	d = d.Set(AxisLongitude, "-0.12")

	assert.Equal(t, "51.5", d.LatText)
	assert.Equal(t, "-0.12", d.LngText)

	// Set returns a copy; the original is untouched.
	d2 := d.Set(AxisLatitude, "0")
	assert.Equal(t, "51.5", d.LatText)
	assert.Equal(t, "0", d2.LatText)
}

func TestPresetCatalog(t *testing.T) {
	presets := Presets()
	require.NotEmpty(t, presets)

	// Exactly one entry mirrors the live reading.
	currentCount := 0
	for _, p := range presets {
		if p.IsCurrentMarker {
			currentCount++
			assert.Equal(t, CurrentPresetID, p.ID)
		}
	}
	assert.Equal(t, 1, currentCount)

	tokyo, ok := PresetByID("tokyo")
	require.True(t, ok)
	assert.Equal(t, "Tokyo", tokyo.Label)
	assert.Equal(t, 35.676422, tokyo.Latitude)
	assert.Equal(t, 139.650109, tokyo.Longitude)
	assert.False(t, tokyo.IsCurrentMarker)

	_, ok = PresetByID("atlantis")
	assert.False(t, ok)

	// Mutating the returned slice must not affect the catalog.
	presets[0].Label = "changed"
	again := Presets()
	assert.NotEqual(t, "changed", again[0].Label)
}

func TestFormatCoordinate(t *testing.T) {
	assert.Equal(t, "35.676422", FormatCoordinate(35.676422))
	assert.Equal(t, "-0.127758", FormatCoordinate(-0.127758))
	assert.Equal(t, "0.000000", FormatCoordinate(0))
}
