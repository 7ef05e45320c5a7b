package position

// CurrentPresetID identifies the catalog entry that mirrors the most recent
// live reading instead of naming a fixed coordinate.
const CurrentPresetID = "current"

// Preset is one entry in the static location catalog offered to the
// operator while simulating.
type Preset struct {
	ID              string  `json:"id"`
	Label           string  `json:"label"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	IsCurrentMarker bool    `json:"is_current_marker"`
}

// catalog is read-only at runtime.
var catalog = []Preset{
	{ID: CurrentPresetID, Label: "Current location", IsCurrentMarker: true},
	{ID: "tokyo", Label: "Tokyo", Latitude: 35.676422, Longitude: 139.650109},
	{ID: "london", Label: "London", Latitude: 51.507351, Longitude: -0.127758},
	{ID: "newyork", Label: "New York", Latitude: 40.712776, Longitude: -74.005974},
	{ID: "sydney", Label: "Sydney", Latitude: -33.868820, Longitude: 151.209290},
}

// Presets returns a copy of the preset catalog.
func Presets() []Preset {
	out := make([]Preset, len(catalog))
	copy(out, catalog)
	return out
}

// PresetByID looks up a preset by its identifier.
func PresetByID(id string) (Preset, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
