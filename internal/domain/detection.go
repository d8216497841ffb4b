package domain

import "time"

// RawDetectionRow is one decoded row of the FIRMS CSV feed. Date and time are
// kept as strings; they are only combined by the cleaner.
type RawDetectionRow struct {
	Latitude   float64
	Longitude  float64
	Confidence string // "L", "M" or "H"
	Satellite  string
	AcqDate    string // YYYY-MM-DD
	AcqTime    string // HHMM without leading zeros, e.g. "813"
	DayNight   string // "D" or "N"

	// Line is the 1-based CSV line the row came from, for log context.
	Line int
}

// Feed is one decoded download of the detection feed.
type Feed struct {
	Rows []RawDetectionRow

	// Skipped counts rows the decoder could not read: malformed CSV lines,
	// short rows and non-numeric coordinates.
	Skipped int
}

// Detection is a cleaned fire detection ready for persistence.
type Detection struct {
	ID              int64     `json:"id,omitempty"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Confidence      *float64  `json:"confidence"`
	ConfidenceLevel string    `json:"confidence_lvl"`
	Satellite       string    `json:"satellite"`
	AcquiredAt      time.Time `json:"acq_datetime"`
	DayNight        string    `json:"daynight"`
	GeomWKT         string    `json:"geom_wkt"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// Key returns the natural identity of the detection.
func (d Detection) Key() DetectionKey {
	return DetectionKey{Latitude: d.Latitude, Longitude: d.Longitude, AcquiredAt: d.AcquiredAt}
}

// Window returns the weather correlation window for the detection.
func (d Detection) Window(half time.Duration) Window {
	return WeatherWindow(d.AcquiredAt, half)
}

// DetectionEvent is the sink message for one enriched detection.
type DetectionEvent struct {
	Detection
	ObservationCount int `json:"observation_count"`
}

// DetectionKey identifies a physical detection: the same point seen at the
// same minute. Equality is exact, without tolerance.
type DetectionKey struct {
	Latitude   float64
	Longitude  float64
	AcquiredAt time.Time
}

// FireFilter narrows a detection read. Zero values mean "no constraint".
type FireFilter struct {
	ConfidenceLevel string
	Satellite       string
	DayNight        string
	Since           time.Time
	Until           time.Time
	Region          *Region

	// Unenriched restricts the result to detections without any stored
	// weather observations.
	Unenriched bool
	Limit      int
}

var confidenceScores = map[string]float64{
	"L": 0.3,
	"M": 0.6,
	"H": 0.9,
}

// ConfidenceScore maps a categorical confidence label to its numeric score.
// Matching is exact; the second result is false for any other label.
func ConfidenceScore(label string) (float64, bool) {
	score, ok := confidenceScores[label]
	return score, ok
}
