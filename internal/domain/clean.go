package domain

import (
	"strconv"
	"strings"
)

// CleanOptions controls how the cleaner treats rows it can partially interpret.
type CleanOptions struct {
	// DropUnknownConfidence removes rows whose confidence label is not one of
	// L, M, H. When false those rows are kept with a nil Confidence.
	DropUnknownConfidence bool
}

// CleanResult is the output of Clean: the detections plus per-reason counts of
// what did not make it through unchanged.
type CleanResult struct {
	Detections []Detection

	// InvalidTimestamp counts rows dropped because NormalizeAcquisition failed.
	InvalidTimestamp int

	// UnknownConfidence counts rows with an unmapped label, whether they were
	// kept or dropped.
	UnknownConfidence int
}

// Clean converts raw feed rows into detections. Rows whose timestamp cannot be
// normalized are dropped and counted; the input slice is not modified.
func Clean(rows []RawDetectionRow, opts CleanOptions) CleanResult {
	res := CleanResult{Detections: make([]Detection, 0, len(rows))}

	for _, row := range rows {
		at, err := NormalizeAcquisition(row.AcqDate, row.AcqTime)
		if err != nil {
			res.InvalidTimestamp++
			continue
		}

		label := strings.TrimSpace(row.Confidence)
		var confidence *float64
		if score, ok := ConfidenceScore(label); ok {
			confidence = &score
		} else {
			res.UnknownConfidence++
			if opts.DropUnknownConfidence {
				continue
			}
		}

		res.Detections = append(res.Detections, Detection{
			Latitude:        row.Latitude,
			Longitude:       row.Longitude,
			Confidence:      confidence,
			ConfidenceLevel: label,
			Satellite:       strings.TrimSpace(row.Satellite),
			AcquiredAt:      at,
			DayNight:        strings.TrimSpace(row.DayNight),
			GeomWKT:         PointWKT(row.Latitude, row.Longitude),
		})
	}

	return res
}

// PointWKT renders a WGS84 coordinate as a WKT point, longitude first. Whole
// numbers keep one decimal place: PointWKT(40, -100) == "POINT(-100.0 40.0)".
func PointWKT(lat, lon float64) string {
	return "POINT(" + formatCoord(lon) + " " + formatCoord(lat) + ")"
}

func formatCoord(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}
