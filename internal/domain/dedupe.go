package domain

type dedupeKey struct {
	lat, lon float64
	at       int64
}

// Dedupe collapses detections sharing (latitude, longitude, acquisition
// instant). The first occurrence wins and order is preserved. The second
// result is the number of discarded duplicates.
func Dedupe(detections []Detection) ([]Detection, int) {
	seen := make(map[dedupeKey]struct{}, len(detections))
	out := make([]Detection, 0, len(detections))

	for _, d := range detections {
		k := dedupeKey{lat: d.Latitude, lon: d.Longitude, at: d.AcquiredAt.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}

	return out, len(detections) - len(out)
}
