package domain

import (
	"sort"
	"time"
)

// Parameter is a NASA POWER parameter code.
type Parameter string

const (
	ParamTemperature   Parameter = "T2M"         // temperature at 2 m
	ParamWindSpeed     Parameter = "WS2M"        // wind speed at 2 m
	ParamHumidity      Parameter = "RH2M"        // relative humidity at 2 m
	ParamPrecipitation Parameter = "PRECTOTCORR" // corrected precipitation total
)

// DefaultParameters is the parameter set requested for every detection.
var DefaultParameters = []Parameter{ParamTemperature, ParamWindSpeed, ParamHumidity, ParamPrecipitation}

// SourceNASAPower tags every observation produced by the reshaper.
const SourceNASAPower = "NASA_POWER"

// Unit returns the unit hint stored with observations of p, or "" for codes
// outside the known set.
func (p Parameter) Unit() string {
	switch p {
	case ParamTemperature:
		return "degC"
	case ParamWindSpeed:
		return "m/s"
	case ParamHumidity:
		return "%"
	case ParamPrecipitation:
		return "mm"
	default:
		return ""
	}
}

// WeatherObservation is one (instant, parameter) sample tied to a detection.
type WeatherObservation struct {
	ID         int64     `json:"id,omitempty"`
	FireID     int64     `json:"fire_id"`
	ObservedAt time.Time `json:"obs_time"`
	Parameter  Parameter `json:"parameter"`
	Value      float64   `json:"value"`
	Unit       string    `json:"units"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// PowerPayload is the subset of a NASA POWER point response the reshaper reads.
type PowerPayload struct {
	Header     PowerHeader     `json:"header"`
	Properties PowerProperties `json:"properties"`
}

// PowerHeader carries response metadata.
type PowerHeader struct {
	FillValue *float64 `json:"fill_value"`
}

// PowerProperties maps parameter code -> timestamp key -> value. A null value
// decodes to a nil pointer.
type PowerProperties struct {
	Parameter map[string]map[string]*float64 `json:"parameter"`
}

// KeyKind tags how a POWER timestamp key was interpreted.
type KeyKind int

const (
	KeyUnrecognized KeyKind = iota
	KeyHourly
	KeyDaily
)

func (k KeyKind) String() string {
	switch k {
	case KeyHourly:
		return "hourly"
	case KeyDaily:
		return "daily"
	default:
		return "unrecognized"
	}
}

// ObservationKey is a parsed POWER timestamp key.
type ObservationKey struct {
	Raw  string
	Time time.Time
	Kind KeyKind
}

const (
	hourlyKeyLayout = "2006010215"
	dailyKeyLayout  = "20060102"
)

// ParseObservationKey interprets a POWER timestamp key as hourly (YYYYMMDDHH)
// or daily (YYYYMMDD), in UTC. Anything else is KeyUnrecognized.
func ParseObservationKey(key string) ObservationKey {
	k := ObservationKey{Raw: key}
	if !isDigits(key) {
		return k
	}
	switch len(key) {
	case len(hourlyKeyLayout):
		if t, err := time.ParseInLocation(hourlyKeyLayout, key, time.UTC); err == nil {
			k.Time, k.Kind = t, KeyHourly
		}
	case len(dailyKeyLayout):
		if t, err := time.ParseInLocation(dailyKeyLayout, key, time.UTC); err == nil {
			k.Time, k.Kind = t, KeyDaily
		}
	}
	return k
}

// ReshapeResult holds the narrow observation rows and the timestamp keys that
// could not be interpreted.
type ReshapeResult struct {
	Observations []WeatherObservation
	SkippedKeys  []string
}

// Reshape flattens a wide POWER payload into observation rows for fireID.
//
// Timestamps are the union of keys across the requested parameters; a
// parameter missing from the payload contributes nothing. Null values and
// values equal to the header fill value are omitted. Output is ordered by
// instant, then by the order of params.
func Reshape(fireID int64, payload PowerPayload, params []Parameter) ReshapeResult {
	var res ReshapeResult

	table := payload.Properties.Parameter
	keySet := make(map[string]struct{})
	for _, p := range params {
		for key := range table[string(p)] {
			keySet[key] = struct{}{}
		}
	}

	keys := make([]ObservationKey, 0, len(keySet))
	for raw := range keySet {
		k := ParseObservationKey(raw)
		if k.Kind == KeyUnrecognized {
			res.SkippedKeys = append(res.SkippedKeys, raw)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(res.SkippedKeys)
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Time.Equal(keys[j].Time) {
			return keys[i].Time.Before(keys[j].Time)
		}
		return keys[i].Raw < keys[j].Raw
	})

	for _, k := range keys {
		for _, p := range params {
			v := table[string(p)][k.Raw]
			if v == nil || isFill(*v, payload.Header.FillValue) {
				continue
			}
			res.Observations = append(res.Observations, WeatherObservation{
				FireID:     fireID,
				ObservedAt: k.Time,
				Parameter:  p,
				Value:      *v,
				Unit:       p.Unit(),
				Source:     SourceNASAPower,
			})
		}
	}

	return res
}

func isFill(v float64, fill *float64) bool {
	return fill != nil && v == *fill
}
