package domain

import "time"

// DefaultHalfWindow is how far either side of a detection weather is fetched.
const DefaultHalfWindow = 3 * time.Hour

// Window is a closed time interval, both ends truncated to the hour in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// WeatherWindow computes the correlation window around a detection instant:
// start is (at - half) and end is (at + half), each truncated (not rounded) to
// the hour. For at = 14:45 and half = 3h the window is [11:00, 17:00].
func WeatherWindow(at time.Time, half time.Duration) Window {
	return Window{
		Start: at.Add(-half).UTC().Truncate(time.Hour),
		End:   at.Add(half).UTC().Truncate(time.Hour),
	}
}
