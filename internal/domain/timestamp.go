package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimestamp marks a row whose acquisition date/time cannot be parsed.
var ErrInvalidTimestamp = errors.New("invalid acquisition timestamp")

const acqLayout = "2006-01-02 15:04"

// NormalizeAcquisition combines a FIRMS acq_date ("2024-06-01") and acq_time
// ("813", "1513") into a UTC instant with minute precision. The time is
// left-padded to four digits, then split into hour (first two) and minute (last
// two). Any malformed input yields an error wrapping ErrInvalidTimestamp.
func NormalizeAcquisition(date, hhmm string) (time.Time, error) {
	date = strings.TrimSpace(date)
	hhmm = strings.TrimSpace(hhmm)

	if hhmm == "" || len(hhmm) > 4 || !isDigits(hhmm) {
		return time.Time{}, fmt.Errorf("%w: acq_time %q", ErrInvalidTimestamp, hhmm)
	}
	hhmm = strings.Repeat("0", 4-len(hhmm)) + hhmm

	t, err := time.ParseInLocation(acqLayout, date+" "+hhmm[:2]+":"+hhmm[2:], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q: %v", ErrInvalidTimestamp, date, hhmm, err)
	}
	return t, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
