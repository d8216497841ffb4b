package firms

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// ErrMissingColumn is returned when the CSV header lacks a required column.
var ErrMissingColumn = errors.New("firms feed missing column")

// Required feed columns. Other columns (bright_ti4, frp, ...) are ignored.
const (
	colLatitude   = "latitude"
	colLongitude  = "longitude"
	colConfidence = "confidence"
	colSatellite  = "satellite"
	colAcqDate    = "acq_date"
	colAcqTime    = "acq_time"
	colDayNight   = "daynight"
)

var requiredColumns = []string{colLatitude, colLongitude, colConfidence, colSatellite, colAcqDate, colAcqTime, colDayNight}

// Decode reads a FIRMS CSV document. Columns are located by header name, so
// column order and extra columns do not matter.
func Decode(r io.Reader) (domain.Feed, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return domain.Feed{}, fmt.Errorf("read firms header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return domain.Feed{}, err
	}

	var feed domain.Feed
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			feed.Skipped++
			continue
		}
		if err != nil {
			return domain.Feed{}, fmt.Errorf("read firms row: %w", err)
		}

		line, _ := cr.FieldPos(0)
		row, ok := decodeRow(record, idx, line)
		if !ok {
			feed.Skipped++
			continue
		}
		feed.Rows = append(feed.Rows, row)
	}

	return feed, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return idx, nil
}

func decodeRow(record []string, idx map[string]int, line int) (domain.RawDetectionRow, bool) {
	field := func(col string) (string, bool) {
		i := idx[col]
		if i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}

	values := make(map[string]string, len(requiredColumns))
	for _, col := range requiredColumns {
		v, ok := field(col)
		if !ok {
			return domain.RawDetectionRow{}, false
		}
		values[col] = v
	}

	lat, err := strconv.ParseFloat(values[colLatitude], 64)
	if err != nil {
		return domain.RawDetectionRow{}, false
	}
	lon, err := strconv.ParseFloat(values[colLongitude], 64)
	if err != nil {
		return domain.RawDetectionRow{}, false
	}

	return domain.RawDetectionRow{
		Latitude:   lat,
		Longitude:  lon,
		Confidence: values[colConfidence],
		Satellite:  values[colSatellite],
		AcqDate:    values[colAcqDate],
		AcqTime:    values[colAcqTime],
		DayNight:   values[colDayNight],
		Line:       line,
	}, true
}
