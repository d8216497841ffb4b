package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-playground/validator/v10"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// fireQuery holds the /api/detect/fire query parameters.
type fireQuery struct {
	ConfidenceLevel string `validate:"omitempty,oneof=L M H"`
	Satellite       string `validate:"omitempty,max=16"`
	DayNight        string `validate:"omitempty,oneof=D N"`
	Limit           int    `validate:"gte=0,lte=10000"`
	Since           time.Time
	Until           time.Time
}

var queryNames = map[string]string{
	"ConfidenceLevel": "confidence_lvl",
	"Satellite":       "satellite",
	"DayNight":        "daynight",
	"Limit":           "limit",
}

func (s *Server) handleFires(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseFireQuery(r)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	detections, err := s.store.GetFireRecords(r.Context(), domain.FireFilter{
		ConfidenceLevel: q.ConfidenceLevel,
		Satellite:       q.Satellite,
		DayNight:        q.DayNight,
		Since:           q.Since,
		Until:           q.Until,
		Limit:           q.Limit,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, detections)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	var fireID *int64
	if v := r.URL.Query().Get("fire"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("fire must be an integer id, got %q", v),
			})
			return
		}
		fireID = &id
	}

	observations, err := s.store.RetrieveWeatherData(r.Context(), fireID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, observations)
}

func (s *Server) parseFireQuery(r *http.Request) (fireQuery, error) {
	v := r.URL.Query()
	q := fireQuery{
		ConfidenceLevel: v.Get("confidence_lvl"),
		Satellite:       v.Get("satellite"),
		DayNight:        v.Get("daynight"),
	}

	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fireQuery{}, fmt.Errorf("limit must be an integer, got %q", raw)
		}
		q.Limit = n
	}

	var err error
	if q.Since, err = parseInstant("since", v.Get("since")); err != nil {
		return fireQuery{}, err
	}
	if q.Until, err = parseInstant("until", v.Get("until")); err != nil {
		return fireQuery{}, err
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return fireQuery{}, errors.New("until is before since")
	}

	if err := s.validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			return fireQuery{}, fmt.Errorf("invalid %s: %v", queryNames[fe.StructField()], fe.Value())
		}
		return fireQuery{}, err
	}
	return q, nil
}

// parseInstant accepts RFC 3339 instants or bare YYYY-MM-DD dates (UTC midnight).
func parseInstant(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD, got %q", name, raw)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("read api query failed", "path", r.URL.Path, "error", err)
	sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
