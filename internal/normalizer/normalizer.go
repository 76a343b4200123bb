// Package normalizer converts heterogeneous source payloads into canonical
// flight observations. Payloads follow the aviationstack-style shape most
// connectors emit; anything missing its mandatory fields is rejected as
// malformed and dropped by the caller.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/models"
)

// SourceMeta is the connector-supplied envelope around a raw payload.
type SourceMeta struct {
	SourceID   string
	Sequence   int64
	ObservedAt time.Time
}

// RawFlightPayload is the wire shape produced by the source connectors.
type RawFlightPayload struct {
	Flight struct {
		Number string `json:"number"`
		IATA   string `json:"iata"`
		ICAO   string `json:"icao"`
	} `json:"flight"`
	Airline struct {
		Name string `json:"name"`
		IATA string `json:"iata"`
		ICAO string `json:"icao"`
	} `json:"airline"`
	Departure struct {
		Airport   string  `json:"airport"`
		IATA      string  `json:"iata"`
		Scheduled string  `json:"scheduled"`
		Actual    *string `json:"actual"`
	} `json:"departure"`
	Arrival struct {
		Airport   string  `json:"airport"`
		IATA      string  `json:"iata"`
		Scheduled string  `json:"scheduled"`
		Actual    *string `json:"actual"`
	} `json:"arrival"`
	Status      string `json:"status"`
	DelayReason string `json:"delay_reason"`
}

// Normalize parses a raw payload into a FlightObservation. Returns
// models.ErrMalformedInput when the flight number, the scheduled departure,
// or both airports are absent. All timestamps are normalized to UTC.
//
// Observations whose observed_at precedes the scheduled departure by more
// than the configured implausibility window are kept but downgraded to low
// confidence: a report filed days before the flight is a guess, whatever the
// source's usual trust level.
func Normalize(raw []byte, meta SourceMeta, rules *config.Rules) (*models.FlightObservation, error) {
	var payload RawFlightPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedInput, err)
	}
	return FromPayload(payload, meta, rules)
}

// FromPayload normalizes an already-decoded payload.
func FromPayload(payload RawFlightPayload, meta SourceMeta, rules *config.Rules) (*models.FlightObservation, error) {
	flightNumber := strings.ToUpper(strings.TrimSpace(payload.Flight.Number))
	if flightNumber == "" {
		flightNumber = strings.ToUpper(strings.TrimSpace(payload.Flight.IATA))
	}
	if flightNumber == "" {
		return nil, fmt.Errorf("%w: missing flight number", models.ErrMalformedInput)
	}

	depAirport := normalizeCode(payload.Departure.IATA)
	arrAirport := normalizeCode(payload.Arrival.IATA)
	if depAirport == "" && arrAirport == "" {
		return nil, fmt.Errorf("%w: missing airports", models.ErrMalformedInput)
	}
	if depAirport == "" {
		return nil, fmt.Errorf("%w: missing departure airport", models.ErrMalformedInput)
	}

	schedDep, err := parseTimestamp(payload.Departure.Scheduled)
	if err != nil || schedDep == nil {
		return nil, fmt.Errorf("%w: missing or invalid scheduled departure", models.ErrMalformedInput)
	}
	schedArr, err := parseTimestamp(payload.Arrival.Scheduled)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid scheduled arrival", models.ErrMalformedInput)
	}

	obsDep, err := parseOptional(payload.Departure.Actual)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid actual departure", models.ErrMalformedInput)
	}
	obsArr, err := parseOptional(payload.Arrival.Actual)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid actual arrival", models.ErrMalformedInput)
	}

	observedAt := meta.ObservedAt.UTC()
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	confidence := rules.BaseConfidence(meta.SourceID)
	if schedDep.Sub(observedAt) > rules.ImplausibilityWindow {
		confidence = models.ConfidenceLow
	}

	obs := &models.FlightObservation{
		SourceID:           meta.SourceID,
		Sequence:           meta.Sequence,
		FlightNumber:       flightNumber,
		AirlineCode:        normalizeCode(payload.Airline.IATA),
		DepartureAirport:   depAirport,
		ArrivalAirport:     arrAirport,
		ScheduledDeparture: *schedDep,
		ObservedDeparture:  obsDep,
		ObservedArrival:    obsArr,
		Status:             normalizeStatus(payload.Status),
		DelayReason:        strings.TrimSpace(payload.DelayReason),
		ObservedAt:         observedAt,
		Confidence:         confidence,
	}
	if schedArr != nil {
		obs.ScheduledArrival = *schedArr
	}
	return obs, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeStatus(status string) models.FlightStatus {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(status), "-", "_")) {
	case "scheduled":
		return models.StatusScheduled
	case "boarding":
		return models.StatusBoarding
	case "in_air", "active", "en_route":
		return models.StatusInAir
	case "landed", "arrived":
		return models.StatusLanded
	case "cancelled", "canceled":
		return models.StatusCancelled
	case "diverted":
		return models.StatusDiverted
	default:
		return models.StatusUnknown
	}
}

// parseTimestamp accepts RFC3339 with or without an explicit zone; zoneless
// values are taken as UTC. Empty strings map to nil, not an error.
func parseTimestamp(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("unparseable timestamp %q", value)
}

func parseOptional(value *string) (*time.Time, error) {
	if value == nil {
		return nil, nil
	}
	return parseTimestamp(*value)
}
