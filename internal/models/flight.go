package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Confidence is the trust level assigned to a data source. Higher values win
// conflicts during reconciliation.
type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseConfidence maps a config string to a Confidence level. Unknown values
// fall back to low so a misconfigured source can never outrank a known one.
func ParseConfidence(s string) Confidence {
	switch s {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// FlightStatus is the operational status of a flight as reported by a source.
type FlightStatus string

const (
	StatusScheduled FlightStatus = "scheduled"
	StatusBoarding  FlightStatus = "boarding"
	StatusInAir     FlightStatus = "in_air"
	StatusLanded    FlightStatus = "landed"
	StatusCancelled FlightStatus = "cancelled"
	StatusDiverted  FlightStatus = "diverted"
	StatusUnknown   FlightStatus = "unknown"
)

// Terminal reports whether the flight has reached a final operational state.
// Only terminal flights are in scope for claim eligibility.
func (s FlightStatus) Terminal() bool {
	return s == StatusLanded || s == StatusCancelled
}

// FlightKey identifies one physical flight instance.
type FlightKey struct {
	FlightNumber     string `json:"flight_number" db:"flight_number"`
	DepartureDate    string `json:"departure_date" db:"departure_date"` // YYYY-MM-DD, UTC
	DepartureAirport string `json:"departure_airport" db:"departure_airport"`
}

func (k FlightKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.FlightNumber, k.DepartureDate, k.DepartureAirport)
}

// FlightObservation is one normalized report about a flight from one source.
// Immutable once created.
type FlightObservation struct {
	SourceID           string       `json:"source_id"`
	Sequence           int64        `json:"sequence"`
	FlightNumber       string       `json:"flight_number"`
	AirlineCode        string       `json:"airline_code"`
	DepartureAirport   string       `json:"departure_airport"`
	ArrivalAirport     string       `json:"arrival_airport"`
	ScheduledDeparture time.Time    `json:"scheduled_departure"`
	ScheduledArrival   time.Time    `json:"scheduled_arrival"`
	ObservedDeparture  *time.Time   `json:"observed_departure,omitempty"`
	ObservedArrival    *time.Time   `json:"observed_arrival,omitempty"`
	Status             FlightStatus `json:"status"`
	DelayReason        string       `json:"delay_reason,omitempty"`
	ObservedAt         time.Time    `json:"observed_at"`
	Confidence         Confidence   `json:"confidence"`
}

// Key derives the flight key for this observation.
func (o FlightObservation) Key() FlightKey {
	return FlightKey{
		FlightNumber:     o.FlightNumber,
		DepartureDate:    o.ScheduledDeparture.UTC().Format("2006-01-02"),
		DepartureAirport: o.DepartureAirport,
	}
}

// Fingerprint is a deterministic hash over the observation's immutable
// fields. Together with the source ID it identifies a delivery for
// deduplication, so redeliveries of the same observation hash identically.
func (o FlightObservation) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%d|%d|",
		o.SourceID, o.Sequence, o.FlightNumber, o.AirlineCode,
		o.DepartureAirport, o.ArrivalAirport,
		o.ScheduledDeparture.UTC().Unix(), o.ScheduledArrival.UTC().Unix(),
	)
	if o.ObservedDeparture != nil {
		fmt.Fprintf(h, "%d", o.ObservedDeparture.UTC().Unix())
	}
	h.Write([]byte{'|'})
	if o.ObservedArrival != nil {
		fmt.Fprintf(h, "%d", o.ObservedArrival.UTC().Unix())
	}
	fmt.Fprintf(h, "|%s|%d", o.Status, o.ObservedAt.UTC().Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// Provenance records which source contributed a field value and when.
type Provenance struct {
	SourceID   string     `json:"source_id"`
	Confidence Confidence `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Field is one reconciled value plus the provenance that won it.
type Field[T any] struct {
	Value T          `json:"value"`
	Prov  Provenance `json:"prov"`
	Set   bool       `json:"set"`
}

// FlightState is the authoritative, reconciled record for one flight key.
// Mutated only by the reconciler, which returns a fresh copy on every merge.
type FlightState struct {
	Key                FlightKey           `json:"key"`
	AirlineCode        Field[string]       `json:"airline_code"`
	ArrivalAirport     Field[string]       `json:"arrival_airport"`
	ScheduledDeparture Field[time.Time]    `json:"scheduled_departure"`
	ScheduledArrival   Field[time.Time]    `json:"scheduled_arrival"`
	ObservedDeparture  Field[time.Time]    `json:"observed_departure"`
	ObservedArrival    Field[time.Time]    `json:"observed_arrival"`
	Status             Field[FlightStatus] `json:"status"`
	DelayReason        Field[string]       `json:"delay_reason"`
	LastReconciledAt   time.Time           `json:"last_reconciled_at"`

	// Version is the optimistic-concurrency token assigned by the
	// persistence gateway. Zero means never persisted.
	Version int64 `json:"-"`
}

// Clone returns a deep-enough copy; all field payloads are value types.
func (s *FlightState) Clone() *FlightState {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// DataQuality marks what a delay figure is based on.
type DataQuality string

const (
	QualityActual    DataQuality = "ACTUAL"
	QualityEstimated DataQuality = "ESTIMATED"
	QualityPartial   DataQuality = "PARTIAL"
)

// DelayRecord is one append-only delay computation for a flight key.
// Corrections produce a new record, never an edit.
type DelayRecord struct {
	ID                string      `json:"id" db:"id"`
	Key               FlightKey   `json:"key"`
	DepartureDelayMin *int        `json:"departure_delay_minutes,omitempty" db:"departure_delay_minutes"`
	ArrivalDelayMin   *int        `json:"arrival_delay_minutes,omitempty" db:"arrival_delay_minutes"`
	Quality           DataQuality `json:"data_quality" db:"data_quality"`
	ComputedAt        time.Time   `json:"computed_at" db:"computed_at"`
}

// SameValues reports whether two records carry identical delay figures and
// quality, ignoring identity and timestamps.
func (r *DelayRecord) SameValues(other *DelayRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return intPtrEq(r.DepartureDelayMin, other.DepartureDelayMin) &&
		intPtrEq(r.ArrivalDelayMin, other.ArrivalDelayMin) &&
		r.Quality == other.Quality
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ClaimStatus is the claim-eligibility state for one flight key.
type ClaimStatus string

const (
	ClaimNotEvaluated ClaimStatus = "NOT_EVALUATED"
	ClaimNotEligible  ClaimStatus = "NOT_ELIGIBLE"
	ClaimEligibleYes  ClaimStatus = "ELIGIBLE"
	ClaimRevoked      ClaimStatus = "REVOKED"
)

// ClaimEligibility tracks a flight's claim status across reconciliations.
type ClaimEligibility struct {
	Key              FlightKey   `json:"key"`
	Status           ClaimStatus `json:"status"`
	Reason           string      `json:"reason"`
	FirstEligibleAt  *time.Time  `json:"first_eligible_at,omitempty"`
	LastTransitionAt time.Time   `json:"last_transition_at"`
}

// EligibilityEvent is emitted exactly once per claim-status transition.
type EligibilityEvent struct {
	ID     string      `json:"id"`
	Key    FlightKey   `json:"flight_key"`
	From   ClaimStatus `json:"from_state"`
	To     ClaimStatus `json:"to_state"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// DelaySummary is a query-layer projection of one delayed flight, used by
// the API and the daily report.
type DelaySummary struct {
	Key             FlightKey   `json:"key"`
	AirlineCode     string      `json:"airline_code" db:"airline_code"`
	ArrivalDelayMin int         `json:"arrival_delay_minutes" db:"arrival_delay_minutes"`
	Quality         DataQuality `json:"data_quality" db:"data_quality"`
	DelayReason     string      `json:"delay_reason,omitempty" db:"delay_reason"`
}

// DailyReport aggregates one day of delay activity.
type DailyReport struct {
	Date                string              `json:"date"`
	TotalFlights        int                 `json:"total_flights"`
	DelayedFlights      int                 `json:"delayed_flights"`
	DelayPercentage     float64             `json:"delay_percentage"`
	AverageDelayMinutes float64             `json:"average_delay_minutes"`
	Airlines            []AirlineDelayStats `json:"airlines"`
}

// AirlineDelayStats is the per-airline breakdown inside a daily report.
type AirlineDelayStats struct {
	AirlineCode    string  `json:"airline_code"`
	DelayedFlights int     `json:"delayed_flights"`
	AverageDelay   float64 `json:"average_delay"`
}
