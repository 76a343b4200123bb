// Package reconciler merges observations for the same logical flight into a
// single authoritative FlightState. Reconcile is a pure function of its
// inputs so replays are safe and the merge is testable in isolation.
package reconciler

import (
	"fmt"
	"time"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/models"
)

// Result is the outcome of one merge. Accepted lists the state fields whose
// value the observation won; an empty list is a no-op reconciliation and the
// caller can skip the persistence round-trip.
type Result struct {
	State    *models.FlightState
	Accepted []string
}

// Reconcile merges obs into current and returns a fresh state. current may
// be nil for the first observation of a flight key. Neither input is
// mutated.
//
// Per-field rule: the observation's value is accepted when (a) no current
// value exists, (b) its confidence is at least the field's and it is at
// least as recent, or (c) its confidence is strictly higher regardless of
// recency. Ties on both confidence and timestamp fall to the configured
// source priority rank.
//
// An observation carrying an actual arrival earlier than its actual
// departure is rejected whole with ErrInconsistentTimestamps; prior values
// are retained.
func Reconcile(rules *config.Rules, current *models.FlightState, obs models.FlightObservation) (Result, error) {
	if obs.ObservedDeparture != nil && obs.ObservedArrival != nil &&
		obs.ObservedArrival.Before(*obs.ObservedDeparture) {
		return Result{State: current}, fmt.Errorf("%w: arrival %s before departure %s",
			models.ErrInconsistentTimestamps,
			obs.ObservedArrival.Format(time.RFC3339),
			obs.ObservedDeparture.Format(time.RFC3339))
	}

	var next models.FlightState
	if current != nil {
		next = *current
	} else {
		next.Key = obs.Key()
	}

	prov := models.Provenance{
		SourceID:   obs.SourceID,
		Confidence: obs.Confidence,
		ObservedAt: obs.ObservedAt,
	}

	var accepted []string
	take := func(name string) {
		accepted = append(accepted, name)
	}

	if obs.AirlineCode != "" && wins(rules, next.AirlineCode.Set, next.AirlineCode.Prov, prov) {
		next.AirlineCode = models.Field[string]{Value: obs.AirlineCode, Prov: prov, Set: true}
		take("airline_code")
	}
	if obs.ArrivalAirport != "" && wins(rules, next.ArrivalAirport.Set, next.ArrivalAirport.Prov, prov) {
		next.ArrivalAirport = models.Field[string]{Value: obs.ArrivalAirport, Prov: prov, Set: true}
		take("arrival_airport")
	}
	if !obs.ScheduledDeparture.IsZero() && wins(rules, next.ScheduledDeparture.Set, next.ScheduledDeparture.Prov, prov) {
		next.ScheduledDeparture = models.Field[time.Time]{Value: obs.ScheduledDeparture, Prov: prov, Set: true}
		take("scheduled_departure")
	}
	if !obs.ScheduledArrival.IsZero() && wins(rules, next.ScheduledArrival.Set, next.ScheduledArrival.Prov, prov) {
		next.ScheduledArrival = models.Field[time.Time]{Value: obs.ScheduledArrival, Prov: prov, Set: true}
		take("scheduled_arrival")
	}
	if obs.ObservedDeparture != nil && wins(rules, next.ObservedDeparture.Set, next.ObservedDeparture.Prov, prov) {
		next.ObservedDeparture = models.Field[time.Time]{Value: *obs.ObservedDeparture, Prov: prov, Set: true}
		take("observed_departure")
	}
	if obs.ObservedArrival != nil && wins(rules, next.ObservedArrival.Set, next.ObservedArrival.Prov, prov) {
		next.ObservedArrival = models.Field[time.Time]{Value: *obs.ObservedArrival, Prov: prov, Set: true}
		take("observed_arrival")
	}
	if obs.Status != "" && obs.Status != models.StatusUnknown && wins(rules, next.Status.Set, next.Status.Prov, prov) {
		next.Status = models.Field[models.FlightStatus]{Value: obs.Status, Prov: prov, Set: true}
		take("status")
	}
	if obs.DelayReason != "" && wins(rules, next.DelayReason.Set, next.DelayReason.Prov, prov) {
		next.DelayReason = models.Field[string]{Value: obs.DelayReason, Prov: prov, Set: true}
		take("delay_reason")
	}

	if len(accepted) > 0 {
		next.LastReconciledAt = obs.ObservedAt
	}

	return Result{State: &next, Accepted: accepted}, nil
}

// wins decides whether an incoming provenance beats the current field owner.
// A field never regresses to a lower-confidence value; a strictly more
// authoritative source overrides even a stale one.
func wins(rules *config.Rules, currentSet bool, current, incoming models.Provenance) bool {
	if !currentSet {
		return true
	}
	switch {
	case incoming.Confidence > current.Confidence:
		return true
	case incoming.Confidence < current.Confidence:
		return false
	}
	// Equal confidence: recency decides, then the fixed priority order.
	switch {
	case incoming.ObservedAt.After(current.ObservedAt):
		return true
	case incoming.ObservedAt.Before(current.ObservedAt):
		return false
	}
	return rules.Rank(incoming.SourceID) < rules.Rank(current.SourceID)
}
