// Package delay derives departure and arrival delay minutes from a
// reconciled flight state, tagging each figure with a data-quality flag.
package delay

import (
	"time"

	"github.com/google/uuid"

	"eu-flight/monitor/internal/models"
)

// Compute derives a DelayRecord from a reconciled state. Returns nil when no
// delay can be established yet, or when the figures match the prior record
// (no redundant appends on no-op reconciliations).
//
// Delays are whole minutes, rounded down, never negative. A missing observed
// time is substituted with the scheduled one only once the flight's status
// is terminal; on a non-terminal flight the missing leg stays unknown and,
// if both legs are unknown, the delay is unknown and nothing is emitted.
func Compute(state *models.FlightState, prior *models.DelayRecord, now time.Time) *models.DelayRecord {
	if state == nil {
		return nil
	}

	terminal := state.Status.Set && state.Status.Value.Terminal()

	depDelay, depActual := legDelay(state.ScheduledDeparture, state.ObservedDeparture, terminal)
	arrDelay, arrActual := legDelay(state.ScheduledArrival, state.ObservedArrival, terminal)

	if depDelay == nil && arrDelay == nil {
		return nil
	}

	rec := &models.DelayRecord{
		ID:                uuid.NewString(),
		Key:               state.Key,
		DepartureDelayMin: depDelay,
		ArrivalDelayMin:   arrDelay,
		Quality:           quality(state, depDelay, arrDelay, depActual, arrActual),
		ComputedAt:        now,
	}

	if rec.SameValues(prior) {
		return nil
	}
	return rec
}

// legDelay computes one leg's delay. The second return reports whether the
// figure comes from a recorded actual time rather than a scheduled fallback.
func legDelay(scheduled, observed models.Field[time.Time], terminal bool) (*int, bool) {
	if !scheduled.Set {
		return nil, false
	}
	if observed.Set {
		minutes := int(observed.Value.Sub(scheduled.Value) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		return &minutes, true
	}
	if terminal {
		// Completed flight with no recorded time: treat as on schedule.
		zero := 0
		return &zero, false
	}
	return nil, false
}

func quality(state *models.FlightState, dep, arr *int, depActual, arrActual bool) models.DataQuality {
	if dep == nil || arr == nil {
		return models.QualityPartial
	}
	if depActual && arrActual &&
		state.ObservedDeparture.Prov.Confidence >= models.ConfidenceMedium &&
		state.ObservedArrival.Prov.Confidence >= models.ConfidenceMedium {
		return models.QualityActual
	}
	return models.QualityEstimated
}
