// Package eligibility tracks each flight's compensation-claim status and
// emits exactly one transition event per state change.
package eligibility

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"eu-flight/monitor/internal/models"
)

// Machine evaluates claim eligibility against an immutable rule snapshot.
type Machine struct {
	// ThresholdMinutes is the regulatory delay bound; strictly more than
	// this is claimable, exactly this is not.
	ThresholdMinutes int

	// CancellationClaimable gates cancelled flights into the compensation
	// scope. EU261's notice-period rule is deployment policy, not engine
	// logic.
	CancellationClaimable func(*models.FlightState) bool
}

// NewMachine builds a machine for one evaluation pass.
func NewMachine(thresholdMinutes int, cancellationRule func(*models.FlightState) bool) *Machine {
	if cancellationRule == nil {
		cancellationRule = func(*models.FlightState) bool { return false }
	}
	return &Machine{
		ThresholdMinutes:      thresholdMinutes,
		CancellationClaimable: cancellationRule,
	}
}

// Evaluate decides the next claim status for a flight given its latest delay
// record. Returns the (possibly unchanged) eligibility row and a transition
// event when, and only when, the status changed. Re-entering the current
// state is a no-op with no event.
//
// No decision is made while the flight is non-terminal, while the delay is
// unknown, or while the arrival figure rests on partial data.
func (m *Machine) Evaluate(current *models.ClaimEligibility, state *models.FlightState, rec *models.DelayRecord, now time.Time) (*models.ClaimEligibility, *models.EligibilityEvent) {
	cur := current
	if cur == nil {
		cur = &models.ClaimEligibility{
			Key:    state.Key,
			Status: models.ClaimNotEvaluated,
		}
	}

	decision, reason, decided := m.decide(state, rec)
	if !decided {
		return cur, nil
	}

	next := cur.Status
	switch cur.Status {
	case models.ClaimNotEvaluated:
		if decision {
			next = models.ClaimEligibleYes
		} else {
			next = models.ClaimNotEligible
		}
	case models.ClaimNotEligible:
		if decision {
			// Delay crossed the threshold on a later correction.
			next = models.ClaimEligibleYes
		}
	case models.ClaimEligibleYes:
		if !decision {
			// A trusted correction dropped the delay back under the
			// threshold after eligibility was already signaled.
			next = models.ClaimRevoked
			reason = fmt.Sprintf("delay corrected below threshold: %s", reason)
		}
	case models.ClaimRevoked:
		if decision {
			next = models.ClaimEligibleYes
		}
	}

	if next == cur.Status {
		return cur, nil
	}

	updated := *cur
	updated.Status = next
	updated.Reason = reason
	updated.LastTransitionAt = now
	if next == models.ClaimEligibleYes && updated.FirstEligibleAt == nil {
		at := now
		updated.FirstEligibleAt = &at
	}

	event := &models.EligibilityEvent{
		ID:     uuid.NewString(),
		Key:    state.Key,
		From:   cur.Status,
		To:     next,
		Reason: reason,
		At:     now,
	}
	return &updated, event
}

// decide returns (eligible, reason, decided). decided is false while the
// inputs cannot support any verdict.
func (m *Machine) decide(state *models.FlightState, rec *models.DelayRecord) (bool, string, bool) {
	if state == nil || !state.Status.Set || !state.Status.Value.Terminal() {
		return false, "", false
	}
	if rec == nil || rec.ArrivalDelayMin == nil {
		return false, "", false
	}
	if rec.Quality != models.QualityActual && rec.Quality != models.QualityEstimated {
		return false, "", false
	}
	if state.Status.Value == models.StatusCancelled && !m.CancellationClaimable(state) {
		return false, "cancelled flight outside compensation scope", true
	}

	delayMin := *rec.ArrivalDelayMin
	if delayMin > m.ThresholdMinutes {
		return true, fmt.Sprintf("arrival delay %d min exceeds %d min threshold (%s)",
			delayMin, m.ThresholdMinutes, rec.Quality), true
	}
	return false, fmt.Sprintf("arrival delay %d min within %d min threshold (%s)",
		delayMin, m.ThresholdMinutes, rec.Quality), true
}
