package eligibility

import (
	"strings"
	"testing"
	"time"

	"eu-flight/monitor/internal/models"
)

var testKey = models.FlightKey{FlightNumber: "LH1234", DepartureDate: "2026-08-20", DepartureAirport: "FRA"}

func terminalState(status models.FlightStatus) *models.FlightState {
	return &models.FlightState{
		Key: testKey,
		Status: models.Field[models.FlightStatus]{
			Value: status,
			Prov:  models.Provenance{SourceID: "airline-feed", Confidence: models.ConfidenceHigh},
			Set:   true,
		},
	}
}

func delayRecord(arrivalMin int, quality models.DataQuality) *models.DelayRecord {
	return &models.DelayRecord{
		ID:              "rec-1",
		Key:             testKey,
		ArrivalDelayMin: &arrivalMin,
		Quality:         quality,
		ComputedAt:      time.Now().UTC(),
	}
}

func TestEvaluate_ThresholdIsStrict(t *testing.T) {
	m := NewMachine(120, nil)
	now := time.Now().UTC()

	tests := []struct {
		name     string
		delayMin int
		want     models.ClaimStatus
	}{
		{"exactly at threshold", 120, models.ClaimNotEligible},
		{"one minute over", 121, models.ClaimEligibleYes},
		{"well under", 30, models.ClaimNotEligible},
		{"well over", 300, models.ClaimEligibleYes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elig, event := m.Evaluate(nil, terminalState(models.StatusLanded),
				delayRecord(tt.delayMin, models.QualityActual), now)
			if elig.Status != tt.want {
				t.Errorf("delay %d: expected %s, got %s", tt.delayMin, tt.want, elig.Status)
			}
			if event == nil {
				t.Error("Expected a transition event from NOT_EVALUATED")
			}
		})
	}
}

func TestEvaluate_NonTerminalFlightNotDecided(t *testing.T) {
	m := NewMachine(120, nil)

	elig, event := m.Evaluate(nil, terminalState(models.StatusInAir),
		delayRecord(200, models.QualityPartial), time.Now().UTC())
	if elig.Status != models.ClaimNotEvaluated {
		t.Errorf("Expected NOT_EVALUATED in flight, got %s", elig.Status)
	}
	if event != nil {
		t.Errorf("Expected no event, got %+v", event)
	}
}

func TestEvaluate_PartialDataNotDecided(t *testing.T) {
	m := NewMachine(120, nil)

	elig, event := m.Evaluate(nil, terminalState(models.StatusLanded),
		delayRecord(200, models.QualityPartial), time.Now().UTC())
	if elig.Status != models.ClaimNotEvaluated {
		t.Errorf("Expected NOT_EVALUATED on partial data, got %s", elig.Status)
	}
	if event != nil {
		t.Errorf("Expected no event, got %+v", event)
	}
}

func TestEvaluate_UnknownDelayNotDecided(t *testing.T) {
	m := NewMachine(120, nil)

	if _, event := m.Evaluate(nil, terminalState(models.StatusLanded), nil, time.Now().UTC()); event != nil {
		t.Errorf("Expected no event without a delay record, got %+v", event)
	}

	rec := &models.DelayRecord{ID: "rec-1", Key: testKey, Quality: models.QualityActual}
	if _, event := m.Evaluate(nil, terminalState(models.StatusLanded), rec, time.Now().UTC()); event != nil {
		t.Errorf("Expected no event without an arrival figure, got %+v", event)
	}
}

func TestEvaluate_ReEvaluationIsIdempotent(t *testing.T) {
	m := NewMachine(120, nil)
	now := time.Now().UTC()
	state := terminalState(models.StatusLanded)
	rec := delayRecord(150, models.QualityActual)

	elig, event := m.Evaluate(nil, state, rec, now)
	if elig.Status != models.ClaimEligibleYes || event == nil {
		t.Fatalf("Expected ELIGIBLE with event, got %s event=%v", elig.Status, event)
	}

	// Same inputs again: no second event.
	again, event2 := m.Evaluate(elig, state, rec, now.Add(time.Minute))
	if event2 != nil {
		t.Errorf("Expected no duplicate event, got %+v", event2)
	}
	if again.Status != models.ClaimEligibleYes {
		t.Errorf("Status changed on re-evaluation: %s", again.Status)
	}
	if !again.LastTransitionAt.Equal(elig.LastTransitionAt) {
		t.Error("LastTransitionAt moved without a transition")
	}
}

func TestEvaluate_CorrectionRevokesEligibility(t *testing.T) {
	m := NewMachine(120, nil)
	now := time.Now().UTC()
	state := terminalState(models.StatusLanded)

	elig, event := m.Evaluate(nil, state, delayRecord(180, models.QualityEstimated), now)
	if elig.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE, got %s", elig.Status)
	}
	firstEligibleAt := elig.FirstEligibleAt
	if firstEligibleAt == nil {
		t.Fatal("Expected FirstEligibleAt to be recorded")
	}

	// A trusted correction lands the flight only 90 minutes late.
	elig, event = m.Evaluate(elig, state, delayRecord(90, models.QualityActual), now.Add(time.Hour))
	if elig.Status != models.ClaimRevoked {
		t.Fatalf("Expected REVOKED after correction, got %s", elig.Status)
	}
	if event == nil {
		t.Fatal("Expected a revocation event")
	}
	if event.From != models.ClaimEligibleYes || event.To != models.ClaimRevoked {
		t.Errorf("Unexpected transition %s -> %s", event.From, event.To)
	}
	if !strings.Contains(event.Reason, "corrected below threshold") {
		t.Errorf("Revocation reason missing correction context: %q", event.Reason)
	}

	// A further correction pushing the delay back over the bound restores it.
	elig, event = m.Evaluate(elig, state, delayRecord(130, models.QualityActual), now.Add(2*time.Hour))
	if elig.Status != models.ClaimEligibleYes || event == nil {
		t.Fatalf("Expected restored ELIGIBLE with event, got %s event=%v", elig.Status, event)
	}
	if elig.FirstEligibleAt == nil || !elig.FirstEligibleAt.Equal(*firstEligibleAt) {
		t.Error("FirstEligibleAt must keep the original timestamp across revocation")
	}
}

func TestEvaluate_LateCorrectionLiftsNotEligible(t *testing.T) {
	m := NewMachine(120, nil)
	now := time.Now().UTC()
	state := terminalState(models.StatusLanded)

	elig, _ := m.Evaluate(nil, state, delayRecord(100, models.QualityActual), now)
	if elig.Status != models.ClaimNotEligible {
		t.Fatalf("Expected NOT_ELIGIBLE, got %s", elig.Status)
	}

	elig, event := m.Evaluate(elig, state, delayRecord(135, models.QualityActual), now.Add(time.Hour))
	if elig.Status != models.ClaimEligibleYes {
		t.Errorf("Expected ELIGIBLE after upward correction, got %s", elig.Status)
	}
	if event == nil || event.From != models.ClaimNotEligible {
		t.Errorf("Expected NOT_ELIGIBLE -> ELIGIBLE event, got %+v", event)
	}
}

func TestEvaluate_CancellationGatedByPolicy(t *testing.T) {
	now := time.Now().UTC()
	state := terminalState(models.StatusCancelled)
	rec := delayRecord(240, models.QualityEstimated)

	// Default policy keeps cancellations out of scope.
	m := NewMachine(120, nil)
	elig, event := m.Evaluate(nil, state, rec, now)
	if elig.Status != models.ClaimNotEligible {
		t.Errorf("Expected NOT_ELIGIBLE under default policy, got %s", elig.Status)
	}
	if event == nil {
		t.Error("Expected a decided transition for the cancelled flight")
	} else if !strings.Contains(event.Reason, "cancelled") {
		t.Errorf("Expected cancellation reason, got %q", event.Reason)
	}

	// A deployment that claims cancellations evaluates them like delays.
	claimAll := NewMachine(120, func(*models.FlightState) bool { return true })
	elig, _ = claimAll.Evaluate(nil, state, rec, now)
	if elig.Status != models.ClaimEligibleYes {
		t.Errorf("Expected ELIGIBLE under claim-all policy, got %s", elig.Status)
	}
}

func TestEvaluate_EventCarriesTransition(t *testing.T) {
	m := NewMachine(120, nil)
	now := time.Now().UTC()

	_, event := m.Evaluate(nil, terminalState(models.StatusLanded),
		delayRecord(150, models.QualityActual), now)
	if event == nil {
		t.Fatal("Expected an event")
	}
	if event.ID == "" {
		t.Error("Expected a unique event ID")
	}
	if event.Key != testKey {
		t.Errorf("Unexpected event key %+v", event.Key)
	}
	if event.From != models.ClaimNotEvaluated || event.To != models.ClaimEligibleYes {
		t.Errorf("Unexpected transition %s -> %s", event.From, event.To)
	}
	if !event.At.Equal(now) {
		t.Errorf("Expected event time %v, got %v", now, event.At)
	}
}
