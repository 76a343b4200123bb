package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/ledger"
	"eu-flight/monitor/internal/metrics"
	"eu-flight/monitor/internal/models"
)

// newTestRegistry keeps metrics off the default registerer so tests can
// construct pipelines repeatedly.
func newTestRegistry() *metrics.Registry {
	return metrics.NewRegistryWith(prometheus.NewRegistry())
}

var (
	schedDep = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	schedArr = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
)

func testRules() *config.Rules {
	return &config.Rules{
		ClaimDelayMinutes:    120,
		ImplausibilityWindow: 48 * time.Hour,
		LedgerRetention:      72 * time.Hour,
		Sources: map[string]config.SourceRule{
			"airport-operator": {Priority: 1, Confidence: models.ConfidenceHigh},
			"airline-feed":     {Priority: 2, Confidence: models.ConfidenceHigh},
			"aggregator":       {Priority: 3, Confidence: models.ConfidenceMedium},
		},
	}
}

// capturePublisher records outbound traffic for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.EligibilityEvent
	delays []models.DelayRecord
}

func (p *capturePublisher) PublishEligibility(ev models.EligibilityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) PublishDelay(rec models.DelayRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, rec)
}

func (p *capturePublisher) Events() []models.EligibilityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EligibilityEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturePublisher) Delays() []models.DelayRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.DelayRecord, len(p.delays))
	copy(out, p.delays)
	return out
}

// mockGateway lets tests inject commit failures while delegating everything
// else to the in-memory gateway.
type mockGateway struct {
	inner      *gateway.MemoryGateway
	commitFunc func(ctx context.Context, snap *gateway.Snapshot, rec *models.DelayRecord, ev *models.EligibilityEvent) error
}

func (m *mockGateway) Load(ctx context.Context, key models.FlightKey) (*gateway.Snapshot, error) {
	return m.inner.Load(ctx, key)
}

func (m *mockGateway) Commit(ctx context.Context, snap *gateway.Snapshot, rec *models.DelayRecord, ev *models.EligibilityEvent) error {
	if m.commitFunc != nil {
		return m.commitFunc(ctx, snap, rec, ev)
	}
	return m.inner.Commit(ctx, snap, rec, ev)
}

func (m *mockGateway) MarkEventPublished(ctx context.Context, eventID string) error {
	return m.inner.MarkEventPublished(ctx, eventID)
}

func (m *mockGateway) DelayedFlights(ctx context.Context, day time.Time, minDelay int) ([]models.DelaySummary, error) {
	return m.inner.DelayedFlights(ctx, day, minDelay)
}

func (m *mockGateway) CountFlights(ctx context.Context, day time.Time) (int, error) {
	return m.inner.CountFlights(ctx, day)
}

func (m *mockGateway) ClaimEligible(ctx context.Context, since time.Time) ([]models.ClaimEligibility, error) {
	return m.inner.ClaimEligible(ctx, since)
}

func startPipeline(t *testing.T, gw gateway.Gateway, pub Publisher) (*Pipeline, func()) {
	t.Helper()

	holder := config.NewRulesHolder(testRules())
	led := ledger.NewMemoryLedger(holder)
	mets := newTestRegistry()
	pipe := New(holder, gw, led, pub, mets, Options{
		NumShards:     2,
		ShardBuffer:   16,
		CommitTimeout: 2 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()

	return pipe, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Pipeline Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Pipeline did not drain within 5s")
		}
	}
}

func submitAndWait(t *testing.T, pipe *Pipeline, obs models.FlightObservation) {
	t.Helper()
	acked := make(chan struct{})
	ok := pipe.Submit(Item{
		Obs: obs,
		Ack: func(context.Context) error {
			close(acked)
			return nil
		},
	})
	if !ok {
		t.Fatal("Submit refused while pipeline running")
	}
	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("Observation was not acked within 5s")
	}
}

func landedObs(sourceID string, conf models.Confidence, arrivalDelay time.Duration, observedAt time.Time) models.FlightObservation {
	dep := schedDep.Add(15 * time.Minute)
	arr := schedArr.Add(arrivalDelay)
	return models.FlightObservation{
		SourceID:           sourceID,
		FlightNumber:       "LH1234",
		AirlineCode:        "LH",
		DepartureAirport:   "FRA",
		ArrivalAirport:     "MAD",
		ScheduledDeparture: schedDep,
		ScheduledArrival:   schedArr,
		ObservedDeparture:  &dep,
		ObservedArrival:    &arr,
		Status:             models.StatusLanded,
		ObservedAt:         observedAt,
		Confidence:         conf,
	}
}

func TestPipeline_DelayedFlightBecomesEligible(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))
	submitAndWait(t, pipe, obs)

	snap, err := gw.Load(context.Background(), obs.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.State == nil {
		t.Fatal("Expected persisted state")
	}
	if snap.LastDelay == nil || snap.LastDelay.ArrivalDelayMin == nil || *snap.LastDelay.ArrivalDelayMin != 150 {
		t.Fatalf("Expected arrival delay 150, got %+v", snap.LastDelay)
	}
	if snap.LastDelay.Quality != models.QualityActual {
		t.Errorf("Expected ACTUAL quality, got %s", snap.LastDelay.Quality)
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE, got %+v", snap.Eligibility)
	}

	events := gw.Events()
	if len(events) != 1 {
		t.Fatalf("Expected exactly one eligibility event, got %d", len(events))
	}
	if events[0].From != models.ClaimNotEvaluated || events[0].To != models.ClaimEligibleYes {
		t.Errorf("Unexpected transition %s -> %s", events[0].From, events[0].To)
	}

	if got := len(pub.Events()); got != 1 {
		t.Errorf("Expected one published event, got %d", got)
	}
	if got := len(pub.Delays()); got != 1 {
		t.Errorf("Expected one published delay record, got %d", got)
	}
}

func TestPipeline_RedeliveryIsSuppressed(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))
	submitAndWait(t, pipe, obs)
	submitAndWait(t, pipe, obs) // identical redelivery

	if history := gw.DelayHistory(obs.Key()); len(history) != 1 {
		t.Errorf("Expected one delay record after redelivery, got %d", len(history))
	}
	if events := gw.Events(); len(events) != 1 {
		t.Errorf("Expected one eligibility event after redelivery, got %d", len(events))
	}
}

func TestPipeline_SmallDelayDecidedThenLiftedByCorrection(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	// Landed with 45 minutes of delay: decided, but under the threshold.
	first := landedObs("airline-feed", models.ConfidenceHigh, 45*time.Minute, schedArr.Add(46*time.Minute))
	submitAndWait(t, pipe, first)

	snap, err := gw.Load(context.Background(), first.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimNotEligible {
		t.Fatalf("Expected NOT_ELIGIBLE for 45 min, got %+v", snap.Eligibility)
	}

	// A later correction from the same source pushes it past two hours.
	correction := landedObs("airline-feed", models.ConfidenceHigh, 135*time.Minute, schedArr.Add(140*time.Minute))
	submitAndWait(t, pipe, correction)

	snap, err = gw.Load(context.Background(), first.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE after correction, got %+v", snap.Eligibility)
	}

	events := gw.Events()
	if len(events) != 2 {
		t.Fatalf("Expected two events, got %d", len(events))
	}
	if events[0].From != models.ClaimNotEvaluated || events[0].To != models.ClaimNotEligible {
		t.Errorf("Unexpected first transition %s -> %s", events[0].From, events[0].To)
	}
	if events[1].From != models.ClaimNotEligible || events[1].To != models.ClaimEligibleYes {
		t.Errorf("Unexpected second transition %s -> %s", events[1].From, events[1].To)
	}
}

func TestPipeline_CorrectionRevokesAndRestores(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	// Aggregator reports a claimable delay on a landed flight.
	first := landedObs("aggregator", models.ConfidenceMedium, 150*time.Minute, schedArr.Add(151*time.Minute))
	submitAndWait(t, pipe, first)

	// The airport operator corrects the arrival to under two hours.
	correction := landedObs("airport-operator", models.ConfidenceHigh, 90*time.Minute, schedArr.Add(160*time.Minute))
	submitAndWait(t, pipe, correction)

	snap, err := gw.Load(context.Background(), first.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimRevoked {
		t.Fatalf("Expected REVOKED after trusted correction, got %+v", snap.Eligibility)
	}

	events := gw.Events()
	if len(events) != 2 {
		t.Fatalf("Expected two events, got %d", len(events))
	}
	if events[1].From != models.ClaimEligibleYes || events[1].To != models.ClaimRevoked {
		t.Errorf("Unexpected second transition %s -> %s", events[1].From, events[1].To)
	}

	// History is append-only: both figures remain.
	history := gw.DelayHistory(first.Key())
	if len(history) != 2 {
		t.Fatalf("Expected two delay records, got %d", len(history))
	}
	if *history[0].ArrivalDelayMin != 150 || *history[1].ArrivalDelayMin != 90 {
		t.Errorf("Unexpected delay history: %d then %d",
			*history[0].ArrivalDelayMin, *history[1].ArrivalDelayMin)
	}
}

func TestPipeline_StatusFlipDecidesOnExistingDelay(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	// In-air observation establishes the delay but cannot decide eligibility.
	inAir := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(100*time.Minute))
	inAir.Status = models.StatusInAir
	submitAndWait(t, pipe, inAir)

	snap, _ := gw.Load(context.Background(), inAir.Key())
	if snap.Eligibility != nil && snap.Eligibility.Status != models.ClaimNotEvaluated {
		t.Fatalf("Expected no decision in flight, got %+v", snap.Eligibility)
	}

	// A later report flips the status to landed with the same times.
	landed := inAir
	landed.Status = models.StatusLanded
	landed.ObservedAt = inAir.ObservedAt.Add(30 * time.Minute)
	submitAndWait(t, pipe, landed)

	snap, _ = gw.Load(context.Background(), inAir.Key())
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE after status flip, got %+v", snap.Eligibility)
	}
}

func TestPipeline_CommitConflictRetriesWithFreshRead(t *testing.T) {
	inner := gateway.NewMemoryGateway()
	var mu sync.Mutex
	conflicts := 2
	gw := &mockGateway{inner: inner}
	gw.commitFunc = func(ctx context.Context, snap *gateway.Snapshot, rec *models.DelayRecord, ev *models.EligibilityEvent) error {
		mu.Lock()
		if conflicts > 0 {
			conflicts--
			mu.Unlock()
			return models.ErrConflict
		}
		mu.Unlock()
		return inner.Commit(ctx, snap, rec, ev)
	}

	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))
	submitAndWait(t, pipe, obs)

	snap, err := inner.Load(context.Background(), obs.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.State == nil {
		t.Fatal("Expected commit to succeed after conflict retries")
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE, got %+v", snap.Eligibility)
	}
}

func TestPipeline_ExhaustedRetriesDeadLetter(t *testing.T) {
	inner := gateway.NewMemoryGateway()
	gw := &mockGateway{inner: inner}
	gw.commitFunc = func(context.Context, *gateway.Snapshot, *models.DelayRecord, *models.EligibilityEvent) error {
		return models.ErrUnavailable
	}

	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	acked := make(chan struct{})
	deadLettered := make(chan string, 1)
	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))

	ok := pipe.Submit(Item{
		Obs: obs,
		Ack: func(context.Context) error {
			close(acked)
			return nil
		},
		DeadLetter: func(_ context.Context, reason string) error {
			deadLettered <- reason
			return nil
		},
	})
	if !ok {
		t.Fatal("Submit refused while pipeline running")
	}

	select {
	case reason := <-deadLettered:
		if reason == "" {
			t.Error("Expected a dead-letter reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Observation was not dead-lettered within 5s")
	}
	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("Dead-lettered observation must still be acked on the source")
	}
}

func TestPipeline_DeadLetteredObservationReplays(t *testing.T) {
	inner := gateway.NewMemoryGateway()
	var mu sync.Mutex
	healthy := false
	gw := &mockGateway{inner: inner}
	gw.commitFunc = func(ctx context.Context, snap *gateway.Snapshot, rec *models.DelayRecord, ev *models.EligibilityEvent) error {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			return models.ErrUnavailable
		}
		return inner.Commit(ctx, snap, rec, ev)
	}

	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))

	acked := make(chan struct{})
	deadLettered := make(chan struct{})
	ok := pipe.Submit(Item{
		Obs: obs,
		Ack: func(context.Context) error {
			close(acked)
			return nil
		},
		DeadLetter: func(context.Context, string) error {
			close(deadLettered)
			return nil
		},
	})
	if !ok {
		t.Fatal("Submit refused while pipeline running")
	}
	select {
	case <-deadLettered:
	case <-time.After(5 * time.Second):
		t.Fatal("Observation was not dead-lettered within 5s")
	}
	<-acked

	// Persistence recovers and the parked observation is replayed. It never
	// took effect, so the dedup ledger must not swallow it.
	mu.Lock()
	healthy = true
	mu.Unlock()
	submitAndWait(t, pipe, obs)

	snap, err := inner.Load(context.Background(), obs.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.State == nil {
		t.Fatal("Replayed observation must persist state")
	}
	if snap.LastDelay == nil || snap.LastDelay.ArrivalDelayMin == nil || *snap.LastDelay.ArrivalDelayMin != 150 {
		t.Fatalf("Expected arrival delay 150 after replay, got %+v", snap.LastDelay)
	}
	if snap.Eligibility == nil || snap.Eligibility.Status != models.ClaimEligibleYes {
		t.Fatalf("Expected ELIGIBLE after replay, got %+v", snap.Eligibility)
	}
}

func TestPipeline_InconsistentObservationDropped(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))
	arr := obs.ObservedDeparture.Add(-time.Hour)
	obs.ObservedArrival = &arr

	submitAndWait(t, pipe, obs)

	snap, _ := gw.Load(context.Background(), obs.Key())
	if snap.State != nil {
		t.Errorf("Rejected observation must leave no state, got %+v", snap.State)
	}
}

func TestPipeline_SubmitRefusedAfterShutdown(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)

	obs := landedObs("airline-feed", models.ConfidenceHigh, 150*time.Minute, schedArr.Add(151*time.Minute))
	submitAndWait(t, pipe, obs)

	stop()

	if pipe.Submit(Item{Obs: obs}) {
		t.Error("Submit must refuse after shutdown")
	}
}

func TestPipeline_SameKeySerializedAcrossSubmissions(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	pub := &capturePublisher{}
	pipe, stop := startPipeline(t, gw, pub)
	defer stop()

	// Five progressively later corrections for one key, submitted without
	// waiting. Shard serialization must apply them in order.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		obs := landedObs("airline-feed", models.ConfidenceHigh,
			time.Duration(130+i)*time.Minute, schedArr.Add(time.Duration(160+i)*time.Minute))
		ok := pipe.Submit(Item{
			Obs: obs,
			Ack: func(context.Context) error {
				wg.Done()
				return nil
			},
		})
		if !ok {
			t.Fatal("Submit refused while pipeline running")
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observations not processed within 5s")
	}

	key := models.FlightKey{FlightNumber: "LH1234", DepartureDate: "2026-08-20", DepartureAirport: "FRA"}
	snap, _ := gw.Load(context.Background(), key)
	if snap.LastDelay == nil || *snap.LastDelay.ArrivalDelayMin != 134 {
		t.Fatalf("Expected final delay 134, got %+v", snap.LastDelay)
	}

	history := gw.DelayHistory(key)
	for i := 1; i < len(history); i++ {
		if *history[i].ArrivalDelayMin != *history[i-1].ArrivalDelayMin+1 {
			t.Fatalf("Delay history out of order: %v", history)
		}
	}
}
