package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eu-flight/monitor/internal/models"
)

// MemoryGateway is an in-process Gateway used by tests and local runs. It
// enforces the same optimistic-concurrency contract as the Postgres
// implementation.
type MemoryGateway struct {
	mu       sync.Mutex
	rows     map[string]*row
	events   []models.EligibilityEvent
	pubbed   map[string]bool
}

type row struct {
	state       models.FlightState
	delays      []models.DelayRecord
	eligibility *models.ClaimEligibility
}

// NewMemoryGateway builds an empty in-memory store.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		rows:   make(map[string]*row),
		pubbed: make(map[string]bool),
	}
}

func (g *MemoryGateway) Load(_ context.Context, key models.FlightKey) (*Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rows[key.String()]
	if !ok {
		return &Snapshot{}, nil
	}

	snap := &Snapshot{State: r.state.Clone()}
	if len(r.delays) > 0 {
		last := r.delays[len(r.delays)-1]
		snap.LastDelay = &last
	}
	if r.eligibility != nil {
		e := *r.eligibility
		snap.Eligibility = &e
	}
	return snap, nil
}

func (g *MemoryGateway) Commit(_ context.Context, snap *Snapshot, delayRec *models.DelayRecord, event *models.EligibilityEvent) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("commit without state")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	k := snap.State.Key.String()
	r, exists := g.rows[k]
	if !exists {
		if snap.State.Version != 0 {
			return models.ErrConflict
		}
		r = &row{}
		g.rows[k] = r
	} else if r.state.Version != snap.State.Version {
		return models.ErrConflict
	}

	next := *snap.State
	next.Version++
	r.state = next

	if delayRec != nil {
		r.delays = append(r.delays, *delayRec)
	}
	if snap.Eligibility != nil {
		e := *snap.Eligibility
		r.eligibility = &e
	}
	if event != nil {
		g.events = append(g.events, *event)
	}
	return nil
}

func (g *MemoryGateway) MarkEventPublished(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pubbed[eventID] = true
	return nil
}

func (g *MemoryGateway) DelayedFlights(_ context.Context, day time.Time, minDelayMinutes int) ([]models.DelaySummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	date := day.UTC().Format("2006-01-02")
	var out []models.DelaySummary
	for _, r := range g.rows {
		if r.state.Key.DepartureDate != date || len(r.delays) == 0 {
			continue
		}
		last := r.delays[len(r.delays)-1]
		if last.ArrivalDelayMin == nil || *last.ArrivalDelayMin < minDelayMinutes {
			continue
		}
		out = append(out, models.DelaySummary{
			Key:             r.state.Key,
			AirlineCode:     r.state.AirlineCode.Value,
			ArrivalDelayMin: *last.ArrivalDelayMin,
			Quality:         last.Quality,
			DelayReason:     r.state.DelayReason.Value,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (g *MemoryGateway) CountFlights(_ context.Context, day time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	date := day.UTC().Format("2006-01-02")
	n := 0
	for _, r := range g.rows {
		if r.state.Key.DepartureDate == date {
			n++
		}
	}
	return n, nil
}

func (g *MemoryGateway) ClaimEligible(_ context.Context, since time.Time) ([]models.ClaimEligibility, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := since.UTC().Format("2006-01-02")
	var out []models.ClaimEligibility
	for _, r := range g.rows {
		if r.eligibility == nil || r.eligibility.Status != models.ClaimEligibleYes {
			continue
		}
		if r.state.Key.DepartureDate < cutoff {
			continue
		}
		out = append(out, *r.eligibility)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Events returns every eligibility event committed so far, in order.
func (g *MemoryGateway) Events() []models.EligibilityEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.EligibilityEvent, len(g.events))
	copy(out, g.events)
	return out
}

// DelayHistory returns the append-only delay records for a key.
func (g *MemoryGateway) DelayHistory(key models.FlightKey) []models.DelayRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rows[key.String()]
	if !ok {
		return nil
	}
	out := make([]models.DelayRecord, len(r.delays))
	copy(out, r.delays)
	return out
}
