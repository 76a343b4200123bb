// Package gateway defines the persistence contract for flight state, delay
// history, and claim eligibility. Commits are atomic per flight key: state,
// delay record, eligibility row, and event land together or not at all.
package gateway

import (
	"context"
	"time"

	"eu-flight/monitor/internal/models"
)

// Snapshot is everything the pipeline needs to reconcile one observation:
// the current state, the latest delay record, and the eligibility row.
// Members are nil when the flight key has never been seen.
type Snapshot struct {
	State       *models.FlightState
	LastDelay   *models.DelayRecord
	Eligibility *models.ClaimEligibility
}

// Gateway is the persistence contract consumed by the pipeline and the
// query layer. Commit returns models.ErrConflict when a concurrent writer
// raced ahead; the caller must re-read and retry. Transient outages surface
// as models.ErrUnavailable.
type Gateway interface {
	// Load fetches the snapshot for a flight key. Never returns nil; an
	// unknown key yields a Snapshot with nil members.
	Load(ctx context.Context, key models.FlightKey) (*Snapshot, error)

	// Commit durably writes the snapshot. snap.State.Version must carry
	// the version read by Load; the stored row advances by one. delayRec
	// and event may be nil when the reconciliation produced neither.
	Commit(ctx context.Context, snap *Snapshot, delayRec *models.DelayRecord, event *models.EligibilityEvent) error

	// MarkEventPublished flips the outbox flag once the notification
	// collaborator has the event.
	MarkEventPublished(ctx context.Context, eventID string) error

	// DelayedFlights lists flights of one departure day whose arrival
	// delay is at least minDelayMinutes.
	DelayedFlights(ctx context.Context, day time.Time, minDelayMinutes int) ([]models.DelaySummary, error)

	// CountFlights counts all flights departing on the given day.
	CountFlights(ctx context.Context, day time.Time) (int, error)

	// ClaimEligible lists flights currently ELIGIBLE whose departure date
	// falls on or after since.
	ClaimEligible(ctx context.Context, since time.Time) ([]models.ClaimEligibility, error)
}
