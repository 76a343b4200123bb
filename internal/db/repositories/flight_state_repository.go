package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/models"
)

// FlightStateRepository is the Postgres implementation of the persistence
// gateway. The reconciled state is stored as a JSONB document keyed by the
// flight key columns with an optimistic version; delay records and
// eligibility events are append-only.
type FlightStateRepository struct {
	db *sqlx.DB
}

// NewFlightStateRepository wraps an existing sqlx connection.
func NewFlightStateRepository(db *sqlx.DB) *FlightStateRepository {
	return &FlightStateRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS flight_states (
	flight_number      varchar(10)  NOT NULL,
	departure_date     varchar(10)  NOT NULL,
	departure_airport  varchar(4)   NOT NULL,
	doc                jsonb        NOT NULL,
	version            bigint       NOT NULL,
	last_reconciled_at timestamptz  NOT NULL,
	PRIMARY KEY (flight_number, departure_date, departure_airport)
);

CREATE TABLE IF NOT EXISTS delay_records (
	id                      uuid PRIMARY KEY,
	flight_number           varchar(10) NOT NULL,
	departure_date          varchar(10) NOT NULL,
	departure_airport       varchar(4)  NOT NULL,
	airline_code            varchar(3)  NOT NULL DEFAULT '',
	departure_delay_minutes integer,
	arrival_delay_minutes   integer,
	data_quality            varchar(10) NOT NULL,
	delay_reason            text        NOT NULL DEFAULT '',
	computed_at             timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delay_records_key
	ON delay_records (flight_number, departure_date, departure_airport, computed_at);
CREATE INDEX IF NOT EXISTS idx_delay_records_date
	ON delay_records (departure_date);

CREATE TABLE IF NOT EXISTS claim_eligibility (
	flight_number      varchar(10) NOT NULL,
	departure_date     varchar(10) NOT NULL,
	departure_airport  varchar(4)  NOT NULL,
	status             varchar(16) NOT NULL,
	reason             text        NOT NULL DEFAULT '',
	first_eligible_at  timestamptz,
	last_transition_at timestamptz NOT NULL,
	PRIMARY KEY (flight_number, departure_date, departure_airport)
);

CREATE TABLE IF NOT EXISTS eligibility_events (
	id                uuid PRIMARY KEY,
	flight_number     varchar(10) NOT NULL,
	departure_date    varchar(10) NOT NULL,
	departure_airport varchar(4)  NOT NULL,
	from_status       varchar(16) NOT NULL,
	to_status         varchar(16) NOT NULL,
	reason            text        NOT NULL DEFAULT '',
	occurred_at       timestamptz NOT NULL,
	published         boolean     NOT NULL DEFAULT false
);
`

// EnsureSchema creates the engine's tables when they do not exist yet.
func (r *FlightStateRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *FlightStateRepository) Load(ctx context.Context, key models.FlightKey) (*gateway.Snapshot, error) {
	snap := &gateway.Snapshot{}

	var stateRow struct {
		Doc     []byte `db:"doc"`
		Version int64  `db:"version"`
	}
	err := r.db.QueryRowxContext(ctx, `
		SELECT doc, version FROM flight_states
		WHERE flight_number = $1 AND departure_date = $2 AND departure_airport = $3`,
		key.FlightNumber, key.DepartureDate, key.DepartureAirport,
	).StructScan(&stateRow)
	switch {
	case err == sql.ErrNoRows:
		return snap, nil
	case err != nil:
		return nil, wrapUnavailable("load state", err)
	}

	var state models.FlightState
	if err := json.Unmarshal(stateRow.Doc, &state); err != nil {
		return nil, fmt.Errorf("decode flight state doc: %w", err)
	}
	state.Version = stateRow.Version
	snap.State = &state

	var delayRow struct {
		ID                string     `db:"id"`
		DepartureDelayMin *int       `db:"departure_delay_minutes"`
		ArrivalDelayMin   *int       `db:"arrival_delay_minutes"`
		Quality           string     `db:"data_quality"`
		ComputedAt        time.Time  `db:"computed_at"`
	}
	err = r.db.QueryRowxContext(ctx, `
		SELECT id, departure_delay_minutes, arrival_delay_minutes, data_quality, computed_at
		FROM delay_records
		WHERE flight_number = $1 AND departure_date = $2 AND departure_airport = $3
		ORDER BY computed_at DESC LIMIT 1`,
		key.FlightNumber, key.DepartureDate, key.DepartureAirport,
	).StructScan(&delayRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, wrapUnavailable("load delay record", err)
	}
	if err == nil {
		snap.LastDelay = &models.DelayRecord{
			ID:                delayRow.ID,
			Key:               key,
			DepartureDelayMin: delayRow.DepartureDelayMin,
			ArrivalDelayMin:   delayRow.ArrivalDelayMin,
			Quality:           models.DataQuality(delayRow.Quality),
			ComputedAt:        delayRow.ComputedAt,
		}
	}

	var eligRow struct {
		Status           string     `db:"status"`
		Reason           string     `db:"reason"`
		FirstEligibleAt  *time.Time `db:"first_eligible_at"`
		LastTransitionAt time.Time  `db:"last_transition_at"`
	}
	err = r.db.QueryRowxContext(ctx, `
		SELECT status, reason, first_eligible_at, last_transition_at
		FROM claim_eligibility
		WHERE flight_number = $1 AND departure_date = $2 AND departure_airport = $3`,
		key.FlightNumber, key.DepartureDate, key.DepartureAirport,
	).StructScan(&eligRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, wrapUnavailable("load eligibility", err)
	}
	if err == nil {
		snap.Eligibility = &models.ClaimEligibility{
			Key:              key,
			Status:           models.ClaimStatus(eligRow.Status),
			Reason:           eligRow.Reason,
			FirstEligibleAt:  eligRow.FirstEligibleAt,
			LastTransitionAt: eligRow.LastTransitionAt,
		}
	}
	return snap, nil
}

func (r *FlightStateRepository) Commit(ctx context.Context, snap *gateway.Snapshot, delayRec *models.DelayRecord, event *models.EligibilityEvent) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("commit without state")
	}

	state := snap.State
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flight state doc: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapUnavailable("begin commit", err)
	}
	defer tx.Rollback()

	key := state.Key
	if state.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flight_states
				(flight_number, departure_date, departure_airport, doc, version, last_reconciled_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (flight_number, departure_date, departure_airport) DO NOTHING`,
			key.FlightNumber, key.DepartureDate, key.DepartureAirport, doc, state.LastReconciledAt)
		if err != nil {
			return wrapUnavailable("insert state", err)
		}
		var inserted int
		if err := tx.QueryRowxContext(ctx, `
			SELECT count(*) FROM flight_states
			WHERE flight_number = $1 AND departure_date = $2 AND departure_airport = $3 AND version = 1`,
			key.FlightNumber, key.DepartureDate, key.DepartureAirport).Scan(&inserted); err != nil {
			return wrapUnavailable("verify insert", err)
		}
		if inserted == 0 {
			return models.ErrConflict
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE flight_states
			SET doc = $4, version = version + 1, last_reconciled_at = $5
			WHERE flight_number = $1 AND departure_date = $2 AND departure_airport = $3
			  AND version = $6`,
			key.FlightNumber, key.DepartureDate, key.DepartureAirport,
			doc, state.LastReconciledAt, state.Version)
		if err != nil {
			return wrapUnavailable("update state", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapUnavailable("update state", err)
		}
		if affected == 0 {
			return models.ErrConflict
		}
	}

	if delayRec != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO delay_records
				(id, flight_number, departure_date, departure_airport, airline_code,
				 departure_delay_minutes, arrival_delay_minutes, data_quality, delay_reason, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			delayRec.ID, key.FlightNumber, key.DepartureDate, key.DepartureAirport,
			state.AirlineCode.Value, delayRec.DepartureDelayMin, delayRec.ArrivalDelayMin,
			delayRec.Quality, state.DelayReason.Value, delayRec.ComputedAt)
		if err != nil {
			return wrapUnavailable("insert delay record", err)
		}
	}

	if snap.Eligibility != nil {
		e := snap.Eligibility
		_, err = tx.ExecContext(ctx, `
			INSERT INTO claim_eligibility
				(flight_number, departure_date, departure_airport, status, reason,
				 first_eligible_at, last_transition_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (flight_number, departure_date, departure_airport) DO UPDATE
			SET status = EXCLUDED.status,
			    reason = EXCLUDED.reason,
			    first_eligible_at = EXCLUDED.first_eligible_at,
			    last_transition_at = EXCLUDED.last_transition_at`,
			key.FlightNumber, key.DepartureDate, key.DepartureAirport,
			e.Status, e.Reason, e.FirstEligibleAt, e.LastTransitionAt)
		if err != nil {
			return wrapUnavailable("upsert eligibility", err)
		}
	}

	if event != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO eligibility_events
				(id, flight_number, departure_date, departure_airport,
				 from_status, to_status, reason, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, key.FlightNumber, key.DepartureDate, key.DepartureAirport,
			event.From, event.To, event.Reason, event.At)
		if err != nil {
			return wrapUnavailable("insert eligibility event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapUnavailable("commit", err)
	}
	return nil
}

func (r *FlightStateRepository) MarkEventPublished(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE eligibility_events SET published = true WHERE id = $1`, eventID)
	if err != nil {
		return wrapUnavailable("mark event published", err)
	}
	return nil
}

func (r *FlightStateRepository) DelayedFlights(ctx context.Context, day time.Time, minDelayMinutes int) ([]models.DelaySummary, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT DISTINCT ON (d.flight_number, d.departure_date, d.departure_airport)
			d.flight_number, d.departure_date, d.departure_airport,
			d.airline_code, d.arrival_delay_minutes, d.data_quality, d.delay_reason
		FROM delay_records d
		WHERE d.departure_date = $1 AND d.arrival_delay_minutes IS NOT NULL
		ORDER BY d.flight_number, d.departure_date, d.departure_airport, d.computed_at DESC`,
		day.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, wrapUnavailable("query delayed flights", err)
	}
	defer rows.Close()

	var out []models.DelaySummary
	for rows.Next() {
		var row struct {
			FlightNumber     string `db:"flight_number"`
			DepartureDate    string `db:"departure_date"`
			DepartureAirport string `db:"departure_airport"`
			AirlineCode      string `db:"airline_code"`
			ArrivalDelayMin  int    `db:"arrival_delay_minutes"`
			Quality          string `db:"data_quality"`
			DelayReason      string `db:"delay_reason"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan delayed flight: %w", err)
		}
		if row.ArrivalDelayMin < minDelayMinutes {
			continue
		}
		out = append(out, models.DelaySummary{
			Key: models.FlightKey{
				FlightNumber:     row.FlightNumber,
				DepartureDate:    row.DepartureDate,
				DepartureAirport: row.DepartureAirport,
			},
			AirlineCode:     row.AirlineCode,
			ArrivalDelayMin: row.ArrivalDelayMin,
			Quality:         models.DataQuality(row.Quality),
			DelayReason:     row.DelayReason,
		})
	}
	return out, rows.Err()
}

func (r *FlightStateRepository) CountFlights(ctx context.Context, day time.Time) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx,
		`SELECT count(*) FROM flight_states WHERE departure_date = $1`,
		day.UTC().Format("2006-01-02")).Scan(&count)
	if err != nil {
		return 0, wrapUnavailable("count flights", err)
	}
	return count, nil
}

func (r *FlightStateRepository) ClaimEligible(ctx context.Context, since time.Time) ([]models.ClaimEligibility, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT flight_number, departure_date, departure_airport,
		       status, reason, first_eligible_at, last_transition_at
		FROM claim_eligibility
		WHERE status = $1 AND departure_date >= $2
		ORDER BY departure_date, flight_number`,
		models.ClaimEligibleYes, since.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, wrapUnavailable("query claim eligible", err)
	}
	defer rows.Close()

	var out []models.ClaimEligibility
	for rows.Next() {
		var row struct {
			FlightNumber     string     `db:"flight_number"`
			DepartureDate    string     `db:"departure_date"`
			DepartureAirport string     `db:"departure_airport"`
			Status           string     `db:"status"`
			Reason           string     `db:"reason"`
			FirstEligibleAt  *time.Time `db:"first_eligible_at"`
			LastTransitionAt time.Time  `db:"last_transition_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan claim eligibility: %w", err)
		}
		out = append(out, models.ClaimEligibility{
			Key: models.FlightKey{
				FlightNumber:     row.FlightNumber,
				DepartureDate:    row.DepartureDate,
				DepartureAirport: row.DepartureAirport,
			},
			Status:           models.ClaimStatus(row.Status),
			Reason:           row.Reason,
			FirstEligibleAt:  row.FirstEligibleAt,
			LastTransitionAt: row.LastTransitionAt,
		})
	}
	return out, rows.Err()
}

// wrapUnavailable folds driver errors into the retryable taxonomy while
// keeping sentinel comparisons working for the pipeline.
func wrapUnavailable(op string, err error) error {
	if errors.Is(err, models.ErrConflict) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrUnavailable, err)
}
