package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/models"
	"eu-flight/monitor/internal/models/dtos/responses"
	"eu-flight/monitor/internal/refdata"
	"eu-flight/monitor/internal/report"
)

const claimsLookbackDays = 90

// Handlers bundles the query-layer dependencies.
type Handlers struct {
	GW      gateway.Gateway
	Ref     *refdata.Service
	Reports *report.Service
	AppEnv  string
	UpSince time.Time
}

// NewHandlers creates the API handler set.
func NewHandlers(gw gateway.Gateway, ref *refdata.Service, reports *report.Service, appEnv string, upSince time.Time) *Handlers {
	return &Handlers{GW: gw, Ref: ref, Reports: reports, AppEnv: appEnv, UpSince: upSince}
}

// GetFlight returns the reconciled state for one flight key.
// GET /api/v1/flights?number=LH1234&date=2026-08-20&airport=FRA
func (h *Handlers) GetFlight(w http.ResponseWriter, r *http.Request) {
	number := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("number")))
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	airport := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("airport")))
	if number == "" || date == "" || airport == "" {
		respondWithError(w, http.StatusBadRequest, "number, date, and airport are required")
		return
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		respondWithError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	key := models.FlightKey{FlightNumber: number, DepartureDate: date, DepartureAirport: airport}
	snap, err := h.GW.Load(r.Context(), key)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	if snap.State == nil {
		respondWithError(w, http.StatusNotFound, "flight not found")
		return
	}

	respondWithSuccess(w, http.StatusOK, &responses.FlightStateResponse{
		State:       snap.State,
		LastDelay:   snap.LastDelay,
		Eligibility: snap.Eligibility,
	})
}

// GetDelayedFlights lists flights of one day delayed past a minimum.
// GET /api/v1/flights/delayed?date=2026-08-20&min=120
func (h *Handlers) GetDelayedFlights(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDateParam(w, r, "date")
	if !ok {
		return
	}

	minDelay := 120
	if raw := r.URL.Query().Get("min"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "min must be a non-negative integer")
			return
		}
		minDelay = parsed
	}

	flights, err := h.GW.DelayedFlights(r.Context(), day, minDelay)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	respondWithSuccess(w, http.StatusOK, &responses.DelayedFlightsResponse{
		Date:            day.Format("2006-01-02"),
		MinDelayMinutes: minDelay,
		Flights:         flights,
	})
}

// GetClaimEligible lists currently ELIGIBLE flights within the claims
// lookback window.
// GET /api/v1/claims/eligible
func (h *Handlers) GetClaimEligible(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -claimsLookbackDays)
	flights, err := h.GW.ClaimEligible(r.Context(), since)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	respondWithSuccess(w, http.StatusOK, &responses.ClaimsResponse{
		Since:   since.Format("2006-01-02"),
		Flights: flights,
	})
}

// GetDailyReport returns the delay report for one day.
// GET /api/v1/reports/daily?date=2026-08-20
func (h *Handlers) GetDailyReport(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDateParam(w, r, "date")
	if !ok {
		return
	}

	rep, err := h.Reports.Generate(r.Context(), day)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "report generation failed")
		return
	}
	respondWithSuccess(w, http.StatusOK, rep)
}

// GetAirport resolves airport reference data.
// GET /api/v1/airports/{code}
func (h *Handlers) GetAirport(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	meta, err := h.Ref.ResolveAirport(r.Context(), code)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "reference data unavailable")
		return
	}
	if meta == nil {
		respondWithError(w, http.StatusNotFound, "airport not found")
		return
	}
	respondWithSuccess(w, http.StatusOK, meta)
}

// GetAirline resolves airline reference data.
// GET /api/v1/airlines/{code}
func (h *Handlers) GetAirline(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	meta, err := h.Ref.ResolveAirline(r.Context(), code)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "reference data unavailable")
		return
	}
	if meta == nil {
		respondWithError(w, http.StatusNotFound, "airline not found")
		return
	}
	respondWithSuccess(w, http.StatusOK, meta)
}

// HealthCheck reports process liveness.
// GET /healthz
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithSuccess(w, http.StatusOK, &responses.HealthResponse{
		Healthy:       true,
		Environment:   h.AppEnv,
		UptimeSeconds: int64(time.Since(h.UpSince).Seconds()),
	})
}

// parseDateParam reads a YYYY-MM-DD query param, defaulting to yesterday.
func parseDateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -1), true
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day.UTC(), true
}
