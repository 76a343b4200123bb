package responses

import "eu-flight/monitor/internal/models"

// FlightStateResponse is the response for GET /api/v1/flights, combining the
// reconciled state with its latest delay figures and claim status.
type FlightStateResponse struct {
	State       *models.FlightState      `json:"state"`
	LastDelay   *models.DelayRecord      `json:"last_delay,omitempty"`
	Eligibility *models.ClaimEligibility `json:"eligibility,omitempty"`
}

// DelayedFlightsResponse is the response for GET /api/v1/flights/delayed.
type DelayedFlightsResponse struct {
	Date            string                `json:"date"`
	MinDelayMinutes int                   `json:"min_delay_minutes"`
	Flights         []models.DelaySummary `json:"flights"`
}

// ClaimsResponse is the response for GET /api/v1/claims/eligible.
type ClaimsResponse struct {
	Since   string                    `json:"since"`
	Flights []models.ClaimEligibility `json:"flights"`
}

// HealthResponse reports process health and uptime.
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Environment   string `json:"environment"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
