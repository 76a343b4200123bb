package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"eu-flight/monitor/internal/api"
	"eu-flight/monitor/internal/metrics"
	"eu-flight/monitor/internal/middleware"
)

// RegisterRoutes builds the query-layer router.
func RegisterRoutes(handlers *api.Handlers, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Metrics(reg))
	r.Use(middleware.RateLimit)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/flights", handlers.GetFlight)
		r.Get("/flights/delayed", handlers.GetDelayedFlights)
		r.Get("/claims/eligible", handlers.GetClaimEligible)
		r.Get("/reports/daily", handlers.GetDailyReport)
		r.Get("/airports/{code}", handlers.GetAirport)
		r.Get("/airlines/{code}", handlers.GetAirline)
	})

	return r
}
