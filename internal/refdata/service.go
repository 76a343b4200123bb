// Package refdata resolves airport and airline reference data for
// enrichment. Lookups never influence delay math; a miss degrades display,
// not correctness.
package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"eu-flight/monitor/internal/db/repositories"
	"eu-flight/monitor/internal/logging"
	gormModels "eu-flight/monitor/internal/models/gorm"
)

const lookupTTL = time.Hour

// AirportMeta is the enrichment projection handed to consumers.
type AirportMeta struct {
	ICAO     string  `json:"icao"`
	IATA     string  `json:"iata"`
	Name     string  `json:"name"`
	City     string  `json:"city"`
	Country  string  `json:"country"`
	Timezone string  `json:"timezone"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// AirlineMeta is the airline enrichment projection.
type AirlineMeta struct {
	ICAO    string `json:"icao"`
	IATA    string `json:"iata"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// Service fronts the reference repositories with an expiring lookup cache.
type Service struct {
	airports *repositories.AirportRepository
	airlines *repositories.AirlineRepository
	cache    *gocache.Cache
}

// NewService builds a resolver over the given repositories.
func NewService(airports *repositories.AirportRepository, airlines *repositories.AirlineRepository) *Service {
	return &Service{
		airports: airports,
		airlines: airlines,
		cache:    gocache.New(lookupTTL, 2*lookupTTL),
	}
}

// ResolveAirport looks up an airport by IATA or ICAO code. Returns nil when
// unknown.
func (s *Service) ResolveAirport(ctx context.Context, code string) (*AirportMeta, error) {
	cacheKey := "airport:" + code
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(*AirportMeta), nil
	}

	airport, err := s.airports.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve airport %s: %w", code, err)
	}
	if airport == nil {
		return nil, nil
	}

	meta := &AirportMeta{
		ICAO:     airport.ICAO,
		IATA:     airport.IATA,
		Name:     airport.Name,
		City:     airport.City,
		Country:  airport.Country,
		Timezone: airport.Timezone,
		Lat:      airport.Latitude,
		Lon:      airport.Longitude,
	}
	s.cache.Set(cacheKey, meta, gocache.DefaultExpiration)
	return meta, nil
}

// ResolveAirline looks up an airline by IATA or ICAO code. Returns nil when
// unknown.
func (s *Service) ResolveAirline(ctx context.Context, code string) (*AirlineMeta, error) {
	cacheKey := "airline:" + code
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(*AirlineMeta), nil
	}

	airline, err := s.airlines.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve airline %s: %w", code, err)
	}
	if airline == nil {
		return nil, nil
	}

	meta := &AirlineMeta{
		ICAO:    airline.ICAO,
		IATA:    airline.IATA,
		Name:    airline.Name,
		Country: airline.Country,
	}
	s.cache.Set(cacheKey, meta, gocache.DefaultExpiration)
	return meta, nil
}

// rawAirportData is the JSON import shape, keyed by ICAO code.
type rawAirportData struct {
	ICAO    string  `json:"icao"`
	IATA    string  `json:"iata"`
	Name    string  `json:"name"`
	City    string  `json:"city"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	TZ      string  `json:"tz"`
}

// LoadAirportsJSON bulk-imports airports from a JSON reader. Expected
// format: {"EDDF": {"icao": "EDDF", "name": "Frankfurt am Main...", ...}}.
// Returns the number of rows inserted.
func (s *Service) LoadAirportsJSON(ctx context.Context, reader io.Reader) (int, error) {
	var rawData map[string]rawAirportData
	if err := json.NewDecoder(reader).Decode(&rawData); err != nil {
		return 0, fmt.Errorf("failed to decode airports JSON: %w", err)
	}
	if len(rawData) == 0 {
		return 0, fmt.Errorf("no airport data found in JSON")
	}

	airports := make([]gormModels.Airport, 0, len(rawData))
	skipped := 0
	for _, raw := range rawData {
		if raw.ICAO == "" {
			skipped++
			continue
		}
		airports = append(airports, gormModels.Airport{
			ID:        uuid.NewString(),
			ICAO:      raw.ICAO,
			IATA:      raw.IATA,
			Name:      raw.Name,
			City:      raw.City,
			Country:   raw.Country,
			Latitude:  raw.Lat,
			Longitude: raw.Lon,
			Timezone:  raw.TZ,
		})
	}

	if err := s.airports.BatchInsert(ctx, airports); err != nil {
		return 0, fmt.Errorf("failed to insert airports: %w", err)
	}

	logging.Info("Loaded airport reference data",
		"inserted", len(airports), "skipped", skipped)
	return len(airports), nil
}
