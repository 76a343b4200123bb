package repositories

import (
	"context"

	"eu-flight/monitor/internal/models/gorm"

	gormlib "gorm.io/gorm"
)

// AirlineRepository handles airline reference-data operations.
type AirlineRepository struct {
	db *gormlib.DB
}

// NewAirlineRepository creates a new airline repository
func NewAirlineRepository(db *gormlib.DB) *AirlineRepository {
	return &AirlineRepository{db: db}
}

// FindByCode finds an airline by IATA or ICAO code (case-insensitive).
func (r *AirlineRepository) FindByCode(ctx context.Context, code string) (*gorm.Airline, error) {
	var airline gorm.Airline

	err := r.db.WithContext(ctx).
		Where("UPPER(iata) = UPPER(?) OR UPPER(icao) = UPPER(?)", code, code).
		First(&airline).Error

	if err != nil {
		if err == gormlib.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	return &airline, nil
}

// BatchInsert inserts multiple airlines
func (r *AirlineRepository) BatchInsert(ctx context.Context, airlines []gorm.Airline) error {
	return r.db.WithContext(ctx).
		CreateInBatches(airlines, 100).Error
}
