package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	gormModels "eu-flight/monitor/internal/models/gorm"
)

// InitPostgresORM opens the GORM connection used by the reference-data
// repositories and migrates their tables.
func InitPostgresORM(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := conn.AutoMigrate(&gormModels.Airport{}, &gormModels.Airline{}); err != nil {
		return nil, fmt.Errorf("failed to migrate reference tables: %w", err)
	}
	return conn, nil
}
