package gorm

import "time"

// Airline is a reference-data record used for enrichment only.
type Airline struct {
	ID        string    `gorm:"column:id;primaryKey;type:uuid;default:gen_random_uuid()"`
	ICAO      string    `gorm:"column:icao;type:varchar(3);not null;uniqueIndex"`
	IATA      string    `gorm:"column:iata;type:varchar(2);index"`
	Name      string    `gorm:"column:name;type:text;not null"`
	Country   string    `gorm:"column:country;type:varchar(100)"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`
}

// TableName specifies the table name for GORM
func (Airline) TableName() string {
	return "airlines"
}
