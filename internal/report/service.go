// Package report builds the daily delay report consumed by operators and
// the claims team.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/models"
)

// Service aggregates delay history into daily summaries.
type Service struct {
	gw         gateway.Gateway
	rules      *config.RulesHolder
	reportsDir string
}

// NewService builds a report service. The claim delay threshold is read from
// the rules snapshot per report, so a hot-reloaded threshold applies to the
// next generation.
func NewService(gw gateway.Gateway, rules *config.RulesHolder, reportsDir string) *Service {
	return &Service{
		gw:         gw,
		rules:      rules,
		reportsDir: reportsDir,
	}
}

// Generate computes the report for one departure day.
func (s *Service) Generate(ctx context.Context, day time.Time) (*models.DailyReport, error) {
	delayed, err := s.gw.DelayedFlights(ctx, day, s.rules.Snapshot().ClaimDelayMinutes)
	if err != nil {
		return nil, fmt.Errorf("query delayed flights: %w", err)
	}
	total, err := s.gw.CountFlights(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("count flights: %w", err)
	}

	report := &models.DailyReport{
		Date:           day.UTC().Format("2006-01-02"),
		TotalFlights:   total,
		DelayedFlights: len(delayed),
	}
	if total > 0 {
		report.DelayPercentage = round2(float64(len(delayed)) / float64(total) * 100)
	}

	type airlineAgg struct {
		count      int
		totalDelay int
	}
	byAirline := make(map[string]*airlineAgg)
	totalDelay := 0
	for _, d := range delayed {
		totalDelay += d.ArrivalDelayMin
		agg, ok := byAirline[d.AirlineCode]
		if !ok {
			agg = &airlineAgg{}
			byAirline[d.AirlineCode] = agg
		}
		agg.count++
		agg.totalDelay += d.ArrivalDelayMin
	}
	if len(delayed) > 0 {
		report.AverageDelayMinutes = round2(float64(totalDelay) / float64(len(delayed)))
	}

	for code, agg := range byAirline {
		report.Airlines = append(report.Airlines, models.AirlineDelayStats{
			AirlineCode:    code,
			DelayedFlights: agg.count,
			AverageDelay:   round2(float64(agg.totalDelay) / float64(agg.count)),
		})
	}
	sort.Slice(report.Airlines, func(i, j int) bool {
		return report.Airlines[i].AirlineCode < report.Airlines[j].AirlineCode
	})

	return report, nil
}

// GenerateAndStore writes the report for day to the reports directory.
func (s *Service) GenerateAndStore(ctx context.Context, day time.Time) (*models.DailyReport, error) {
	report, err := s.Generate(ctx, day)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(s.reportsDir, fmt.Sprintf("delay_report_%s.json", report.Date))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	logging.Info("Daily report saved", "path", path,
		"total_flights", report.TotalFlights, "delayed", report.DelayedFlights)
	return report, nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
