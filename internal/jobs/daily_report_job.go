package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/report"
)

// DailyReportJob writes yesterday's delay report once per day.
type DailyReportJob struct {
	reports *report.Service
}

// NewDailyReportJob creates a new daily report job instance
func NewDailyReportJob(reports *report.Service) *DailyReportJob {
	return &DailyReportJob{reports: reports}
}

// RunScheduled generates a report every interval until ctx is cancelled.
// Runs once immediately so a restart never skips a day.
func (j *DailyReportJob) RunScheduled(ctx context.Context, interval time.Duration) {
	log := logging.WithComponent("daily_report_job")
	log.Infow("Daily report job started", "interval", interval.String())

	j.runOnce(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infow("Daily report job stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx, log)
		}
	}
}

func (j *DailyReportJob) runOnce(ctx context.Context, log *zap.SugaredLogger) {
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	if _, err := j.reports.GenerateAndStore(ctx, yesterday); err != nil {
		log.Warnw("Daily report generation failed", "error", err.Error())
	}
}
