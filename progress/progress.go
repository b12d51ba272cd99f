// Package progress reports download progress per city, per year and per report.
//
// Reporters are called from the orchestrator (cities, years) and from
// pipeline workers (reports), so implementations must be safe for
// concurrent use.
package progress

import (
	"log/slog"
	"sync/atomic"

	"github.com/aluiziolira/go-lrf-downloader/models"
)

// Reporter receives progress events.
type Reporter interface {
	CityStarted(city models.City, index, total int)
	YearStarted(city models.City, year int, rows int)
	RowSaved(job models.DownloadJob, path string)
	RowFailed(job models.DownloadJob, err error)
	Done()
}

// Nop discards every event.
type Nop struct{}

func (Nop) CityStarted(models.City, int, int)   {}
func (Nop) YearStarted(models.City, int, int)   {}
func (Nop) RowSaved(models.DownloadJob, string) {}
func (Nop) RowFailed(models.DownloadJob, error) {}
func (Nop) Done()                               {}

// LogReporter writes progress as structured log records.
type LogReporter struct {
	logger *slog.Logger
	saved  atomic.Int64
	failed atomic.Int64
}

// NewLogReporter logs through logger, or slog.Default when nil.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) CityStarted(city models.City, index, total int) {
	r.logger.Info("scraping city",
		slog.String("city", city.Name),
		slog.String("city_id", city.ID),
		slog.Int("position", index+1),
		slog.Int("total", total),
	)
}

func (r *LogReporter) YearStarted(city models.City, year int, rows int) {
	r.logger.Info("listing fetched",
		slog.String("city", city.Name),
		slog.Int("year", year),
		slog.Int("rows", rows),
	)
}

func (r *LogReporter) RowSaved(job models.DownloadJob, path string) {
	r.saved.Add(1)
	r.logger.Debug("report saved",
		slog.String("city", job.City.Name),
		slog.Int("year", job.Year),
		slog.String("path", path),
	)
}

func (r *LogReporter) RowFailed(job models.DownloadJob, err error) {
	r.failed.Add(1)
	r.logger.Error("report failed",
		slog.String("city", job.City.Name),
		slog.Int("year", job.Year),
		slog.String("report", job.Row.Name),
		slog.Any("error", err),
	)
}

func (r *LogReporter) Done() {
	r.logger.Info("download finished",
		slog.Int64("saved", r.saved.Load()),
		slog.Int64("failed", r.failed.Load()),
	)
}

// Saved returns how many reports were saved so far.
func (r *LogReporter) Saved() int64 {
	return r.saved.Load()
}

// Failed returns how many reports failed so far.
func (r *LogReporter) Failed() int64 {
	return r.failed.Load()
}
